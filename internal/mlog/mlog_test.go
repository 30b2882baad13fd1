package mlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	AddLogger("test", &buf, WARN)
	defer DelLogger("test")

	Debug("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("debug message leaked through warn-level logger: %q", buf.String())
	}

	Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got %q", buf.String())
	}
}

func TestFilter(t *testing.T) {
	var buf bytes.Buffer
	AddLogger("filtered", &buf, DEBUG)
	defer DelLogger("filtered")

	if err := AddFilter("filtered", "secret"); err != nil {
		t.Fatal(err)
	}

	Debug("contains secret token")
	if buf.Len() != 0 {
		t.Fatalf("expected filtered message to be suppressed, got %q", buf.String())
	}

	Debug("unrelated message")
	if !strings.Contains(buf.String(), "unrelated message") {
		t.Fatalf("expected unfiltered message to pass through, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DEBUG,
		"info":  INFO,
		"warn":  WARN,
		"error": ERROR,
		"fatal": FATAL,
	}
	for s, want := range cases {
		got, err := ParseLevel(s)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}

	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestWillLog(t *testing.T) {
	AddLogger("willlog", &bytes.Buffer{}, ERROR)
	defer DelLogger("willlog")

	if WillLog(DEBUG) {
		t.Fatal("expected WillLog(DEBUG) to be false with only an ERROR logger registered")
	}
	if !WillLog(ERROR) {
		t.Fatal("expected WillLog(ERROR) to be true")
	}
}
