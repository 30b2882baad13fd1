package ctlsock

import (
	"path/filepath"
	"testing"

	"github.com/clondike-go/clondike/internal/ctlfs"
)

func TestServerClientRoundTrip(t *testing.T) {
	root := ctlfs.NewRootDir()
	ccn := ctlfs.NewDir(root, "ccn")
	var stored string
	ctlfs.NewFile(ccn, "listen",
		func() (string, error) { return stored, nil },
		func(v string) error { stored = v; return nil })
	ctlfs.NewDir(ccn, "nodes")

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	s, err := Listen(sockPath, root)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve()
	defer s.Close()

	c := Dial(sockPath)

	if err := c.Write("ccn/listen", "amd64:127.0.0.1:9000"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, err := c.Read("ccn/listen")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != "amd64:127.0.0.1:9000" {
		t.Fatalf("expected amd64:127.0.0.1:9000, got %q", v)
	}

	entries, err := c.List("ccn")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries under ccn, got %d: %v", len(entries), entries)
	}
}

func TestReadMissingPathFails(t *testing.T) {
	root := ctlfs.NewRootDir()
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	s, err := Listen(sockPath, root)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve()
	defer s.Close()

	c := Dial(sockPath)
	if _, err := c.Read("nonexistent"); err == nil {
		t.Fatal("expected read of a missing path to fail")
	}
}
