package ckpt

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/clondike-go/clondike/internal/fdcache"
)

func samplePage(fill byte) []byte {
	p := make([]byte, PageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func baseSource() *Source {
	return &Source{
		Arch:        "amd64",
		Is32Bit:     false,
		CommandName: "testproc",
		RLimits: []RLimit{
			{Resource: 0, Cur: 1024, Max: 2048},
			{Resource: 7, Cur: 65536, Max: 65536},
		},
		Files: []SourceFile{
			{FD: 0, Identity: fdcache.Identity(1), Pos: 0, Kind: RawChar, Path: "/dev/null"},
			{FD: 3, Identity: fdcache.Identity(2), Pos: 128, Kind: RawRegular, Path: "/tmp/a"},
			{FD: 4, Identity: fdcache.Identity(2), Pos: 0, Kind: RawRegular, Path: "/tmp/a"}, // dup of fd 3's identity
		},
		Mem: MemoryDescriptor{
			CodeStart: 0x400000, CodeEnd: 0x401000,
			StackStart: 0x7ffff000,
		},
		VMAs: []SourceVma{
			{Start: 0x400000, End: 0x401000, Flags: 0, HasFile: true, Path: "/bin/testproc"},
			{Start: 0x600000, End: 0x600000 + 2*PageSize, Flags: VMWrite, HeavyPages: [][]byte{samplePage(0xAB), nil}},
		},
		Registers: Registers{Arch: "amd64", Raw: []byte{1, 2, 3, 4}},
		TLS:       ThreadLocalState{Raw: []byte{9, 9}},
		Cwd:       "/home/clondike",
		Signals: SignalState{
			AltStackPtr:  0x1000,
			AltStackSize: 8192,
			Blocked:      0xFF,
			RealBlocked:  0x0F,
			Dispositions: []SignalDisposition{
				{Signo: 2, Handler: 0xdead, Restorer: 0xbeef, Flags: 1, Mask: 2},
			},
		},
	}
}

func TestWriteDecodeRoundTrip(t *testing.T) {
	src := baseSource()
	var buf bytes.Buffer
	if err := Write(&buf, ModePPMHeavy, src); err != nil {
		t.Fatalf("Write: %v", err)
	}

	img, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if img.Header.Magic != Magic {
		t.Fatalf("magic = %#x, want %#x", img.Header.Magic, Magic)
	}
	if img.Header.FileCount != uint32(len(src.Files)) {
		t.Fatalf("file count = %d, want %d", img.Header.FileCount, len(src.Files))
	}
	if img.Header.CommandName != src.CommandName {
		t.Fatalf("command name = %q, want %q", img.Header.CommandName, src.CommandName)
	}

	// fd 3 is New, fd 4 dedups against fd 3's identity via Dup.
	if img.Files[1].New == nil || img.Files[1].New.FD != 3 {
		t.Fatalf("expected fd 3 to be a New record, got %+v", img.Files[1])
	}
	if img.Files[2].Dup == nil || img.Files[2].Dup.FD != 4 || img.Files[2].Dup.DupFD != 3 {
		t.Fatalf("expected fd 4 to dedup to fd 3, got %+v", img.Files[2])
	}

	if !reflect.DeepEqual(img.Registers, src.Registers) {
		t.Fatalf("registers = %+v, want %+v", img.Registers, src.Registers)
	}
	if img.Cwd != src.Cwd {
		t.Fatalf("cwd = %q, want %q", img.Cwd, src.Cwd)
	}
	if !reflect.DeepEqual(img.Signals, src.Signals) {
		t.Fatalf("signals = %+v, want %+v", img.Signals, src.Signals)
	}

	// The light VMA (non-writable, file-backed) stays a path reference;
	// the writable VMA is heavy with its hole preserved as zero.
	if img.VMAs[0].Kind != VmaLight || img.VMAs[0].Path != "/bin/testproc" {
		t.Fatalf("expected vma 0 to be light with its path, got %+v", img.VMAs[0])
	}
	if img.VMAs[1].Kind != VmaHeavy {
		t.Fatalf("expected vma 1 to be heavy, got %+v", img.VMAs[1])
	}
	want := append(samplePage(0xAB), make([]byte, PageSize)...)
	if !bytes.Equal(img.VMAs[1].Payload, want) {
		t.Fatalf("heavy vma payload mismatch: hole page must read back as zero")
	}
}

func TestWriteRejectsUnsupportedFileKind(t *testing.T) {
	src := baseSource()
	src.Files = []SourceFile{{FD: 5, Kind: RawSocket, Path: "socket:[123]"}}

	var buf bytes.Buffer
	err := Write(&buf, ModePPMHeavy, src)
	if err == nil {
		t.Fatal("expected error for unsupported file kind")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output on a rejected write, got %d bytes", buf.Len())
	}
}

func TestWriteRejectsNonPageAlignedVma(t *testing.T) {
	src := baseSource()
	src.VMAs = []SourceVma{{Start: 0x1000, End: 0x1001}}

	var buf bytes.Buffer
	if err := Write(&buf, ModePPMHeavy, src); err == nil {
		t.Fatal("expected error for non-page-aligned vma size")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	writeU32(&buf, 0x12345678)
	writeU32(&buf, 0)
	writeU32(&buf, 0)
	writeString(&buf, "amd64")
	writeBool(&buf, false)
	writeBool(&buf, false)
	writeString(&buf, "x")

	_, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected magic mismatch error")
	}
}

func TestNPMRoundTrip(t *testing.T) {
	src := baseSource()
	src.VMAs = nil
	src.NPM = &NpmParams{
		Filename: "/bin/foo",
		Argv:     []string{"foo", "a", "b"},
		Envp:     []string{"HOME=/root"},
	}

	var buf bytes.Buffer
	if err := Write(&buf, ModeNPM, src); err != nil {
		t.Fatalf("Write: %v", err)
	}
	img, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !img.Header.IsNPM {
		t.Fatal("expected IsNPM header flag")
	}
	if img.NPM == nil || !reflect.DeepEqual(img.NPM, src.NPM) {
		t.Fatalf("npm params = %+v, want %+v", img.NPM, src.NPM)
	}
	if len(img.VMAs) != 0 {
		t.Fatalf("expected no VMAs replayed for NPM restore, got %d", len(img.VMAs))
	}
}

func TestVmaRejectsSharedOrIOFlags(t *testing.T) {
	src := baseSource()
	src.VMAs = []SourceVma{{Start: 0x2000, End: 0x2000 + PageSize, Flags: VMShared}}

	var buf bytes.Buffer
	if err := Write(&buf, ModePPMHeavy, src); err == nil {
		t.Fatal("expected error for a shared-memory vma")
	}
}
