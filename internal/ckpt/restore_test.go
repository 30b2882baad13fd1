package ckpt

import (
	"testing"
)

// fakePlatform records calls instead of touching the real OS, so Restore's
// control flow is testable without ever calling into the kernel.
type fakePlatform struct {
	arch          string
	opened        []string
	renumbered    [][2]int
	seeked        map[int]int64
	rlimits       []RLimit
	mappedFile    int
	mappedAnon    int
	chdirTo       string
	signalsSeen   SignalState
	startedRegs   *Registers
	execFilename  string
	flushed       bool
	failOpen      bool
}

func newFakePlatform(arch string) *fakePlatform {
	return &fakePlatform{arch: arch, seeked: make(map[int]int64)}
}

func (f *fakePlatform) LocalArch() string { return f.arch }

func (f *fakePlatform) FlushImage() error {
	f.flushed = true
	return nil
}

func (f *fakePlatform) OpenFile(path string, flags int, mode uint32) (int, error) {
	if f.failOpen {
		return 0, errTest("open failed")
	}
	f.opened = append(f.opened, path)
	return len(f.opened) + 100, nil // deliberately distinct from recorded fd, to exercise renumbering
}

func (f *fakePlatform) CloseFile(fd int) error { return nil }

func (f *fakePlatform) RenumberFD(oldfd, newfd int) error {
	f.renumbered = append(f.renumbered, [2]int{oldfd, newfd})
	return nil
}

func (f *fakePlatform) SeekFile(fd int, pos int64) error {
	f.seeked[fd] = pos
	return nil
}

func (f *fakePlatform) SetRLimit(resource int, cur, max uint64) error {
	f.rlimits = append(f.rlimits, RLimit{Resource: resource, Cur: cur, Max: max})
	return nil
}

func (f *fakePlatform) MapFile(addr uintptr, fd int, offset int64, length int, flags uint64) error {
	f.mappedFile++
	return nil
}

func (f *fakePlatform) MapAnon(addr uintptr, length int, flags uint64) error {
	f.mappedAnon++
	return nil
}

func (f *fakePlatform) WritePage(addr uintptr, data []byte) error { return nil }

func (f *fakePlatform) Chdir(path string) error {
	f.chdirTo = path
	return nil
}

func (f *fakePlatform) RestoreSignals(s SignalState) error {
	f.signalsSeen = s
	return nil
}

func (f *fakePlatform) StartThread(regs Registers) error {
	f.startedRegs = &regs
	return nil
}

func (f *fakePlatform) Exec(filename string, argv, envp []string) error {
	f.execFilename = filename
	return nil
}

type errTest string

func (e errTest) Error() string { return string(e) }

func testImage() *Image {
	return &Image{
		Header: Header{Magic: Magic, Arch: "amd64", CommandName: "x"},
		RLimits: []RLimit{{Resource: 0, Cur: 1, Max: 2}},
		Files: []OpenFileRecord{
			{New: &NewFile{FD: 3, Pos: 10, Kind: FileRegular, Path: "/tmp/a"}},
			{Dup: &DupFile{FD: 4, DupFD: 3}},
		},
		VMAs: []VmaRecord{
			{Start: 0x1000, End: 0x1000 + PageSize, Kind: VmaLight, Path: "/bin/x", HasFile: true},
		},
		Registers: Registers{Arch: "amd64", Raw: []byte{1}},
		Cwd:       "/home",
		Signals:   SignalState{Blocked: 1},
	}
}

func TestRestoreHappyPath(t *testing.T) {
	img := testImage()
	p := newFakePlatform("amd64")

	if err := Restore(img, p); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !p.flushed {
		t.Fatal("expected FlushImage to be called")
	}
	if len(p.rlimits) != 1 {
		t.Fatalf("expected 1 rlimit applied, got %d", len(p.rlimits))
	}
	if len(p.opened) != 2 { // the New file, plus the light vma's backing file
		t.Fatalf("expected 2 opens, got %d: %v", len(p.opened), p.opened)
	}
	if len(p.renumbered) != 2 { // New's fd fixup + the Dup record
		t.Fatalf("expected 2 renumbers, got %d", len(p.renumbered))
	}
	if p.seeked[3] != 10 {
		t.Fatalf("expected fd 3 seeked to 10, got %d", p.seeked[3])
	}
	if p.chdirTo != "/home" {
		t.Fatalf("chdir = %q, want /home", p.chdirTo)
	}
	if p.startedRegs == nil {
		t.Fatal("expected StartThread to be called")
	}
}

func TestRestoreRejectsBadMagic(t *testing.T) {
	img := testImage()
	img.Header.Magic = 0
	p := newFakePlatform("amd64")

	err := Restore(img, p)
	if err == nil {
		t.Fatal("expected magic mismatch error")
	}
	if p.flushed {
		t.Fatal("must not flush the image before the magic check passes")
	}
}

func TestRestoreRejectsArchMismatch(t *testing.T) {
	img := testImage()
	p := newFakePlatform("arm64")

	err := Restore(img, p)
	if err == nil {
		t.Fatal("expected architecture mismatch error")
	}
	if p.flushed {
		t.Fatal("must not flush the image before the arch check passes")
	}
}

func TestRestoreNPMExecsInsteadOfReplayingVMAs(t *testing.T) {
	img := testImage()
	img.Header.IsNPM = true
	img.VMAs = nil
	img.NPM = &NpmParams{Filename: "/bin/foo", Argv: []string{"a"}, Envp: nil}
	p := newFakePlatform("amd64")

	if err := Restore(img, p); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if p.execFilename != "/bin/foo" {
		t.Fatalf("expected Exec to run with /bin/foo, got %q", p.execFilename)
	}
	if p.startedRegs != nil {
		t.Fatal("NPM restore must not call StartThread")
	}
	if p.mappedFile != 0 {
		t.Fatal("NPM restore must not replay VMAs")
	}
}
