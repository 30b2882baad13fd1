package ckpt

import (
	"github.com/clondike-go/clondike/internal/clonerr"
)

// Platform is the set of low-level, architecture- and OS-specific
// primitives Restore needs: opening/renumbering descriptors, mapping
// memory at a fixed address, installing registers, and so on. Restore's
// control flow (the read protocol from spec.md §4.1) is pure Go and
// fully testable against a fake; only LinuxPlatform (restore_linux.go,
// behind a linux build tag) talks to the kernel for real, via
// golang.org/x/sys/unix.
type Platform interface {
	// LocalArch reports this platform's architecture tag, compared
	// against the checkpoint header before any restore work begins.
	LocalArch() string

	// FlushImage discards the calling process's current VMAs and open
	// files, as the read protocol requires before replay begins.
	FlushImage() error

	OpenFile(path string, flags int, mode uint32) (fd int, err error)
	CloseFile(fd int) error
	RenumberFD(oldfd, newfd int) error
	SeekFile(fd int, pos int64) error

	SetRLimit(resource int, cur, max uint64) error

	// MapFile maps length bytes of fd at offset into the address space
	// at addr, with the given protection bits, replacing whatever was
	// there (MAP_FIXED semantics).
	MapFile(addr uintptr, fd int, offset int64, length int, flags uint64) error
	// MapAnon maps an anonymous, zero-filled region at addr.
	MapAnon(addr uintptr, length int, flags uint64) error
	// WritePage copies data (exactly PageSize bytes) into the mapping at addr.
	WritePage(addr uintptr, data []byte) error

	Chdir(path string) error
	RestoreSignals(s SignalState) error

	// StartThread installs the restored register file and, on success,
	// never returns to the caller — it resumes execution at the
	// restored instruction pointer.
	StartThread(regs Registers) error

	// Exec replaces the calling image via execve and, on success, never
	// returns.
	Exec(filename string, argv, envp []string) error
}

// Restore reconstructs a live process from img using p, per spec.md
// §4.1's read protocol. A non-nil error after FlushImage has run is
// fatal to the caller — the executable image is already gone.
func Restore(img *Image, p Platform) error {
	if img.Header.Magic != Magic {
		return clonerr.New(clonerr.ChecksumOrMagicMismatch, "checkpoint magic %#x, want %#x", img.Header.Magic, Magic)
	}
	if img.Header.Arch != p.LocalArch() {
		return clonerr.New(clonerr.ArchitectureMismatch, "checkpoint arch %q, local arch %q", img.Header.Arch, p.LocalArch())
	}

	if err := p.FlushImage(); err != nil {
		return err
	}

	for _, rl := range img.RLimits {
		if err := p.SetRLimit(rl.Resource, rl.Cur, rl.Max); err != nil {
			return fatalf(err, "restoring rlimit %d", rl.Resource)
		}
	}

	if err := replayFiles(img, p); err != nil {
		return fatalf(err, "replaying open files")
	}

	if !img.Header.IsNPM {
		for _, v := range img.VMAs {
			if err := replayVma(v, p); err != nil {
				return fatalf(err, "replaying vma [%#x,%#x)", v.Start, v.End)
			}
		}
	}

	if img.Registers.Arch != p.LocalArch() {
		return fatalf(clonerr.New(clonerr.ArchitectureMismatch, "register file arch %q mismatches local arch %q", img.Registers.Arch, p.LocalArch()), "restoring registers")
	}

	if err := p.Chdir(img.Cwd); err != nil {
		return fatalf(err, "restoring working directory")
	}

	if err := p.RestoreSignals(img.Signals); err != nil {
		return fatalf(err, "restoring signal state")
	}

	if img.Header.IsNPM {
		if img.NPM == nil {
			return fatalf(clonerr.New(clonerr.InvalidMessage, "NPM header set without NpmParams"), "NPM restore")
		}
		if err := p.Exec(img.NPM.Filename, img.NPM.Argv, img.NPM.Envp); err != nil {
			return fatalf(err, "NPM exec")
		}
		return nil // unreachable on success
	}

	if err := p.StartThread(img.Registers); err != nil {
		return fatalf(err, "starting restored thread")
	}
	return nil // unreachable on success
}

// fatalf marks an error as occurring after the executable image has
// already been flushed: per §7, such errors are fatal to the calling
// process and must be reported via EXIT, not retried.
func fatalf(cause error, what string) error {
	return clonerr.Wrap(clonerr.BadState, cause, "fatal during restore: %s", what)
}

func replayFiles(img *Image, p Platform) error {
	for _, rec := range img.Files {
		switch {
		case rec.New != nil:
			nf := rec.New
			got, err := p.OpenFile(nf.Path, nf.OpenFlags, nf.Mode)
			if err != nil {
				return err
			}
			if got != nf.FD {
				if err := p.RenumberFD(got, nf.FD); err != nil {
					p.CloseFile(got)
					return err
				}
				if err := p.CloseFile(got); err != nil {
					return err
				}
			}
			if nf.Kind == FileRegular || nf.Kind == FileDirectory {
				if err := p.SeekFile(nf.FD, nf.Pos); err != nil {
					return err
				}
			}

		case rec.Dup != nil:
			if err := p.RenumberFD(rec.Dup.DupFD, rec.Dup.FD); err != nil {
				return err
			}

		default:
			return clonerr.New(clonerr.InvalidMessage, "open-file record has neither New nor Dup set")
		}
	}
	return nil
}

func replayVma(v VmaRecord, p Platform) error {
	if v.Kind == VmaLight {
		fd, err := p.OpenFile(v.Path, 0 /* O_RDONLY */, 0)
		if err != nil {
			return err
		}
		defer p.CloseFile(fd)
		return p.MapFile(uintptr(v.Start), fd, 0, int(v.End-v.Start), v.Flags)
	}

	if !v.growsDown() {
		return mapHeavy(v, uintptr(v.Start), v.Payload, p)
	}

	// Stack fixup: the host cannot file-map a GROWSDOWN region, so map
	// the first page anonymously, copy its content by hand, then fall
	// through to a normal mapping for the remainder.
	if err := p.MapAnon(uintptr(v.Start), PageSize, v.Flags); err != nil {
		return err
	}
	if len(v.Payload) < PageSize {
		return clonerr.New(clonerr.InvalidMessage, "growsdown vma shorter than one page")
	}
	if err := p.WritePage(uintptr(v.Start), v.Payload[:PageSize]); err != nil {
		return err
	}
	remainderFlags := v.Flags &^ VMGrowsDown
	return mapHeavy(v, uintptr(v.Start)+PageSize, v.Payload[PageSize:], &flagOverride{Platform: p, flags: remainderFlags})
}

// flagOverride lets replayVma map a GROWSDOWN region's remainder with
// VMGrowsDown cleared without needing a second VmaRecord copy.
type flagOverride struct {
	Platform
	flags uint64
}

func mapHeavy(v VmaRecord, addr uintptr, payload []byte, p Platform) error {
	flags := v.Flags
	if fo, ok := p.(*flagOverride); ok {
		flags = fo.flags
		p = fo.Platform
	}
	length := len(payload)
	if length == 0 {
		return nil
	}
	if err := p.MapAnon(addr, length, flags); err != nil {
		return err
	}
	for off := 0; off < length; off += PageSize {
		page := payload[off : off+PageSize]
		if isZeroPage(page) {
			continue // hole: the anonymous mapping is already zero-filled
		}
		if err := p.WritePage(addr+uintptr(off), page); err != nil {
			return err
		}
	}
	return nil
}

func isZeroPage(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
