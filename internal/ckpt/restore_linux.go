//go:build linux

package ckpt

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/clondike-go/clondike/internal/clonerr"
)

// LinuxPlatform is the real Platform, backed by golang.org/x/sys/unix.
// It operates on the calling goroutine's OS thread, so callers must run
// it on a goroutine locked with runtime.LockOSThread — restore mutates
// process-wide and thread-local state that must not migrate mid-restore.
type LinuxPlatform struct{}

var _ Platform = LinuxPlatform{}

func (LinuxPlatform) LocalArch() string {
	return runtime.GOARCH
}

func (LinuxPlatform) FlushImage() error {
	// The host's exec(2)-adjacent image flush (closing all fds above
	// the restore set, unmapping non-essential VMAs) is performed by
	// the caller before invoking Restore — this hook exists for a
	// platform that needs to do additional bookkeeping first.
	return nil
}

func (LinuxPlatform) OpenFile(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return 0, clonerr.Wrap(clonerr.NotFound, err, "open %s", path)
	}
	return fd, nil
}

func (LinuxPlatform) CloseFile(fd int) error {
	return unix.Close(fd)
}

func (LinuxPlatform) RenumberFD(oldfd, newfd int) error {
	return unix.Dup2(oldfd, newfd)
}

func (LinuxPlatform) SeekFile(fd int, pos int64) error {
	_, err := unix.Seek(fd, pos, unix.SEEK_SET)
	return err
}

func (LinuxPlatform) SetRLimit(resource int, cur, max uint64) error {
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: cur, Max: max})
}

func (LinuxPlatform) MapFile(addr uintptr, fd int, offset int64, length int, flags uint64) error {
	prot := unix.PROT_READ
	if flags&VMWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	return rawMmap(addr, length, prot, unix.MAP_FIXED|unix.MAP_PRIVATE, fd, offset)
}

func (LinuxPlatform) MapAnon(addr uintptr, length int, flags uint64) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	return rawMmap(addr, length, prot, unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANON, -1, 0)
}

// rawMmap issues mmap(2) directly: the unix package's Mmap helper always
// lets the kernel pick the address, but restore needs MAP_FIXED at an
// address recorded in the checkpoint, which only the raw syscall exposes.
func rawMmap(addr uintptr, length, prot, flags, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return clonerr.Wrap(clonerr.BadState, errno, "mmap at %#x", addr)
	}
	return nil
}

func (LinuxPlatform) WritePage(addr uintptr, data []byte) error {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)
	return nil
}

func (LinuxPlatform) Chdir(path string) error {
	return unix.Chdir(path)
}

// kernelSigaction mirrors the rt_sigaction(2) kernel ABI struct directly
// (handler, flags, restorer trampoline, blocked-during-handler mask) —
// the Go runtime's own signal machinery doesn't expose installing an
// arbitrary restored handler/restorer pair, so this goes straight to the
// syscall rather than through unix.Sigaction's Go-runtime-oriented shape.
type kernelSigaction struct {
	Handler  uintptr
	Flags    uint64
	Restorer uintptr
	Mask     uint64
}

func (LinuxPlatform) RestoreSignals(s SignalState) error {
	if err := rawSigaltstack(s.AltStackPtr, s.AltStackSize); err != nil {
		return err
	}
	if err := rawSigprocmask(s.Blocked); err != nil {
		return err
	}
	for _, d := range s.Dispositions {
		act := kernelSigaction{
			Handler:  uintptr(d.Handler),
			Flags:    d.Flags,
			Restorer: uintptr(d.Restorer),
			Mask:     d.Mask,
		}
		_, _, errno := unix.Syscall6(unix.SYS_RT_SIGACTION, uintptr(d.Signo), uintptr(unsafe.Pointer(&act)), 0, unsafe.Sizeof(act.Mask), 0, 0)
		if errno != 0 {
			return clonerr.Wrap(clonerr.BadState, errno, "restoring disposition for signal %d", d.Signo)
		}
	}
	return nil
}

func rawSigaltstack(ptr, size uint64) error {
	type stackT struct {
		SP    uintptr
		Flags int32
		_     [4]byte
		Size  uintptr
	}
	ss := stackT{SP: uintptr(ptr), Size: uintptr(size)}
	_, _, errno := unix.Syscall(unix.SYS_SIGALTSTACK, uintptr(unsafe.Pointer(&ss)), 0, 0)
	if errno != 0 {
		return clonerr.Wrap(clonerr.BadState, errno, "restoring alternate signal stack")
	}
	return nil
}

func rawSigprocmask(blocked uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_RT_SIGPROCMASK, unix.SIG_SETMASK, uintptr(unsafe.Pointer(&blocked)), 0, unsafe.Sizeof(blocked), 0, 0)
	if errno != 0 {
		return clonerr.Wrap(clonerr.BadState, errno, "restoring blocked-signal mask")
	}
	return nil
}

func (LinuxPlatform) StartThread(regs Registers) error {
	// Installing an arbitrary restored register file and jumping to it
	// is outside what the Go runtime exposes; a real implementation
	// does this through a small assembly trampoline that loads the
	// register file and returns from the restore syscall directly into
	// it. That trampoline is architecture-specific machine code, not
	// library-expressible Go, and is intentionally not reproduced here.
	return clonerr.New(clonerr.BadState, "start-thread requires an architecture-specific trampoline")
}

func (LinuxPlatform) Exec(filename string, argv, envp []string) error {
	return unix.Exec(filename, argv, envp)
}
