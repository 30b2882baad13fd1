//go:build linux

package ckpt

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	proc "github.com/c9s/goprocinfo/linux"
	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/clondike-go/clondike/internal/clonerr"
	"github.com/clondike-go/clondike/internal/fdcache"
)

// Snapshotter gathers a Source from a live process by pid, the way
// minimega's own process accounting embeds goprocinfo's /proc readers
// (src/minimega/proc.go) rather than hand-parsing /proc itself. gopsutil
// supplies the process existence/metadata check goprocinfo doesn't.
type Snapshotter struct {
	ProcRoot string // defaults to "/proc"
}

// Snapshot reads /proc/<pid>/{stat,maps,fd} and assembles a
// checkpointable Source; it does not fill in Cwd, rlimits or signal
// state. It does not read VMA contents here — VMA bytes
// are captured by the caller via process_vm_readv or ptrace, which is
// out of goprocinfo's scope; this only builds the geometry half (start,
// end, flags, backing path) of each VmaRecord.
func (s *Snapshotter) Snapshot(pid int) (*Source, error) {
	root := s.ProcRoot
	if root == "" {
		root = "/proc"
	}

	exists, err := gopsprocess.PidExists(int32(pid))
	if err != nil {
		return nil, clonerr.Wrap(clonerr.NotFound, err, "checking pid %d", pid)
	}
	if !exists {
		return nil, clonerr.New(clonerr.NotFound, "pid %d does not exist", pid)
	}

	stat, err := proc.ReadProcessStat(fmt.Sprintf("%s/%d/stat", root, pid))
	if err != nil {
		return nil, clonerr.Wrap(clonerr.NotFound, err, "reading /proc/%d/stat", pid)
	}

	src := &Source{
		Arch:        archTag(),
		CommandName: stat.Comm,
	}

	maps, err := proc.ReadProcessMaps(fmt.Sprintf("%s/%d/maps", root, pid))
	if err != nil {
		return nil, clonerr.Wrap(clonerr.NotFound, err, "reading /proc/%d/maps", pid)
	}
	for _, m := range maps {
		src.VMAs = append(src.VMAs, SourceVma{
			Start:   m.StartAddr,
			End:     m.EndAddr,
			Flags:   vmaFlagsFromPerms(m.Perm),
			PgOff:   uint64(m.Offset),
			HasFile: m.Pathname != "" && !strings.HasPrefix(m.Pathname, "["),
			Path:    m.Pathname,
		})
	}

	fdDir := fmt.Sprintf("%s/%d/fd", root, pid)
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, clonerr.Wrap(clonerr.NotFound, err, "reading %s", fdDir)
	}
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(fdDir + "/" + e.Name())
		if err != nil {
			continue
		}
		info, err := os.Lstat(fdDir + "/" + e.Name())
		if err != nil {
			continue
		}
		kind, ok := classify(info, target)
		if !ok {
			return nil, clonerr.New(clonerr.UnsupportedCheckpointEntity, "fd %d (%s) has unsupported type", fd, target)
		}
		src.Files = append(src.Files, SourceFile{
			FD:       fd,
			Identity: identityOf(fdDir + "/" + e.Name()),
			Kind:     kind,
			Path:     target,
		})
	}

	return src, nil
}

func archTag() string {
	return runtime.GOARCH
}

// identityOf derives a dedup key from the target's device+inode, the
// same notion of "underlying open-file object" §4.2 calls for — two
// independent opens of the same path still get distinct identities if
// the device/inode differ (e.g. after a rename-replace), and conversely
// two dup()'d fds of one open share identity because they share an inode
// number even though fdcache never sees the fd that produced it.
func identityOf(fdSymlinkPath string) fdcache.Identity {
	info, err := os.Stat(fdSymlinkPath)
	if err != nil {
		return 0
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return fdcache.Identity(st.Dev<<40 ^ st.Ino)
}

func vmaFlagsFromPerms(perm string) uint64 {
	var flags uint64
	if strings.Contains(perm, "w") {
		flags |= VMWrite
	}
	if strings.Contains(perm, "s") {
		flags |= VMShared
	}
	return flags
}

func classify(info os.FileInfo, target string) (RawFileKind, bool) {
	mode := info.Mode()
	switch {
	case strings.HasPrefix(target, "socket:"):
		return RawSocket, false
	case mode&os.ModeSymlink != 0:
		return RawSymlink, false
	case mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0:
		return RawBlockDevice, false
	case mode&os.ModeCharDevice != 0:
		return RawChar, true
	case mode&os.ModeNamedPipe != 0:
		return RawFIFO, true
	case mode&os.ModeDir != 0:
		return RawDirectory, true
	default:
		return RawRegular, true
	}
}
