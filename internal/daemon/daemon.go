//go:build linux

// Package daemon wires the pieces cmd/ccnd and cmd/pend both need into
// one running process: a node.Manager, its internal/ctlfs tree exposed
// over internal/ctlsock, an internal/ledger journal, and the
// internal/restart handler that rehydrates checkpoints at exec time.
// Grounded on cmd/miniccc/client.go's NewClient (one function that
// allocates every piece of per-process state a client needs before its
// accept/dispatch loops start).
package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/clondike-go/clondike/internal/ckpt"
	"github.com/clondike-go/clondike/internal/ctlfs"
	"github.com/clondike-go/clondike/internal/ctlsock"
	"github.com/clondike-go/clondike/internal/ledger"
	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/node"
	"github.com/clondike-go/clondike/internal/restart"
	"github.com/clondike-go/clondike/internal/task"
)

// Config bundles what both daemons need from their flags.
type Config struct {
	Role     node.Role
	Arch     string
	Key      [32]byte
	BaseDir  string // holds the ledger file, checkpoint staging area, and control socket
	SockName string // basename under BaseDir for the ctlsock Unix socket
}

// Daemon is a fully wired node manager plus its supporting
// infrastructure, ready to have Build{CCN,PEN} called against its Root.
type Daemon struct {
	Node    *node.Manager
	Root    *ctlfs.Dir
	Ledger  *ledger.Ledger
	Sock    *ctlsock.Server
	ckptDir string
}

// New allocates every piece of per-process state a ccnd/pend needs:
// the node manager, the ledger journal, a staging directory for
// outgoing checkpoints, and the restart handler installed as
// internal/task's global rehydration hook.
func New(cfg Config) (*Daemon, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create base dir %s: %w", cfg.BaseDir, err)
	}

	l, err := ledger.Open(filepath.Join(cfg.BaseDir, "ledger.db"))
	if err != nil {
		return nil, err
	}

	ckptDir := filepath.Join(cfg.BaseDir, "checkpoints")
	if err := os.MkdirAll(ckptDir, 0o700); err != nil {
		l.Close()
		return nil, fmt.Errorf("daemon: create checkpoint dir %s: %w", ckptDir, err)
	}

	n := node.New(node.Config{Role: cfg.Role, Key: cfg.Key, Arch: cfg.Arch})

	task.SetRestartHandler(restart.New(ckpt.LinuxPlatform{}).Bind())

	root := ctlfs.NewRootDir()

	return &Daemon{Node: n, Root: root, Ledger: l, ckptDir: ckptDir}, nil
}

// Hooks returns the ctlfs.Hooks bound to this daemon's ledger and
// checkpoint-staging directory.
func (d *Daemon) Hooks() ctlfs.Hooks {
	return ctlfs.Hooks{
		NewEmigrateRequest:    d.newEmigrateRequest,
		NewMigrateBackRequest: d.newMigrateBackRequest,
		OnMigrated:            d.recordMigration,
	}
}

// ListenSocket starts serving the control surface over a Unix socket at
// BaseDir/SockName, for cmd/clondikectl to attach to.
func (d *Daemon) ListenSocket(cfg Config) error {
	path := filepath.Join(cfg.BaseDir, cfg.SockName)
	s, err := ctlsock.Listen(path, d.Root)
	if err != nil {
		return err
	}
	d.Sock = s
	go s.Serve()
	mlog.Info("daemon: control socket listening on %s", path)
	return nil
}

// Close releases the ledger and control socket.
func (d *Daemon) Close() {
	if d.Sock != nil {
		d.Sock.Close()
	}
	d.Ledger.Close()
	d.Node.Shutdown()
}

func (d *Daemon) recordMigration(kind string, localPID, remotePID int, nodeID uint32, status string) {
	r := ledger.Record{
		LocalPID:  localPID,
		RemotePID: remotePID,
		NodeID:    nodeID,
		Kind:      ledger.Kind(kind),
		Status:    status,
		When:      time.Now(),
	}
	if err := d.Ledger.Record(r); err != nil {
		mlog.Warn("daemon: recording migration for pid %d: %v", localPID, err)
	}
}

// newEmigrateRequest snapshots localPID and stages its checkpoint under
// ckptDir, implementing ccn/mig/emigrate-ppm-p's checkpoint-writing half
// via internal/ckpt's Snapshotter/Write pair.
func (d *Daemon) newEmigrateRequest(localPID int) (task.EmigrateRequest, error) {
	snap := &ckpt.Snapshotter{}
	src, err := snap.Snapshot(localPID)
	if err != nil {
		return task.EmigrateRequest{}, fmt.Errorf("daemon: snapshotting pid %d: %w", localPID, err)
	}

	path := filepath.Join(d.ckptDir, fmt.Sprintf("%d.img", localPID))
	return task.EmigrateRequest{
		ExecName: src.CommandName,
		CkptPath: path,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
		FSUID:    os.Getuid(),
		FSGID:    os.Getgid(),
		OpenCheckpointFile: func(p string) (io.WriteCloser, error) {
			return os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		},
		WriteCheckpoint: func(w io.Writer) error {
			return ckpt.Write(w, ckpt.ModePPMHeavy, src)
		},
		CloseAndReleaseLocalOpenFiles: func() error {
			// The live fds this process holds for localPID are released
			// by the kernel once its thread exits to resume as a
			// shadow; nothing further to do in pure Go.
			return nil
		},
	}, nil
}

// newMigrateBackRequest builds the checkpoint request for migrate-home-all:
// t.LocalPID on the PEN side is the guest's own locally running pid, so
// it is snapshotted exactly like an emigrating process.
func (d *Daemon) newMigrateBackRequest(t *task.Task) task.MigrateBackRequest {
	snap := &ckpt.Snapshotter{}
	src, err := snap.Snapshot(t.LocalPID)
	if err != nil {
		mlog.Warn("daemon: snapshotting guest pid %d for migrate-back: %v", t.LocalPID, err)
		return task.MigrateBackRequest{}
	}

	path := filepath.Join(d.ckptDir, fmt.Sprintf("%d.back.img", t.LocalPID))
	return task.MigrateBackRequest{
		CkptPath: path,
		OpenCheckpoint: func(p string) (io.WriteCloser, error) {
			return os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		},
		WriteCheckpoint: func(w io.Writer) error {
			return ckpt.Write(w, ckpt.ModePPMHeavy, src)
		},
		CloseLocalFiles: func() error { return nil },
	}
}
