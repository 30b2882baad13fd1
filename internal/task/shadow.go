package task

import (
	"context"
	"io"

	"github.com/clondike-go/clondike/internal/clonerr"
	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
)

// EmigrateRequest carries what a Shadow needs to start emigration beyond
// the checkpoint bytes themselves.
type EmigrateRequest struct {
	ExecName               string
	CkptPath               string
	UID, GID, FSUID, FSGID int

	WriteCheckpoint               func(w io.Writer) error
	OpenCheckpointFile            func(path string) (io.WriteCloser, error)
	CloseAndReleaseLocalOpenFiles func() error
}

// EmigrateP checkpoints the process, sends P_EMIGRATE, and waits for the
// peer's GUEST_STARTED (or a transport/error response). On success it
// records RemotePID, releases local open files, installs a catch-all
// signal trap, and schedules the process-message loop that is all a
// shadow does from then on. On failure the process resumes locally
// (spec.md §4.3.1).
func (t *Task) EmigrateP(ctx context.Context, req EmigrateRequest) Status {
	f, err := req.OpenCheckpointFile(req.CkptPath)
	if err != nil {
		mlog.Error("task %d: opening checkpoint file %s: %v", t.LocalPID, req.CkptPath, err)
		return RemoveAndLetMeGo
	}
	if err := req.WriteCheckpoint(f); err != nil {
		f.Close()
		mlog.Error("task %d: checkpoint write failed: %v", t.LocalPID, err)
		return RemoveAndLetMeGo
	}
	if err := f.Close(); err != nil {
		mlog.Error("task %d: closing checkpoint file: %v", t.LocalPID, err)
		return RemoveAndLetMeGo
	}

	txn := t.Transactions.Begin()
	msg := &proto.Message{
		Kind: proto.P_EMIGRATE,
		Txn:  txn,
		Emigrate: &proto.Emigrate{
			SrcPID:   t.LocalPID,
			ExecName: req.ExecName,
			CkptPath: req.CkptPath,
			UID:      req.UID,
			GID:      req.GID,
			FSUID:    req.FSUID,
			FSGID:    req.FSGID,
		},
	}
	if err := t.owner.SendAsync(msg); err != nil {
		t.Transactions.Cancel(txn)
		t.SetPeerLost()
		return RemoveAndLetMeGo
	}

	resp, err := t.Transactions.Wait(ctx, txn)
	if err != nil {
		mlog.Warn("task %d: emigrate wait failed: %v", t.LocalPID, err)
		return RemoveAndLetMeGo
	}
	if resp.Err != "" || resp.GuestStarted == nil {
		mlog.Warn("task %d: emigrate rejected: %s", t.LocalPID, resp.Err)
		return RemoveAndLetMeGo
	}

	t.RemotePID = resp.GuestStarted.GuestPID
	if err := req.CloseAndReleaseLocalOpenFiles(); err != nil {
		mlog.Warn("task %d: releasing local open files after emigrate: %v", t.LocalPID, err)
	}
	t.SetSignalHandler(shadowSignalTrap)
	t.FlushAndSubmit(shadowProcessMsgLoop(ctx))
	return KeepPumping
}

// MigrateHomePPM asynchronously asks the guest to start migrating back:
// the guest checkpoints and sends PPM_MIGR_BACK_GUEST_REQ; the shadow's
// handler for that message (in shadowProcessMsgLoop) performs the
// restart-handler execve and returns RemoveAndLetMeGo once merged.
func (t *Task) MigrateHomePPM() Status {
	msg := &proto.Message{
		Kind: proto.PPM_MIGR_BACK_SHADOW_REQ,
		Txn:  proto.InvalidTxn,
		MigrBackShadow: &proto.MigrBackShadowReq{
			RemotePID: t.RemotePID,
		},
	}
	if err := t.owner.SendAsync(msg); err != nil {
		t.SetPeerLost()
	}
	return KeepPumping
}

// ScheduleExecveFromCheckpoint is what shadowProcessMsgLoop submits on
// receiving PPM_MIGR_BACK_GUEST_REQ: it runs the restart handler against
// ckptPath, merging the shadow's thread with the returning image.
func (t *Task) ScheduleExecveFromCheckpoint(ckptPath string, restart func(path string) error) Status {
	t.setExecveContext(&ExecveContext{Path: ckptPath})
	if err := restart(ckptPath); err != nil {
		mlog.Error("task %d: restart from %s failed: %v", t.LocalPID, ckptPath, err)
		return ExecveFailedKillMe
	}
	return RemoveAndLetMeGo
}

// shadowProcessMsgLoop is what a shadow's pump runs once it "lives only
// to relay": it waits for the next message from the peer and dispatches
// EXIT, VFORK_DONE, PPM_MIGR_BACK_GUEST_REQ, or anything else as opaque
// relay traffic.
func shadowProcessMsgLoop(ctx context.Context) Method {
	return func(t *Task) Status {
		m, ok := t.NextMessage(ctx)
		if !ok {
			return KeepPumping
		}
		switch m.Kind {
		case proto.EXIT:
			if m.Exit != nil {
				t.setExitCode(m.Exit.Code)
			}
			return KillMe

		case proto.VFORK_DONE:
			t.completeVforkWaiter()
			t.Submit(shadowProcessMsgLoop(ctx))
			return KeepPumping

		case proto.PPM_MIGR_BACK_GUEST_REQ:
			if m.MigrBackGuest == nil {
				mlog.Error("task %d: PPM_MIGR_BACK_GUEST_REQ missing payload", t.LocalPID)
				t.Submit(shadowProcessMsgLoop(ctx))
				return KeepPumping
			}
			return t.ScheduleExecveFromCheckpoint(m.MigrBackGuest.CkptPath, defaultRestart)

		default:
			mlog.Debug("task %d: shadow relay saw unhandled kind %v", t.LocalPID, m.Kind)
			t.Submit(shadowProcessMsgLoop(ctx))
			return KeepPumping
		}
	}
}

// defaultRestart is overridden by SetRestartHandler with the real
// restart-handler binding (internal/restart); kept as a package var so
// tests can substitute a fake without threading it through every call.
var defaultRestart = func(path string) error {
	return clonerr.New(clonerr.NotFound, "no restart handler bound for %s", path)
}

// SetRestartHandler installs the function that performs the restart-time
// execve from a checkpoint file, shared by every shadow and guest task.
// cmd/ccnd and cmd/pend call this once at startup with internal/restart's
// handler bound to the local Platform.
func SetRestartHandler(fn func(path string) error) {
	defaultRestart = fn
}

func (t *Task) completeVforkWaiter() {
	// A real implementation wakes a vfork(2) waiter blocked in the
	// kernel; modeled here as a no-op hook a concrete OS binding
	// overrides, matching how StartThread is a platform primitive
	// rather than portable Go.
}

// shadowSignalTrap is the catch-all handler installed once a shadow has
// handed its process to a peer. It never terminates the pump and sends
// nothing itself; relaying a signal to the guest as an async SIGNAL
// message is done by ForwardSignal (spec.md §4.3.1).
func shadowSignalTrap(t *Task) Status {
	return KeepPumping
}

// ForwardSignal relays a signal observed on the shadow's attached thread
// to its guest, per spec.md §4.3.1: "on any signal delivered locally,
// forward as SIGNAL{remote_pid, siginfo}; no response expected."
func (t *Task) ForwardSignal(signo, code int) {
	msg := &proto.Message{
		Kind: proto.SIGNAL,
		Txn:  proto.InvalidTxn,
		Signal: &proto.Signal{
			TargetPID: t.RemotePID,
			Signo:     signo,
			Code:      code,
		},
	}
	if err := t.owner.SendAsync(msg); err != nil {
		t.SetPeerLost()
	}
}

// OnPeerLost handles a broken pipe to this task's peer: it sets the
// peer-lost flag and returns KillMe; killing the attached thread is left
// to the caller (spec.md §4.3.1, §7). migmgr.Manager's send path does not
// call it.
func (t *Task) OnPeerLost() Status {
	t.SetPeerLost()
	return KillMe
}
