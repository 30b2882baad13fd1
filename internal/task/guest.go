package task

import (
	"context"
	"io"

	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
)

// ArrivalRequest is what a placeholder Guest task needs to respond to the
// P_EMIGRATE that created it and to schedule the execve that merges its
// bare kernel thread with the migrated image.
type ArrivalRequest struct {
	Txn       uint32
	RemotePID int
	CkptPath  string
}

// OnPEmigrate handles P_EMIGRATE for a still-placeholder guest task:
// respond GUEST_STARTED{local_pid} and schedule the restart execve to run
// next on the pump (spec.md §4.3.2).
func (t *Task) OnPEmigrate(req ArrivalRequest) Status {
	t.RemotePID = req.RemotePID
	resp := &proto.Message{
		Kind: proto.GUEST_STARTED,
		Txn:  req.Txn,
		GuestStarted: &proto.GuestStarted{
			RemotePID: req.RemotePID,
			GuestPID:  t.LocalPID,
		},
	}
	if err := t.owner.SendAsync(resp); err != nil {
		t.SetPeerLost()
		return RemoveAndLetMeGo
	}
	t.FlushAndSubmit(t.execveFromCheckpoint(req.CkptPath))
	return KeepPumping
}

// execveFromCheckpoint is the method scheduled by OnPEmigrate: its pump
// iteration performs the restart-handler execve, merging the placeholder
// thread with the migrated process image. On failure it reports
// err(GUEST_STARTED, -ENOEXEC) back to the CCN and kills the thread.
func (t *Task) execveFromCheckpoint(ckptPath string) Method {
	return func(t *Task) Status {
		t.setExecveContext(&ExecveContext{Path: ckptPath})
		if err := defaultRestart(ckptPath); err != nil {
			mlog.Error("task %d: guest restart from %s failed: %v", t.LocalPID, ckptPath, err)
			errResp := &proto.Message{
				Kind: proto.GUEST_STARTED,
				Txn:  proto.InvalidTxn,
				Err:  "ENOEXEC",
			}
			if sendErr := t.owner.SendAsync(errResp); sendErr != nil {
				t.SetPeerLost()
			}
			return KillMe
		}
		return KeepPumping
	}
}

// MigrateBackRequest is what migrate_back_ppm/migrate_back_npm need to
// checkpoint the guest and hand it back to its shadow.
type MigrateBackRequest struct {
	CkptPath        string
	WriteCheckpoint func(w io.Writer) error
	OpenCheckpoint  func(path string) (io.WriteCloser, error)
	CloseLocalFiles func() error
}

// MigrateBackPPM checkpoints the guest, flushes its open files, and sends
// PPM_MIGR_BACK_GUEST_REQ async; the PEN-side thread always terminates
// unconditionally afterward — the shadow re-hydrates it (spec.md §4.3.2).
func (t *Task) MigrateBackPPM(req MigrateBackRequest) Status {
	if err := t.checkpointAndFlush(req); err != nil {
		mlog.Error("task %d: migrate-back checkpoint failed: %v", t.LocalPID, err)
		return KillMe
	}
	msg := &proto.Message{
		Kind: proto.PPM_MIGR_BACK_GUEST_REQ,
		Txn:  proto.InvalidTxn,
		MigrBackGuest: &proto.MigrBackGuestReq{
			ShadowPID: t.RemotePID,
			CkptPath:  req.CkptPath,
		},
	}
	if err := t.owner.SendAsync(msg); err != nil {
		t.SetPeerLost()
	}
	return KillMe
}

// MigrateBackNPM is MigrateBackPPM's NPM-payload variant. A send failure
// here is recoverable: return RemoveAndLetMeGo so the process keeps
// running locally and a later retry is possible (spec.md §4.3.2).
func (t *Task) MigrateBackNPM(req MigrateBackRequest) Status {
	if err := t.checkpointAndFlush(req); err != nil {
		mlog.Error("task %d: migrate-back NPM checkpoint failed: %v", t.LocalPID, err)
		return RemoveAndLetMeGo
	}
	msg := &proto.Message{
		Kind: proto.PPM_MIGR_BACK_GUEST_REQ,
		Txn:  proto.InvalidTxn,
		MigrBackGuest: &proto.MigrBackGuestReq{
			ShadowPID: t.RemotePID,
			CkptPath:  req.CkptPath,
		},
	}
	if err := t.owner.SendAsync(msg); err != nil {
		t.SetPeerLost()
		return RemoveAndLetMeGo
	}
	return KillMe
}

func (t *Task) checkpointAndFlush(req MigrateBackRequest) error {
	f, err := req.OpenCheckpoint(req.CkptPath)
	if err != nil {
		return err
	}
	if err := req.WriteCheckpoint(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return req.CloseLocalFiles()
}

// OnMigrateBackShadowReq triggers migrate_back_ppm on self when the
// shadow asks this guest to come home (spec.md §4.3.2).
func (t *Task) OnMigrateBackShadowReq(req MigrateBackRequest) Status {
	return t.MigrateBackPPM(req)
}

// guestSignal is the subset of signals a guest acts on locally; anything
// else is left for the peer's shadow to forward (spec.md §4.3.2).
type guestSignal int

const (
	GuestSIGKILL guestSignal = iota
	GuestSIGQUIT
	GuestSIGINT
)

// OnLocalSignal records the signal code for the subsequent exit hook to
// report; it does not itself terminate the pump.
func (t *Task) OnLocalSignal(sig guestSignal) {
	t.setExitCode(128 + int(sig))
}

// OnExitIntercept runs when the guest's attached process calls exit(2):
// sync any proxied files if the peer is alive, send EXIT{remote_pid,
// code} async, and detach (spec.md §4.3.2).
func (t *Task) OnExitIntercept(ctx context.Context, code int, syncProxiedFiles func() error) Status {
	if !t.PeerLost() {
		if err := syncProxiedFiles(); err != nil {
			mlog.Warn("task %d: syncing proxied files on exit: %v", t.LocalPID, err)
		}
	}
	msg := &proto.Message{
		Kind: proto.EXIT,
		Txn:  proto.InvalidTxn,
		Exit: &proto.Exit{
			ShadowPID: t.RemotePID,
			Code:      code,
		},
	}
	if err := t.owner.SendAsync(msg); err != nil {
		t.SetPeerLost()
	}
	return RemoveAndLetMeGo
}
