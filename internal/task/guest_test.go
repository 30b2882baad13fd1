package task

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/clondike-go/clondike/internal/proto"
)

func TestOnPEmigrate_Success(t *testing.T) {
	owner := &fakeOwner{}
	tk := New(KindGuest, 9001, owner)

	defaultRestart = func(path string) error { return nil }
	t.Cleanup(func() { defaultRestart = func(path string) error { return nil } })

	status := tk.OnPEmigrate(ArrivalRequest{Txn: 5, RemotePID: 1234, CkptPath: "/ckpt/1234"})
	if status != KeepPumping {
		t.Fatalf("expected KeepPumping, got %v", status)
	}
	sent := owner.last()
	if sent == nil || sent.Kind != proto.GUEST_STARTED {
		t.Fatalf("expected GUEST_STARTED response, got %+v", sent)
	}
	if sent.GuestStarted.GuestPID != 9001 || sent.GuestStarted.RemotePID != 1234 {
		t.Fatalf("unexpected GUEST_STARTED payload %+v", sent.GuestStarted)
	}
	if sent.Txn != 5 {
		t.Fatalf("expected response to carry the request's transaction id, got %d", sent.Txn)
	}

	m, ok := tk.methods.tryPop()
	if !ok {
		t.Fatal("expected the execve method to be queued")
	}
	status = m(tk)
	if status != KeepPumping {
		t.Fatalf("expected scheduled execve to succeed and keep pumping, got %v", status)
	}
	if tk.ExecveContext() == nil || tk.ExecveContext().Path != "/ckpt/1234" {
		t.Fatalf("expected execve context set to checkpoint path")
	}
}

func TestOnPEmigrate_ExecveFailureSendsError(t *testing.T) {
	owner := &fakeOwner{}
	tk := New(KindGuest, 9001, owner)

	defaultRestart = func(path string) error { return errors.New("ENOEXEC") }
	t.Cleanup(func() { defaultRestart = func(path string) error { return nil } })

	tk.OnPEmigrate(ArrivalRequest{Txn: 5, RemotePID: 1234, CkptPath: "/ckpt/1234"})
	status, releases := tk.Pump()
	if status != KillMe {
		t.Fatalf("expected KillMe after execve failure, got %v", status)
	}
	if !releases {
		t.Fatal("expected KillMe to release the wrapper")
	}
	errResp := owner.last()
	if errResp == nil || errResp.Kind != proto.GUEST_STARTED || errResp.Err == "" {
		t.Fatalf("expected an error GUEST_STARTED sent to CCN, got %+v", errResp)
	}
}

func migrateBackReq(ok bool) MigrateBackRequest {
	return MigrateBackRequest{
		CkptPath: "/ckpt/back",
		WriteCheckpoint: func(w io.Writer) error {
			if !ok {
				return errors.New("checkpoint failed")
			}
			_, err := w.Write([]byte("ckpt"))
			return err
		},
		OpenCheckpoint: func(path string) (io.WriteCloser, error) {
			return nopWriteCloser{&bytes.Buffer{}}, nil
		},
		CloseLocalFiles: func() error { return nil },
	}
}

func TestMigrateBackPPM_Success(t *testing.T) {
	owner := &fakeOwner{}
	tk := New(KindGuest, 9001, owner)

	status := tk.MigrateBackPPM(migrateBackReq(true))
	if status != KillMe {
		t.Fatalf("expected KillMe (unconditional), got %v", status)
	}
	sent := owner.last()
	if sent == nil || sent.Kind != proto.PPM_MIGR_BACK_GUEST_REQ {
		t.Fatalf("expected PPM_MIGR_BACK_GUEST_REQ, got %+v", sent)
	}
}

func TestMigrateBackPPM_CheckpointFailureStillKills(t *testing.T) {
	owner := &fakeOwner{}
	tk := New(KindGuest, 9001, owner)

	status := tk.MigrateBackPPM(migrateBackReq(false))
	if status != KillMe {
		t.Fatalf("expected KillMe even on checkpoint failure, got %v", status)
	}
	if owner.count() != 0 {
		t.Fatal("expected no migrate-back request sent after a checkpoint failure")
	}
}

func TestMigrateBackNPM_SendFailureIsRecoverable(t *testing.T) {
	owner := &fakeOwner{failNext: 1, failErr: errors.New("broken pipe")}
	tk := New(KindGuest, 9001, owner)

	status := tk.MigrateBackNPM(migrateBackReq(true))
	if status != RemoveAndLetMeGo {
		t.Fatalf("expected RemoveAndLetMeGo on send failure, got %v", status)
	}
	if !tk.PeerLost() {
		t.Fatal("expected PeerLost to be set")
	}
}

func TestOnMigrateBackShadowReqTriggersMigrateBackPPM(t *testing.T) {
	owner := &fakeOwner{}
	tk := New(KindGuest, 9001, owner)

	status := tk.OnMigrateBackShadowReq(migrateBackReq(true))
	if status != KillMe {
		t.Fatalf("expected KillMe, got %v", status)
	}
	sent := owner.last()
	if sent == nil || sent.Kind != proto.PPM_MIGR_BACK_GUEST_REQ {
		t.Fatalf("expected PPM_MIGR_BACK_GUEST_REQ, got %+v", sent)
	}
}

func TestOnExitIntercept(t *testing.T) {
	owner := &fakeOwner{}
	tk := New(KindGuest, 9001, owner)

	synced := false
	status := tk.OnExitIntercept(context.Background(), 0, func() error {
		synced = true
		return nil
	})
	if status != RemoveAndLetMeGo {
		t.Fatalf("expected RemoveAndLetMeGo, got %v", status)
	}
	if !synced {
		t.Fatal("expected proxied files to be synced when the peer is alive")
	}
	sent := owner.last()
	if sent == nil || sent.Kind != proto.EXIT {
		t.Fatalf("expected EXIT sent, got %+v", sent)
	}
}

func TestOnExitIntercept_SkipsSyncWhenPeerLost(t *testing.T) {
	owner := &fakeOwner{}
	tk := New(KindGuest, 9001, owner)
	tk.SetPeerLost()

	synced := false
	tk.OnExitIntercept(context.Background(), 0, func() error {
		synced = true
		return nil
	})
	if synced {
		t.Fatal("expected sync to be skipped once the peer is lost")
	}
}
