package task

import (
	"testing"

	"github.com/clondike-go/clondike/internal/proto"
)

// runOneQueued pops and runs exactly one queued method, for post-fork
// methods that deliberately return KeepPumping with nothing further
// queued (Pump would otherwise block waiting for a next method).
func runOneQueued(t *testing.T, tk *Task) Status {
	t.Helper()
	m, ok := tk.methods.tryPop()
	if !ok {
		t.Fatal("expected a queued method")
	}
	return m(tk)
}

func TestHandleForkCreatesDetachedChildOfSameKind(t *testing.T) {
	owner := &fakeOwner{}
	parent := New(KindShadow, 100, owner)
	parent.PeerArch = "amd64"

	child := HandleFork(parent, ForkEvent{ParentLocalPID: 100, ChildLocalPID: 101, ChildRemotePID: 9002})
	if child.Kind != KindShadow {
		t.Fatalf("expected child of kind shadow, got %v", child.Kind)
	}
	if child.LocalPID != 101 {
		t.Fatalf("expected child LocalPID 101, got %d", child.LocalPID)
	}
	if child.PeerArch != "amd64" {
		t.Fatal("expected PeerArch to be cloned onto the child")
	}

	status := runOneQueued(t, child)
	if status != KeepPumping {
		t.Fatalf("expected post_fork_set_tid to keep pumping, got %v", status)
	}
	if child.RemotePID != 9002 {
		t.Fatalf("expected child RemotePID 9002, got %d", child.RemotePID)
	}
	sent := owner.last()
	if sent == nil || sent.Kind != proto.GUEST_STARTED {
		t.Fatalf("expected shadow post-fork to notify via GUEST_STARTED, got %+v", sent)
	}
	if sent.Txn != proto.InvalidTxn {
		t.Fatalf("expected the post-fork notification to carry InvalidTxn, got %d", sent.Txn)
	}
}

func TestShadowPostFork_ForkFailedSkipsNotification(t *testing.T) {
	owner := &fakeOwner{}
	parent := New(KindShadow, 100, owner)

	child := HandleFork(parent, ForkEvent{ParentLocalPID: 100, ChildLocalPID: 101, ForkFailed: true})
	status := runOneQueued(t, child)
	if status != KeepPumping {
		t.Fatalf("expected KeepPumping, got %v", status)
	}
	if owner.count() != 0 {
		t.Fatal("expected no message sent when the remote fork failed")
	}
}

func TestGuestPostFork_Success(t *testing.T) {
	owner := &fakeOwner{}
	parent := New(KindGuest, 200, owner)

	child := HandleFork(parent, ForkEvent{ParentLocalPID: 200, ChildLocalPID: 201})
	status := runOneQueued(t, child)
	if status != KeepPumping {
		t.Fatalf("expected KeepPumping, got %v", status)
	}
	sent := owner.last()
	if sent == nil || sent.Kind != proto.GUEST_STARTED {
		t.Fatalf("expected GUEST_STARTED, got %+v", sent)
	}
	if sent.GuestStarted.GuestPID != 201 {
		t.Fatalf("expected child local pid 201 as guest pid, got %d", sent.GuestStarted.GuestPID)
	}
}

func TestGuestPostFork_Failure(t *testing.T) {
	owner := &fakeOwner{}
	parent := New(KindGuest, 200, owner)

	child := HandleFork(parent, ForkEvent{ParentLocalPID: 200, ChildLocalPID: 201, ForkFailed: true})
	status := runOneQueued(t, child)
	if status != KeepPumping {
		t.Fatalf("expected KeepPumping, got %v", status)
	}
	sent := owner.last()
	if sent == nil || sent.Kind != proto.EXIT {
		t.Fatalf("expected a degraded-fork-failure EXIT, got %+v", sent)
	}
	if sent.Exit.Code != -1 {
		t.Fatalf("expected exit code -1, got %d", sent.Exit.Code)
	}
}
