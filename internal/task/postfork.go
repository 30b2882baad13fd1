package task

import (
	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
)

// ForkEvent is what the node manager's fork hook observes: a migrated
// process has forked, and the child inherited the parent's task pointer
// by raw copy (spec.md §4.3.3).
type ForkEvent struct {
	ParentLocalPID int
	ChildLocalPID  int
	// ChildRemotePID is the newly-assigned remote pid once the peer has
	// confirmed the fork, or 0 if the fork failed on the remote side.
	ChildRemotePID int
	ForkFailed     bool
}

// HandleFork implements the node manager's fork hook: detach the child's
// raw-copied task pointer, create a fresh task of the parent's kind
// attached to the same owner, and submit post_fork_set_tid so the child's
// TID pointer and any proxy-file names are fixed up before it runs.
func HandleFork(parent *Task, ev ForkEvent) *Task {
	child := New(parent.Kind, ev.ChildLocalPID, parent.owner)
	child.PeerArch = parent.PeerArch
	child.Submit(postForkSetTID(ev))
	return child
}

// postForkSetTID fixes the child's TID pointer and clones any proxy-file
// names inherited from the parent's raw copy, then, for a shadow,
// notifies the CCN peer of the new remote pid via an out-of-band
// GUEST_STARTED carrying an invalid transaction id (spec.md §4.3.3).
func postForkSetTID(ev ForkEvent) Method {
	return func(t *Task) Status {
		switch t.Kind {
		case KindShadow:
			return shadowPostFork(t, ev)
		case KindGuest:
			return guestPostFork(t, ev)
		default:
			return KeepPumping
		}
	}
}

// shadowPostFork opens the nested dialogue for a forked shadow: it
// carries the newly-born remote pid to the peer via GUEST_STARTED with
// InvalidTxn, since this is a notification rather than a response to any
// pending transaction.
func shadowPostFork(t *Task, ev ForkEvent) Status {
	if ev.ForkFailed {
		mlog.Warn("task %d: shadow post-fork saw a failed remote fork", t.LocalPID)
		return KeepPumping
	}
	t.RemotePID = ev.ChildRemotePID
	msg := &proto.Message{
		Kind: proto.GUEST_STARTED,
		Txn:  proto.InvalidTxn,
		GuestStarted: &proto.GuestStarted{
			RemotePID: ev.ChildRemotePID,
			GuestPID:  t.LocalPID,
		},
	}
	if err := t.owner.SendAsync(msg); err != nil {
		t.SetPeerLost()
	}
	return KeepPumping
}

// guestPostFork reports the fork's outcome to the shadow: GUEST_STARTED
// on success, or a degraded-fork-failure EXIT otherwise.
func guestPostFork(t *Task, ev ForkEvent) Status {
	if ev.ForkFailed {
		msg := &proto.Message{
			Kind: proto.EXIT,
			Txn:  proto.InvalidTxn,
			Exit: &proto.Exit{ShadowPID: t.RemotePID, Code: -1},
		}
		if err := t.owner.SendAsync(msg); err != nil {
			t.SetPeerLost()
		}
		return KeepPumping
	}
	msg := &proto.Message{
		Kind: proto.GUEST_STARTED,
		Txn:  proto.InvalidTxn,
		GuestStarted: &proto.GuestStarted{
			RemotePID: ev.ParentLocalPID,
			GuestPID:  ev.ChildLocalPID,
		},
	}
	if err := t.owner.SendAsync(msg); err != nil {
		t.SetPeerLost()
	}
	return KeepPumping
}
