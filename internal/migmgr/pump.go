package migmgr

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
	"github.com/clondike-go/clondike/internal/task"
)

// Run is the manager's decode-dispatch loop: the folded ron clientHandler
// generalized to spec.md §4.6's delivery algorithm instead of a fixed
// command switch. It blocks until the connection fails or the manager
// leaves Connected state, then begins shutdown.
func (m *Manager) Run(ctx context.Context) {
	for {
		msg, err := proto.ReadMessage(m.conn)
		if err != nil {
			if !errExpectedClose(err) {
				mlog.Error("migmgr: node %d read failed: %v", m.PeerNodeID, err)
			}
			m.beginShutdown()
			m.director.NodeDisconnected(int(m.PeerNodeID), m.Role == RoleCCN, true)
			return
		}
		m.touchLastSeen()
		m.deliver(msg)

		if m.State() != StateConnected {
			return
		}
	}
}

// deliver implements spec.md §4.6 exactly: Proc-group messages with a
// valid transaction id are matched against the destination task's own
// transaction table; Proc-group messages with INVAL land on that task's
// message queue; Mgr-group messages try the manager's transaction table
// first, falling back to the manager's own queue; a destination this
// manager does not recognize is discarded and logged.
func (m *Manager) deliver(msg *proto.Message) {
	switch msg.Kind.Group() {
	case proto.GroupMgr:
		if msg.Txn != proto.InvalidTxn && m.txns.Complete(msg) {
			return
		}
		// GENERIC_USER and any other un-matched Mgr-group message land on
		// the manager's own queue; the node manager, which alone knows
		// this connection's slot, drains it and consults the director.
		m.Enqueue(msg)

	default: // GroupProc
		t, ok := m.taskForMessage(msg)
		if !ok {
			mlog.Warn("migmgr: node %d: no task for %s (txn %d), discarding", m.PeerNodeID, msg.Kind, msg.Txn)
			return
		}
		if msg.Txn != proto.InvalidTxn && t.Transactions.Complete(msg) {
			return
		}
		t.Enqueue(msg)
	}
}

// taskForMessage resolves the destination task for a Proc-group message.
// GUEST_STARTED/EXIT/SIGNAL carry the shadow's local pid as the remote
// pid from the sender's point of view; every payload that names a
// recipient process carries it consistently as RemotePID/TargetPID in
// this package's wire types, so callers look up by local pid directly.
func (m *Manager) taskForMessage(msg *proto.Message) (*task.Task, bool) {
	pid, ok := destinationPID(msg)
	if !ok {
		return nil, false
	}
	return m.Task(pid)
}

func destinationPID(msg *proto.Message) (int, bool) {
	switch msg.Kind {
	case proto.GUEST_STARTED:
		if msg.GuestStarted != nil {
			return msg.GuestStarted.RemotePID, true
		}
	case proto.EXIT:
		if msg.Exit != nil {
			return msg.Exit.ShadowPID, true
		}
	case proto.PPM_MIGR_BACK_SHADOW_REQ:
		if msg.MigrBackShadow != nil {
			return msg.MigrBackShadow.RemotePID, true
		}
	case proto.PPM_MIGR_BACK_GUEST_REQ:
		if msg.MigrBackGuest != nil {
			return msg.MigrBackGuest.ShadowPID, true
		}
	case proto.SIGNAL:
		if msg.Signal != nil {
			return msg.Signal.TargetPID, true
		}
	}
	return 0, false
}

// Shutdown drives the manager from Connected/ShuttingDown to ShutDown:
// it hands every child task to killChild when killChild is non-nil (it
// does not itself ask any child to migrate home or kill any child), then
// waits up to drainTimeout for every child to be detached before
// releasing the connection, matching ron.Server.Destroy's bounded drain
// (spec.md §4.4/§4.5).
func (m *Manager) Shutdown(drainTimeout time.Duration, killChild func(t *task.Task)) {
	m.beginShutdown()

	m.childMu.Lock()
	children := make([]*task.Task, 0, len(m.childTasks))
	for _, t := range m.childTasks {
		children = append(children, t)
	}
	m.childMu.Unlock()

	if killChild != nil {
		for _, t := range children {
			killChild(t)
		}
	}

	drained := make(chan struct{})
	go func() {
		m.waiters.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		mlog.Warn("migmgr: node %d shutdown drain timed out with %d children left", m.PeerNodeID, len(children))
	}

	m.closeOnce.Do(func() {
		if err := m.conn.Close(); err != nil {
			mlog.Debug("migmgr: closing connection to node %d: %v", m.PeerNodeID, err)
		}
	})
	atomic.StoreInt32((*int32)(&m.state), int32(StateShutDown))
}
