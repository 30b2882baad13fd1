// Package migmgr implements the per-connection migration manager: the
// connected-state machine, authentication handshake, and control-protocol
// message pump described in spec.md §4.4/§4.6. It is grounded on the now-
// folded internal/ron.Server's shape — per-concern sharded locks, an
// isdestroyed-style atomic state flag, an accept-loop-in-goroutine, and a
// decode-dispatch clientHandler — generalized from ron's single fixed
// command protocol to the task package's exhaustive Method/Status pump,
// and on internal/meshage's client: a send-mutex around the wire encoder
// plus an ack-channel-keyed-by-id shape, which here is proto.Table.
package migmgr

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clondike-go/clondike/internal/clonerr"
	"github.com/clondike-go/clondike/internal/director"
	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
	"github.com/clondike-go/clondike/internal/task"
)

// Role distinguishes which side of the control connection this manager
// represents (spec.md §4.4): a CCN-side manager owns Shadows for
// processes that have emigrated; a PEN-side manager owns Guests for
// processes that have arrived.
type Role int

const (
	RoleCCN Role = iota
	RolePEN
)

func (r Role) String() string {
	if r == RoleCCN {
		return "ccn"
	}
	return "pen"
}

// State is the migration manager's connected-state machine (spec.md
// §4.4): Init -> Connected on successful authentication, Connected ->
// ShuttingDown on stop/kill/peer-lost, ShuttingDown -> ShutDown once
// structural teardown may proceed. Init can also shortcut straight to
// ShuttingDown on authentication failure or timeout (see beginShutdown).
type State int32

const (
	StateInit State = iota
	StateConnected
	StateShuttingDown
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutDown:
		return "shut-down"
	default:
		return "unknown"
	}
}

// Conn is the minimal transport surface a Manager drives: a framed
// control connection plus whatever the real net.Conn offers for cleanup.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Manager owns one control connection's lifecycle: authentication, the
// message-pump dispatch loop, and the child task table it routes
// messages into. It implements task.Owner so every task it owns can send
// async messages and ask to be detached without holding a concrete
// *Manager reference (spec.md §9's no-ownership-cycle rule).
type Manager struct {
	Role        Role
	LocalNodeID uint32
	PeerNodeID  uint32
	PeerArch    string

	conn       Conn
	remoteAddr string
	sendMu     sync.Mutex // guards writes; pairs with the task's own recv loop needing no lock

	state State // atomic, see State

	director director.Director

	childMu sync.Mutex
	waiters sync.WaitGroup // parallels ron's clientReaper drain-wait, counts live children
	childTasks map[int]*task.Task

	msgQueue chan *proto.Message
	txns     *proto.Table

	key [32]byte // pre-shared secretbox key for AUTHENTICATE payloads

	lastSeenMu sync.Mutex
	lastSeenAt time.Time

	closeOnce sync.Once
}

// Config bundles what New needs beyond the raw connection.
type Config struct {
	Role        Role
	LocalNodeID uint32
	Director    director.Director // nil defaults to director.NilDirector{}
	Key         [32]byte
}

// New wraps conn in a Manager ready for Authenticate then Run.
func New(conn Conn, cfg Config) *Manager {
	d := cfg.Director
	if d == nil {
		d = director.NilDirector{}
	}
	m := &Manager{
		Role:        cfg.Role,
		LocalNodeID: cfg.LocalNodeID,
		conn:        conn,
		director:    d,
		childTasks:  make(map[int]*task.Task),
		msgQueue:    make(chan *proto.Message, 64),
		txns:        proto.NewTable(),
		key:         cfg.Key,
		lastSeenAt:  time.Now(),
	}
	if nc, ok := conn.(net.Conn); ok {
		m.remoteAddr = nc.RemoteAddr().String()
	}
	return m
}

// RemoteAddr reports the underlying connection's remote address, or
// empty if conn was not a net.Conn (e.g. an in-memory test double).
func (m *Manager) RemoteAddr() string {
	return m.remoteAddr
}

// State reports the manager's current connected-state.
func (m *Manager) State() State {
	return State(atomic.LoadInt32((*int32)(&m.state)))
}

// transition performs the one legal compare-and-swap from `from` to `to`,
// reporting whether it won the race (spec.md §4.4 "transitions are
// atomic compare-exchange; only the named transitions are legal").
func (m *Manager) transition(from, to State) bool {
	return atomic.CompareAndSwapInt32((*int32)(&m.state), int32(from), int32(to))
}

// beginShutdown moves Connected (or Init, for the auth-failure shortcut)
// to ShuttingDown exactly once; later callers racing here simply lose the
// CAS and treat the shutdown as already in progress.
func (m *Manager) beginShutdown() bool {
	if m.transition(StateConnected, StateShuttingDown) {
		return true
	}
	return m.transition(StateInit, StateShuttingDown)
}

// AddTask registers a newly created/owned task under localPID.
func (m *Manager) AddTask(t *task.Task) {
	m.childMu.Lock()
	m.childTasks[t.LocalPID] = t
	m.childMu.Unlock()
	m.waiters.Add(1)
}

// Task looks up a child by local pid, cloning the reference under lock
// per spec.md §5's "clone before release lock" shared-resource policy —
// the caller's use of t happens outside m.childMu.
func (m *Manager) Task(localPID int) (*task.Task, bool) {
	m.childMu.Lock()
	t, ok := m.childTasks[localPID]
	m.childMu.Unlock()
	return t, ok
}

// ChildTasks returns a snapshot of every task currently owned by this
// manager, cloned under lock per spec.md §5's shared-resource policy.
func (m *Manager) ChildTasks() []*task.Task {
	m.childMu.Lock()
	defer m.childMu.Unlock()
	out := make([]*task.Task, 0, len(m.childTasks))
	for _, t := range m.childTasks {
		out = append(out, t)
	}
	return out
}

// Detach implements task.Owner: remove the task from the child table and
// mark one fewer outstanding child for Shutdown's drain-wait.
func (m *Manager) Detach(localPID int) {
	m.childMu.Lock()
	_, ok := m.childTasks[localPID]
	if ok {
		delete(m.childTasks, localPID)
	}
	m.childMu.Unlock()
	if ok {
		m.waiters.Done()
	}
}

// SendAsync implements task.Owner: encode and write m under the send
// mutex. Any write error marks the manager for shutdown, the way a ron
// client handler's write failure tears down that client.
func (m *Manager) SendAsync(msg *proto.Message) error {
	m.sendMu.Lock()
	err := proto.WriteMessage(m.conn, msg)
	m.sendMu.Unlock()
	if err != nil {
		mlog.Warn("migmgr: send to node %d failed: %v", m.PeerNodeID, err)
		m.beginShutdown()
	}
	return err
}

// Call sends a manager-scope request (RPC, GENERIC_USER) and blocks for
// its response. Unlike authentication's direct read, this relies on
// Run's dispatch loop already draining the connection and routing the
// reply back through m.txns, so it must only be used once the manager
// has reached StateConnected and Run is running.
func (m *Manager) Call(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
	msg.Txn = m.txns.Begin()
	if err := m.SendAsync(msg); err != nil {
		m.txns.Cancel(msg.Txn)
		return nil, err
	}
	return m.txns.Wait(ctx, msg.Txn)
}

// Enqueue implements the manager-scope half of spec.md §4.6 delivery: a
// Mgr-group message with no matching transaction lands on the manager's
// own queue instead of a task's.
func (m *Manager) Enqueue(msg *proto.Message) {
	select {
	case m.msgQueue <- msg:
	default:
		mlog.Warn("migmgr: node %d manager queue full, dropping %s", m.PeerNodeID, msg.Kind)
	}
}

// NextMessage blocks for the next manager-scope message, or returns
// false if ctx ends first.
func (m *Manager) NextMessage(ctx context.Context) (*proto.Message, bool) {
	select {
	case msg := <-m.msgQueue:
		return msg, true
	case <-ctx.Done():
		return nil, false
	}
}

// errExpectedClose classifies the handful of error strings a clean
// connection teardown produces, matching clientHandler's exit
// classification in the folded ron server: these are not logged as
// failures.
func errExpectedClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	s := err.Error()
	for _, sub := range []string{"connection reset by peer", "use of closed network connection", "broken pipe"} {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var _ task.Owner = (*Manager)(nil)

// wrapAuthErr gives AUTHENTICATE failures a consistent clonerr kind.
func wrapAuthErr(err error) error {
	if err == nil {
		return nil
	}
	return clonerr.Wrap(clonerr.AuthenticationFailed, err, "authenticate")
}
