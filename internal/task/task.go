// Package task implements the per-process controller described in
// spec.md §3/§4.3: a Shadow on the CCN side tracking a process that has
// left, or a Guest on the PEN side representing one that arrived. Both
// variants share a method pump, a message queue, and a transaction
// table; only their migration-mode handlers (shadow.go, guest.go)
// differ.
//
// Shaped after cmd/miniccc's client command loop — a struct embedding
// its identity fields plus buffered channels the pump drains — and
// internal/ron/server.go's per-client dispatch, generalized from one
// fixed command protocol to the task's own exhaustive method-status sum
// type (spec.md §4.3, §9 "method pump as a sum type").
package task

import (
	"context"
	"sync"
	"time"

	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
)

// Kind distinguishes the CCN-side residual controller from the PEN-side
// arrival controller.
type Kind int

const (
	KindShadow Kind = iota
	KindGuest
)

func (k Kind) String() string {
	if k == KindShadow {
		return "shadow"
	}
	return "guest"
}

// Owner is the minimal surface a Task needs from its migration manager:
// pushing a message onto the shared control connection and being told to
// detach. Task holds only this interface, never a concrete
// *migmgr.Manager, so the back-link from task to manager can never
// become an ownership cycle (spec.md §9) — migmgr.Manager implements
// Owner, not the reverse. The task registers and awaits its own
// transactions (via Task.Transactions); Owner only needs to get bytes
// onto the wire.
type Owner interface {
	SendAsync(m *proto.Message) error
	Detach(localPID int)
}

// ExecveContext is the path/argv/envp a task's pump needs to perform a
// scheduled execve — owned exclusively by the task.
type ExecveContext struct {
	Path string
	Argv []string
	Envp []string
}

// Task is the per-migrated-process controller. All mutable fields are
// guarded by mu except the lock-free ones noted inline.
type Task struct {
	Kind Kind

	LocalPID  int
	RemotePID int
	PeerArch  string

	mu       sync.Mutex
	exitCode int
	execCtx  *ExecveContext

	owner Owner // weak back-link; never the sole reference to the manager

	methods  *methodQueue
	messages *messageQueue

	Transactions *proto.Table

	peerLost int32 // atomic: see PeerLost/SetPeerLost

	pickedUp     chan struct{}
	pickedUpOnce sync.Once

	signalHandler SignalHandler
}

// SignalHandler runs between method-pump closures when a signal is
// pending; its return Status is treated exactly like a method's.
type SignalHandler func(t *Task) Status

// New constructs a Task of the given kind, attached to owner.
func New(kind Kind, localPID int, owner Owner) *Task {
	return &Task{
		Kind:         kind,
		LocalPID:     localPID,
		owner:        owner,
		methods:      newMethodQueue(),
		messages:     newMessageQueue(),
		Transactions: proto.NewTable(),
		pickedUp:     make(chan struct{}),
	}
}

// ExitCode returns the exit code recorded for this task, if any.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

func (t *Task) setExitCode(code int) {
	t.mu.Lock()
	t.exitCode = code
	t.mu.Unlock()
}

// ExecveContext returns the task's owned execve context, if a migrate-
// home or NPM emigration has scheduled one.
func (t *Task) ExecveContext() *ExecveContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execCtx
}

func (t *Task) setExecveContext(ctx *ExecveContext) {
	t.mu.Lock()
	t.execCtx = ctx
	t.mu.Unlock()
}

// PeerLost reports whether a send on the control connection has already
// observed a broken pipe for this task's peer.
func (t *Task) PeerLost() bool {
	return loadBool(&t.peerLost)
}

// SetPeerLost marks the peer as lost. Per spec.md §4.3.1/§7, the caller
// is also responsible for SIGKILLing the attached thread; Task only
// tracks the flag so the next pump visit can return KillMe.
func (t *Task) SetPeerLost() {
	storeBool(&t.peerLost, true)
	mlog.Warn("task %d: peer lost", t.LocalPID)
}

// Enqueue places msg on the task's message queue (spec.md §4.6 delivery:
// Proc-group messages with no transaction match land here).
func (t *Task) Enqueue(m *proto.Message) {
	t.messages.push(m)
}

// NextMessage blocks for the next queued message, or returns false if
// ctx is done first.
func (t *Task) NextMessage(ctx context.Context) (*proto.Message, bool) {
	return t.messages.pop(ctx)
}

// MarkPickedUp signals any waiter in AwaitPickup that the attached
// thread has acknowledged migration-mode entry. Idempotent.
func (t *Task) MarkPickedUp() {
	t.pickedUpOnce.Do(func() { close(t.pickedUp) })
}

// AwaitPickup blocks up to timeout for MarkPickedUp. It reports whether
// the pickup was acknowledged in time; on false, the caller may safely
// detach and destroy the task (spec.md §4.3 "picked-up one-shot
// completion").
func (t *Task) AwaitPickup(timeout time.Duration) bool {
	select {
	case <-t.pickedUp:
		return true
	case <-time.After(timeout):
		select {
		case <-t.pickedUp:
			return true
		default:
			return false
		}
	}
}
