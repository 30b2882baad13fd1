package task

import (
	"github.com/clondike-go/clondike/internal/mlog"
)

// Status is the exhaustive result of one method-pump closure (spec.md
// §4.3, §9 "method pump as a sum type").
type Status int

const (
	// KeepPumping dequeues and runs the next method.
	KeepPumping Status = iota
	// MoveMe stops the pump and signals the controller to hand the task
	// to a different manager.
	MoveMe
	// KillMe stops the pump and signals the controller to terminate the
	// attached thread with the task's exit code.
	KillMe
	// ExecveFailedKillMe is like KillMe, but the method has already
	// released the wrapper before attempting exec — the pump must not
	// release it again.
	ExecveFailedKillMe
	// LetMeGo stops the pump, leaving the attached thread running with
	// the task still attached.
	LetMeGo
	// RemoveAndLetMeGo detaches the task from the thread, destroys it,
	// and lets the thread resume.
	RemoveAndLetMeGo
)

func (s Status) String() string {
	switch s {
	case KeepPumping:
		return "KeepPumping"
	case MoveMe:
		return "MoveMe"
	case KillMe:
		return "KillMe"
	case ExecveFailedKillMe:
		return "ExecveFailedKillMe"
	case LetMeGo:
		return "LetMeGo"
	case RemoveAndLetMeGo:
		return "RemoveAndLetMeGo"
	default:
		return "unknown"
	}
}

// terminal reports whether s stops the pump.
func (s Status) terminal() bool { return s != KeepPumping }

// releasesWrapper reports whether the pump itself must release the
// task's attachment to its underlying thread before returning s to the
// controller. Every terminal status releases except ExecveFailedKillMe,
// whose method already released it (spec.md §4.3).
func (s Status) releasesWrapper() bool {
	return s.terminal() && s != ExecveFailedKillMe
}

// Submit appends a method to run once the pump reaches it.
func (t *Task) Submit(m Method) {
	t.methods.submit(m)
}

// FlushAndSubmit atomically drains the queue and appends m, so it is
// guaranteed to run next — used for execve and exit (spec.md §4.3).
func (t *Task) FlushAndSubmit(m Method) {
	t.methods.flushAndSubmit(m)
}

// EnterMigMode causes the attached thread to run the pump at its next
// syscall boundary or signal-return; in this implementation that
// boundary is modeled by the caller invoking Pump directly, since the Go
// runtime exposes no equivalent of an injected syscall-return hook
// (spec.md §9 "coroutine-like control flow").
func (t *Task) EnterMigMode() {
	t.MarkPickedUp()
}

// Pump runs the method pump to completion: dequeue, invoke, check for a
// pending signal between closures, and stop on the first terminal
// status. It returns that status and the releasesWrapper question
// already resolved, so the controller knows whether to also call its
// own release step.
func (t *Task) Pump() (Status, bool) {
	for {
		m := t.methods.popBlocking()
		status := m(t)
		mlog.Debug("task %d (%s): method returned %s", t.LocalPID, t.Kind, status)
		if status.terminal() {
			return status, status.releasesWrapper()
		}

		if t.signalHandler != nil {
			if sigStatus := t.checkSignal(); sigStatus.terminal() {
				return sigStatus, sigStatus.releasesWrapper()
			}
		}
	}
}

// SetSignalHandler installs the task-specific handler consulted between
// method-pump closures (spec.md §4.3.3's signal capture requirement).
func (t *Task) SetSignalHandler(h SignalHandler) {
	t.mu.Lock()
	t.signalHandler = h
	t.mu.Unlock()
}

func (t *Task) checkSignal() Status {
	t.mu.Lock()
	h := t.signalHandler
	t.mu.Unlock()
	if h == nil {
		return KeepPumping
	}
	return h(t)
}
