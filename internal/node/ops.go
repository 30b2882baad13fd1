package node

import (
	"context"
	"fmt"

	"github.com/clondike-go/clondike/internal/proto"
	"github.com/clondike-go/clondike/internal/task"
)

// EmigrateRequest is what EmigratePPM needs beyond the checkpoint bytes
// themselves; it is forwarded straight through to task.EmigrateRequest.
type EmigrateRequest = task.EmigrateRequest

// EmigratePPM implements ccn/mig/emigrate-ppm-p: create a Shadow task
// owned by the migration manager occupying slot and drive its checkpoint
// -then-P_EMIGRATE handshake (spec.md §4.1, §4.3.1, §6).
func (n *Manager) EmigratePPM(ctx context.Context, localPID int, slot int, req EmigrateRequest) (task.Status, error) {
	if n.Role != RoleCCN {
		return 0, fmt.Errorf("node: EmigratePPM is CCN-only")
	}
	mgr, ok := n.Slot(slot)
	if !ok {
		return 0, fmt.Errorf("node: no manager in slot %d", slot)
	}

	t := task.New(task.KindShadow, localPID, mgr)
	mgr.AddTask(t)

	status := t.EmigrateP(ctx, req)
	if status != task.KeepPumping {
		mgr.Detach(localPID)
	}
	return status, nil
}

// MigrateHomePPM implements ccn/mig/migrate-home: ask the shadow for
// localPID (on whichever manager currently owns it) to bring its guest
// home.
func (n *Manager) MigrateHomePPM(localPID int) error {
	for _, mgr := range n.Managers() {
		if t, ok := mgr.Task(localPID); ok {
			t.MigrateHomePPM()
			return nil
		}
	}
	return fmt.Errorf("node: no task for local pid %d", localPID)
}

// MigrateHomeAll asks every guest task on every connected manager to come
// home. The per-manager pen/nodes/<n>/migrate-home-all control entry does
// not go through it.
func (n *Manager) MigrateHomeAll(req func(t *task.Task) task.MigrateBackRequest) {
	for _, mgr := range n.Managers() {
		for _, t := range mgr.ChildTasks() {
			if t.Kind == task.KindGuest {
				t.MigrateBackPPM(req(t))
			}
		}
	}
}

// SendGenericUserMessage pushes an opaque GENERIC_USER payload to the
// peer occupying slot, outside the migration protocol proper. No
// control-surface entry calls it; ccn/mounter and pen/mounter only hold
// fs-mount configuration.
func (n *Manager) SendGenericUserMessage(slot int, payload []byte) error {
	mgr, ok := n.Slot(slot)
	if !ok {
		return fmt.Errorf("node: no manager in slot %d", slot)
	}
	return mgr.SendAsync(&proto.Message{
		Kind:        proto.GENERIC_USER,
		Txn:         proto.InvalidTxn,
		GenericUser: &proto.GenericUser{Payload: payload},
	})
}

// EmigrateNPM is EmigratePPM's lightweight counterpart: the wire path is
// identical from the node manager's point of view. task.EmigrateP does
// not look at the checkpoint mode: it sends whatever req.WriteCheckpoint
// writes, so the PPM/NPM choice is made there (spec.md §4.1's heavy/light/NPM
// distinction lives in internal/ckpt.Write, not in routing).
func (n *Manager) EmigrateNPM(ctx context.Context, localPID int, slot int, req EmigrateRequest) (task.Status, error) {
	return n.EmigratePPM(ctx, localPID, slot, req)
}
