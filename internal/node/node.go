// Package node implements the node manager described in spec.md §4.5: the
// CCN/PEN role-holder that owns a table of migration managers (one per
// connected peer), listens for or initiates control connections, and
// mediates process-level operations (emigrate, migrate-home, fork hook)
// down to the right migmgr.Manager and task.Task. It is grounded on the
// folded internal/ron.Server's accept-loop-in-goroutine and sharded-lock
// shape, generalized from ron's single always-listening agent server to
// a role-aware manager table keyed by slot, the way spec.md §4.5
// describes node/manager bookkeeping as a slot vector rather than a flat
// client map.
package node

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/clondike-go/clondike/internal/director"
	"github.com/clondike-go/clondike/internal/migmgr"
)

// Role mirrors migmgr.Role at the node-manager level: which side of the
// framework this process plays.
type Role = migmgr.Role

const (
	RoleCCN = migmgr.RoleCCN
	RolePEN = migmgr.RolePEN
)

// Config bundles what New needs to stand up a node manager.
type Config struct {
	Role     Role
	Director director.Director // nil defaults to director.NilDirector{}
	Key      [32]byte
	Arch     string
}

// Manager owns a role, a stable 32-bit node identifier, and the slot
// vector of migmgr.Managers currently attached to it. Slots are reused:
// once a peer disconnects its slot is released back to the freelist
// rather than growing the vector forever (spec.md §4.5).
type Manager struct {
	Role     Role
	NodeID   uint32
	Arch     string
	director director.Director
	key      [32]byte

	mu       sync.Mutex
	slots    []*migmgr.Manager // nil entries are free
	freelist []int

	listenMu  sync.Mutex
	listeners map[string]*trackedListener

	ready int32 // atomic: 1 while accepting work, CAS to 0 exactly once at teardown

	wg sync.WaitGroup // every accept-loop and per-connection goroutine this manager owns
}

// New constructs a Manager with a fresh random node id (spec.md §4.5's
// "random 32-bit node id", realized here as the low 32 bits of a
// version-4 UUID rather than a kernel RNG read).
func New(cfg Config) *Manager {
	d := cfg.Director
	if d == nil {
		d = director.NilDirector{}
	}
	return &Manager{
		Role:      cfg.Role,
		NodeID:    randomNodeID(),
		Arch:      cfg.Arch,
		director:  d,
		key:       cfg.Key,
		listeners: make(map[string]*trackedListener),
		ready:     1,
	}
}

func randomNodeID() uint32 {
	id := uuid.New()
	b := id[:]
	return uint32(b[12])<<24 | uint32(b[13])<<16 | uint32(b[14])<<8 | uint32(b[15])
}

// reserveSlot allocates a slot index for a new peer, growing the vector
// only when the freelist is empty.
func (n *Manager) reserveSlot() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.freelist) > 0 {
		idx := n.freelist[len(n.freelist)-1]
		n.freelist = n.freelist[:len(n.freelist)-1]
		return idx
	}
	n.slots = append(n.slots, nil)
	return len(n.slots) - 1
}

// occupySlot installs mgr at idx, reserved earlier by reserveSlot.
func (n *Manager) occupySlot(idx int, mgr *migmgr.Manager) {
	n.mu.Lock()
	n.slots[idx] = mgr
	n.mu.Unlock()
}

// releaseSlot clears idx and returns it to the freelist (spec.md §4.5
// teardown: "release the slot vector and unregister control-FS
// entries").
func (n *Manager) releaseSlot(idx int) {
	n.mu.Lock()
	n.slots[idx] = nil
	n.freelist = append(n.freelist, idx)
	n.mu.Unlock()
}

// Slot returns the manager occupying idx, if any.
func (n *Manager) Slot(idx int) (*migmgr.Manager, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if idx < 0 || idx >= len(n.slots) || n.slots[idx] == nil {
		return nil, false
	}
	return n.slots[idx], true
}

// Managers returns a snapshot of every currently occupied slot, cloned
// under lock per spec.md §5's shared-resource policy.
func (n *Manager) Managers() []*migmgr.Manager {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*migmgr.Manager, 0, len(n.slots))
	for _, m := range n.slots {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

// ManagerForNode finds the manager whose authenticated peer carries the
// given node id.
func (n *Manager) ManagerForNode(nodeID uint32) (*migmgr.Manager, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.slots {
		if m != nil && m.PeerNodeID == nodeID {
			return m, true
		}
	}
	return nil, false
}

// isReady reports whether the manager is still accepting new connections
// and operations; false once teardown has begun.
func (n *Manager) isReady() bool {
	return atomic.LoadInt32(&n.ready) == 1
}
