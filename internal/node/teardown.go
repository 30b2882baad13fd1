package node

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/clondike-go/clondike/internal/migmgr"
)

// DrainTimeout bounds how long Shutdown waits for each migration
// manager's own child-task drain before giving up on a clean teardown,
// mirroring the folded ron.Server.Destroy's bounded polling drain loop.
const DrainTimeout = 5 * time.Second

// Shutdown tears the node manager down exactly once: the atomic ready
// flag's 1->0 compare-exchange ensures a second concurrent caller simply
// returns, per spec.md §4.5's "ready-flag" teardown rule. It stops
// accepting new connections, then drives every migration manager's own
// poll-wait drain (spec.md §4.4) concurrently before releasing the slot
// vector and unregistering control-FS entries.
func (n *Manager) Shutdown() {
	if !atomic.CompareAndSwapInt32(&n.ready, 1, 0) {
		return
	}

	n.StopListenAll()

	managers := n.Managers()
	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func(m *migmgr.Manager) {
			defer wg.Done()
			m.Shutdown(DrainTimeout, nil)
		}(m)
	}
	wg.Wait()

	n.mu.Lock()
	n.slots = nil
	n.freelist = nil
	n.mu.Unlock()

	n.wg.Wait()
}
