package node

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/clondike-go/clondike/internal/migmgr"
)

// outboundGuard serializes Connect against itself so two concurrent
// connects to the same addr can't both win reserveSlot before either
// checks for a duplicate.
var outboundGuard sync.Mutex

// Connect dials addr (pen/connect's "arch:addr[@auth_data]", parsed by
// the caller) and runs the PEN side of authentication. It refuses a
// second connection to an address already attached, per spec.md §4.5.
func (n *Manager) Connect(ctx context.Context, addr string, authData []byte) (mountParams string, err error) {
	if n.Role != RolePEN {
		return "", fmt.Errorf("node: Connect is PEN-only")
	}

	outboundGuard.Lock()
	defer outboundGuard.Unlock()

	for _, m := range n.Managers() {
		if peerAddrOf(m) == addr {
			return "", fmt.Errorf("node: already connected to %s", addr)
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}

	slot := n.reserveSlot()
	mgr := migmgr.New(conn, migmgr.Config{
		Role:        migmgr.RolePEN,
		LocalNodeID: n.NodeID,
		Director:    n.director,
		Key:         n.key,
	})

	mountParams, err = mgr.AuthenticateStartPEN(ctx, n.NodeID, n.Arch, authData)
	if err != nil {
		n.releaseSlot(slot)
		conn.Close()
		return "", err
	}

	n.occupySlot(slot, mgr)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runManager(mgr, slot)
	}()

	return mountParams, nil
}

// peerAddrOf is a small seam so Connect's duplicate check works against
// whatever remote address the manager's connection reports, as recorded
// by migmgr.Manager.RemoteAddr.
func peerAddrOf(m *migmgr.Manager) string {
	return m.RemoteAddr()
}
