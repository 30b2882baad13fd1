package node

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/clondike-go/clondike/internal/migmgr"
	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
)

// trackedListener pairs a net.Listener with the cancel func that stops
// its accept loop, so StopListenOne/StopListenAll can tear one down
// without racing a fresh Listen on the same address.
type trackedListener struct {
	ln     net.Listener
	cancel context.CancelFunc
}

// Listen starts accepting control connections on addr (ccn/listen's
// "arch:addr" format is parsed by the caller; this takes the bare
// network address), spawning one goroutine for the accept loop and one
// more per accepted connection, mirroring ron.Server.Listen/serve.
func (n *Manager) Listen(addr string) error {
	if n.Role != RoleCCN {
		return fmt.Errorf("node: Listen is CCN-only")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.listenMu.Lock()
	n.listeners[addr] = &trackedListener{ln: ln, cancel: cancel}
	n.listenMu.Unlock()

	n.wg.Add(1)
	go n.serve(ctx, ln)
	return nil
}

func (n *Manager) serve(ctx context.Context, ln net.Listener) {
	defer n.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				mlog.Warn("node: accept on %s failed: %v", ln.Addr(), err)
				return
			}
		}
		n.wg.Add(1)
		go n.acceptOne(conn)
	}
}

// acceptOne reserves a slot, authenticates the new peer, and on success
// starts its dispatch and heartbeat goroutines; on failure it releases
// the slot and closes the connection (spec.md §4.4/§4.5).
func (n *Manager) acceptOne(conn net.Conn) {
	defer n.wg.Done()

	if !n.isReady() {
		conn.Close()
		return
	}

	slot := n.reserveSlot()
	mgr := migmgr.New(conn, migmgr.Config{
		Role:        migmgr.RoleCCN,
		LocalNodeID: n.NodeID,
		Director:    n.director,
		Key:         n.key,
	})

	if err := mgr.AuthenticateCCN(slot, conn.RemoteAddr().String(), n.Arch); err != nil {
		mlog.Warn("node: authentication from %s failed: %v", conn.RemoteAddr(), err)
		n.releaseSlot(slot)
		conn.Close()
		return
	}

	n.occupySlot(slot, mgr)
	n.runManager(mgr, slot)
}

// runManager drives mgr's dispatch and heartbeat loops until the
// connection ends, then releases its slot and notifies the director.
func (n *Manager) runManager(mgr *migmgr.Manager, slot int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		mgr.RunHeartbeat(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			msg, ok := mgr.NextMessage(ctx)
			if !ok {
				return
			}
			if msg.Kind == proto.GENERIC_USER && msg.GenericUser != nil {
				n.director.GenericUserMessageRecv(mgr.PeerNodeID, n.Role == RoleCCN, slot, msg.GenericUser.Payload)
			}
		}
	}()

	mgr.Run(ctx)

	n.releaseSlot(slot)
}

// StopListenOne stops accepting on addr, if it is currently listening.
func (n *Manager) StopListenOne(addr string) error {
	n.listenMu.Lock()
	tl, ok := n.listeners[addr]
	if ok {
		delete(n.listeners, addr)
	}
	n.listenMu.Unlock()
	if !ok {
		return fmt.Errorf("node: not listening on %s", addr)
	}
	tl.cancel()
	return tl.ln.Close()
}

// StopListenAll stops every active listener.
func (n *Manager) StopListenAll() {
	n.listenMu.Lock()
	addrs := make([]string, 0, len(n.listeners))
	for addr := range n.listeners {
		addrs = append(addrs, addr)
	}
	n.listenMu.Unlock()

	for _, addr := range addrs {
		if err := n.StopListenOne(addr); err != nil {
			mlog.Debug("node: stopping listener %s: %v", addr, err)
		}
	}
}

// ListeningOn reports the addresses currently being listened on, sorted so
// the index a caller sees at listening-on/<n> stays stable across calls
// and lines up with the same <n> passed to stop-listen-one
// (ccn/listening-on/<n>/iface).
func (n *Manager) ListeningOn() []string {
	n.listenMu.Lock()
	defer n.listenMu.Unlock()
	out := make([]string, 0, len(n.listeners))
	for addr := range n.listeners {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
