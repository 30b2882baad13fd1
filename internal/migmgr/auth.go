package migmgr

import (
	"context"
	"crypto/rand"
	"net"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/clondike-go/clondike/internal/clonerr"
	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
)

// AuthTimeout bounds how long a CCN-side manager waits for AUTHENTICATE
// before shutting down unauthenticated, per spec.md §4.4's auth-failure
// shortcut out of Init.
const AuthTimeout = 10 * time.Second

// seal encrypts payload under m.key with a fresh random nonce, the way a
// pre-shared key stands in for the key-exchange spec.md §6 leaves
// unspecified for AUTHENTICATE's opaque auth_data.
func (m *Manager) seal(payload []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, clonerr.Wrap(clonerr.InvalidMessage, err, "generating auth nonce")
	}
	return secretbox.Seal(nonce[:], payload, &nonce, &m.key), nil
}

// open reverses seal, rejecting payloads shorter than a nonce or that
// fail the box's authentication tag.
func (m *Manager) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, clonerr.New(clonerr.AuthenticationFailed, "auth payload shorter than nonce")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &m.key)
	if !ok {
		return nil, clonerr.New(clonerr.AuthenticationFailed, "auth payload failed to open")
	}
	return plain, nil
}

// AuthenticateCCN runs the CCN side of the handshake (spec.md §4.4/§6):
// read AUTHENTICATE within AuthTimeout, unseal and consult the director,
// and reply AUTHENTICATE_RESP accept/reject. On any failure it shortcuts
// Init straight to ShuttingDown and returns an error; the caller must
// then close the connection.
func (m *Manager) AuthenticateCCN(slot int, peerAddr string, localArch string) error {
	if nc, ok := m.conn.(net.Conn); ok {
		_ = nc.SetReadDeadline(time.Now().Add(AuthTimeout))
		defer nc.SetReadDeadline(time.Time{})
	}

	req, err := proto.ReadMessage(m.conn)
	if err != nil {
		m.beginShutdown()
		return clonerr.Wrap(clonerr.AuthenticationFailed, err, "reading AUTHENTICATE")
	}
	if req.Kind != proto.AUTHENTICATE || req.Authenticate == nil {
		m.beginShutdown()
		return clonerr.New(clonerr.AuthenticationFailed, "expected AUTHENTICATE, got %s", req.Kind)
	}

	authData, err := m.open(req.Authenticate.AuthData)
	if err != nil {
		m.beginShutdown()
		m.replyAuthReject(req.Txn)
		return err
	}

	accept, dirErr := m.director.NodeConnected(peerAddr, slot, authData)
	if dirErr != nil {
		m.beginShutdown()
		m.replyAuthReject(req.Txn)
		return clonerr.Wrap(clonerr.DirectorRejected, dirErr, "director rejected node at %s", peerAddr)
	}
	if !accept {
		m.beginShutdown()
		m.replyAuthReject(req.Txn)
		return clonerr.New(clonerr.DirectorRejected, "director rejected node at %s", peerAddr)
	}

	m.PeerNodeID = req.Authenticate.PenID
	m.PeerArch = req.Authenticate.Arch

	resp := &proto.Message{
		Kind: proto.AUTHENTICATE_RESP,
		Txn:  req.Txn,
		AuthenticateResp: &proto.AuthenticateResp{
			NodeID: m.LocalNodeID,
			Arch:   localArch,
			Result: 0,
		},
	}
	if err := proto.WriteMessage(m.conn, resp); err != nil {
		m.beginShutdown()
		return clonerr.Wrap(clonerr.AuthenticationFailed, err, "writing AUTHENTICATE_RESP")
	}

	if !m.transition(StateInit, StateConnected) {
		return clonerr.New(clonerr.BadState, "manager left Init before authentication completed")
	}
	return nil
}

func (m *Manager) replyAuthReject(txn uint32) {
	resp := &proto.Message{
		Kind: proto.AUTHENTICATE_RESP,
		Txn:  txn,
		Err:  "authentication rejected",
		AuthenticateResp: &proto.AuthenticateResp{
			Result: -1,
		},
	}
	if err := proto.WriteMessage(m.conn, resp); err != nil {
		mlog.Debug("migmgr: writing auth reject: %v", err)
	}
}

// AuthenticateStartPEN runs the PEN side: seal authData, send
// AUTHENTICATE, and await AUTHENTICATE_RESP. On success it records the
// CCN's node id/arch/mount params and transitions Init -> Connected.
//
// This runs before Run's dispatch loop exists, so — like AuthenticateCCN
// — it reads the connection directly rather than going through the
// transaction table's async wait, which depends on something already
// draining incoming messages.
func (m *Manager) AuthenticateStartPEN(ctx context.Context, localPENID uint32, localArch string, authData []byte) (mountParams string, err error) {
	sealed, err := m.seal(authData)
	if err != nil {
		m.beginShutdown()
		return "", err
	}

	if nc, ok := m.conn.(net.Conn); ok {
		if dl, hasDeadline := ctx.Deadline(); hasDeadline {
			_ = nc.SetDeadline(dl)
			defer nc.SetDeadline(time.Time{})
		}
	}

	req := &proto.Message{
		Kind: proto.AUTHENTICATE,
		Txn:  m.txns.Begin(),
		Authenticate: &proto.Authenticate{
			PenID:    localPENID,
			Arch:     localArch,
			AuthData: sealed,
		},
	}
	defer m.txns.Cancel(req.Txn)

	if err := proto.WriteMessage(m.conn, req); err != nil {
		m.beginShutdown()
		return "", wrapAuthErr(err)
	}

	resp, err := proto.ReadMessage(m.conn)
	if err != nil {
		m.beginShutdown()
		return "", wrapAuthErr(err)
	}
	if resp.Kind != proto.AUTHENTICATE_RESP || resp.AuthenticateResp == nil {
		m.beginShutdown()
		return "", clonerr.New(clonerr.AuthenticationFailed, "expected AUTHENTICATE_RESP, got %s", resp.Kind)
	}
	if resp.Err != "" || resp.AuthenticateResp.Result != 0 {
		m.beginShutdown()
		return "", clonerr.New(clonerr.AuthenticationFailed, "ccn rejected authentication: %s", resp.Err)
	}

	m.PeerNodeID = resp.AuthenticateResp.NodeID
	m.PeerArch = resp.AuthenticateResp.Arch
	if !m.transition(StateInit, StateConnected) {
		return "", clonerr.New(clonerr.BadState, "manager left Init before authentication completed")
	}
	return resp.AuthenticateResp.MountParams, nil
}
