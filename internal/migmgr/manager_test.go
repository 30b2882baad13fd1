package migmgr

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/clondike-go/clondike/internal/director"
	"github.com/clondike-go/clondike/internal/proto"
	"github.com/clondike-go/clondike/internal/task"
)

// nopConn is a Conn that never blocks, for tests exercising dispatch
// logic without a real transport.
type nopConn struct {
	bytes.Buffer
}

func (nopConn) Close() error { return nil }

func newTestManager(role Role) *Manager {
	return New(&nopConn{}, Config{Role: role, LocalNodeID: 1})
}

func TestStateTransitionsFollowLegalPath(t *testing.T) {
	m := newTestManager(RoleCCN)
	if m.State() != StateInit {
		t.Fatalf("initial state = %s, want init", m.State())
	}
	if !m.transition(StateInit, StateConnected) {
		t.Fatal("expected Init->Connected to succeed")
	}
	if !m.beginShutdown() {
		t.Fatal("expected Connected->ShuttingDown to succeed")
	}
	if m.State() != StateShuttingDown {
		t.Fatalf("state = %s, want shutting-down", m.State())
	}
	if m.beginShutdown() {
		t.Fatal("expected second beginShutdown to lose the race")
	}
}

func TestDeliverRoutesProcGroupByTxnMatch(t *testing.T) {
	m := newTestManager(RoleCCN)
	tk := task.New(task.KindShadow, 42, m)
	m.AddTask(tk)

	txn := tk.Transactions.Begin()
	m.deliver(&proto.Message{
		Kind: proto.GUEST_STARTED,
		Txn:  txn,
		GuestStarted: &proto.GuestStarted{
			RemotePID: 42,
			GuestPID:  99,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := tk.Transactions.Wait(ctx, txn)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.GuestStarted.GuestPID != 99 {
		t.Fatalf("GuestPID = %d, want 99", resp.GuestStarted.GuestPID)
	}
}

func TestDeliverEnqueuesProcGroupWithoutTxnMatch(t *testing.T) {
	m := newTestManager(RoleCCN)
	tk := task.New(task.KindShadow, 42, m)
	m.AddTask(tk)

	m.deliver(&proto.Message{
		Kind: proto.EXIT,
		Txn:  proto.InvalidTxn,
		Exit: &proto.Exit{ShadowPID: 42, Code: 7},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := tk.NextMessage(ctx)
	if !ok {
		t.Fatal("expected a queued message")
	}
	if msg.Exit.Code != 7 {
		t.Fatalf("Exit.Code = %d, want 7", msg.Exit.Code)
	}
}

func TestDeliverDiscardsUnknownDestination(t *testing.T) {
	m := newTestManager(RoleCCN)
	// No children registered; this must not panic and must not block.
	m.deliver(&proto.Message{
		Kind: proto.EXIT,
		Txn:  proto.InvalidTxn,
		Exit: &proto.Exit{ShadowPID: 999, Code: 1},
	})
}

func TestDeliverMgrGroupFallsBackToManagerQueue(t *testing.T) {
	m := newTestManager(RoleCCN)
	m.deliver(&proto.Message{
		Kind:        proto.GENERIC_USER,
		Txn:         proto.InvalidTxn,
		GenericUser: &proto.GenericUser{Payload: []byte("hi")},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := m.NextMessage(ctx)
	if !ok {
		t.Fatal("expected manager-scope message")
	}
	if string(msg.GenericUser.Payload) != "hi" {
		t.Fatalf("payload = %q", msg.GenericUser.Payload)
	}
}

func TestShutdownDrainsChildrenThenClosesConn(t *testing.T) {
	m := newTestManager(RoleCCN)
	tk := task.New(task.KindShadow, 1, m)
	m.AddTask(tk)

	done := make(chan struct{})
	go func() {
		m.Shutdown(time.Second, nil)
		close(done)
	}()

	// Give Shutdown a moment to start waiting, then detach the child.
	time.Sleep(10 * time.Millisecond)
	m.Detach(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after child detached")
	}
	if m.State() != StateShutDown {
		t.Fatalf("state = %s, want shut-down", m.State())
	}
}

func TestAuthenticateCCNAndPENRoundTrip(t *testing.T) {
	ccnConn, penConn := net.Pipe()
	defer ccnConn.Close()
	defer penConn.Close()

	var key [32]byte
	copy(key[:], "test-pre-shared-key-32-bytes!!!!")

	fakeDir := director.NewFake()
	ccn := New(ccnConn, Config{Role: RoleCCN, LocalNodeID: 1, Director: fakeDir, Key: key})
	pen := New(penConn, Config{Role: RolePEN, LocalNodeID: 2, Key: key})

	errCh := make(chan error, 1)
	go func() {
		errCh <- ccn.AuthenticateCCN(0, "pen-addr", "amd64")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	mountParams, err := pen.AuthenticateStartPEN(ctx, 2, "amd64", []byte("secret-auth-data"))
	if err != nil {
		t.Fatalf("AuthenticateStartPEN: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("AuthenticateCCN: %v", err)
	}

	if ccn.State() != StateConnected || pen.State() != StateConnected {
		t.Fatalf("expected both managers connected, got ccn=%s pen=%s", ccn.State(), pen.State())
	}
	if ccn.PeerNodeID != 2 {
		t.Fatalf("ccn.PeerNodeID = %d, want 2", ccn.PeerNodeID)
	}
	if pen.PeerNodeID != 1 {
		t.Fatalf("pen.PeerNodeID = %d, want 1", pen.PeerNodeID)
	}
	if mountParams != "" {
		t.Fatalf("expected empty mount params, got %q", mountParams)
	}
	if len(fakeDir.Connected) != 1 {
		t.Fatalf("expected director to see one NodeConnected call, got %d", len(fakeDir.Connected))
	}
	if string(fakeDir.Connected[0].AuthData) != "secret-auth-data" {
		t.Fatalf("director saw auth data %q", fakeDir.Connected[0].AuthData)
	}
}

func TestAuthenticateCCNRejectsWhenDirectorDeclines(t *testing.T) {
	ccnConn, penConn := net.Pipe()
	defer ccnConn.Close()
	defer penConn.Close()

	var key [32]byte
	copy(key[:], "test-pre-shared-key-32-bytes!!!!")

	fakeDir := director.NewFake()
	fakeDir.Accept = false
	ccn := New(ccnConn, Config{Role: RoleCCN, LocalNodeID: 1, Director: fakeDir, Key: key})
	pen := New(penConn, Config{Role: RolePEN, LocalNodeID: 2, Key: key})

	errCh := make(chan error, 1)
	go func() {
		errCh <- ccn.AuthenticateCCN(0, "pen-addr", "amd64")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := pen.AuthenticateStartPEN(ctx, 2, "amd64", []byte("secret"))
	if err == nil {
		t.Fatal("expected AuthenticateStartPEN to fail when director rejects")
	}
	if ccnErr := <-errCh; ccnErr == nil {
		t.Fatal("expected AuthenticateCCN to report an error too")
	}
	if ccn.State() != StateShuttingDown {
		t.Fatalf("ccn state = %s, want shutting-down", ccn.State())
	}
}

func TestFilterMatch(t *testing.T) {
	n := NodeInfo{NodeID: 7, Hostname: "h1", Arch: "amd64", Tags: map[string]string{"rack": "a"}}

	if !(Filter{}).Match(n) {
		t.Fatal("empty filter should match everything")
	}
	if !(Filter{Arch: "amd64"}).Match(n) {
		t.Fatal("arch filter should match")
	}
	if (Filter{Arch: "arm64"}).Match(n) {
		t.Fatal("mismatched arch should not match")
	}
	if !(Filter{Tags: map[string]string{"rack": "a"}}).Match(n) {
		t.Fatal("matching tag should match")
	}
	if (Filter{Tags: map[string]string{"rack": "b"}}).Match(n) {
		t.Fatal("mismatched tag should not match")
	}
}
