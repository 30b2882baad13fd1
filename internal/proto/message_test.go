package proto

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return got
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []*Message{
		{
			Kind: AUTHENTICATE,
			Txn:  7,
			Authenticate: &Authenticate{
				PenID:    42,
				Arch:     "x86_64",
				AuthData: []byte{1, 2, 3},
			},
		},
		{
			Kind: AUTHENTICATE_RESP,
			Txn:  7,
			AuthenticateResp: &AuthenticateResp{
				NodeID:      9,
				Arch:        "x86_64",
				Result:      0,
				MountParams: "ro",
			},
		},
		{
			Kind: P_EMIGRATE,
			Txn:  InvalidTxn,
			Emigrate: &Emigrate{
				SrcPID:   1234,
				ExecName: "/bin/sh",
				CkptPath: "/var/clondike/ckpt/1234",
				UID:      1000, GID: 1000, FSUID: 1000, FSGID: 1000,
			},
		},
		{
			Kind: GUEST_STARTED,
			Txn:  9,
			GuestStarted: &GuestStarted{
				RemotePID: 1234,
				GuestPID:  5678,
			},
		},
		{
			Kind: EXIT,
			Txn:  InvalidTxn,
			Exit: &Exit{Code: 137},
		},
		{
			Kind: SIGNAL,
			Txn:  InvalidTxn,
			Signal: &Signal{
				TargetPID: 1234,
				Signo:     9,
				Code:      0,
			},
		},
		{
			Kind: GENERIC_USER,
			Txn:  InvalidTxn,
			GenericUser: &GenericUser{
				Payload: []byte("opaque"),
			},
		},
		{
			Kind: RPC,
			Txn:  3,
			RPCCall: &RPCCall{
				Number: 41,
				Args:   []byte{9, 9, 9},
			},
		},
		{
			Kind: RPC_RESP,
			Txn:  3,
			RPCResp: &RPCResponse{
				Result: []byte{0},
			},
		},
	}

	for _, m := range cases {
		got := roundTrip(t, m)
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("round trip mismatch for %v:\n got:  %+v\n want: %+v", m.Kind, got, m)
		}
	}
}

func TestMessageRoundTripError(t *testing.T) {
	m := &Message{
		Kind: AUTHENTICATE_RESP,
		Txn:  5,
		Err:  "authentication failed",
	}
	got := roundTrip(t, m)
	if got.Err != m.Err {
		t.Fatalf("expected error %q, got %q", m.Err, got.Err)
	}
	if got.Kind != AUTHENTICATE_RESP {
		t.Fatalf("expected logical kind to survive the error-flag XOR, got %v", got.Kind)
	}
}

func TestKindGroup(t *testing.T) {
	mgr := []Kind{AUTHENTICATE, AUTHENTICATE_RESP, P_EMIGRATE, SIGNAL, GENERIC_USER, RPC, RPC_RESP}
	for _, k := range mgr {
		if k.Group() != GroupMgr {
			t.Errorf("%v: expected GroupMgr", k)
		}
	}

	proc := []Kind{GUEST_STARTED, PPM_MIGR_BACK_SHADOW_REQ, PPM_MIGR_BACK_GUEST_REQ, EXIT, VFORK_DONE}
	for _, k := range proc {
		if k.Group() != GroupProc {
			t.Errorf("%v: expected GroupProc", k)
		}
	}
}

func TestHeaderErrFlag(t *testing.T) {
	h := Header{ID: uint32(AUTHENTICATE_RESP) ^ ErrFlag, Flags: ErrFlag, Txn: 1}
	if !h.IsError() {
		t.Fatal("expected IsError to be true")
	}
	if h.Kind() != AUTHENTICATE_RESP {
		t.Fatalf("expected Kind to unmangle to AUTHENTICATE_RESP, got %v", h.Kind())
	}
}
