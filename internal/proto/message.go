// Package proto implements the control protocol's wire message codec and
// transaction table: a length-framed, typed message with a fixed binary
// header carrying a transaction id, layered the way the teacher's own
// ron/meshage message types carry a command id and ack channel, but with
// the spec's explicit on-wire header instead of relying on gob framing
// alone.
package proto

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Kind identifies a control message type.
type Kind uint32

const (
	AUTHENTICATE Kind = iota
	AUTHENTICATE_RESP
	P_EMIGRATE
	GUEST_STARTED
	PPM_MIGR_BACK_SHADOW_REQ
	PPM_MIGR_BACK_GUEST_REQ
	EXIT
	VFORK_DONE
	SIGNAL
	GENERIC_USER
	RPC
	RPC_RESP
)

func (k Kind) String() string {
	switch k {
	case AUTHENTICATE:
		return "AUTHENTICATE"
	case AUTHENTICATE_RESP:
		return "AUTHENTICATE_RESP"
	case P_EMIGRATE:
		return "P_EMIGRATE"
	case GUEST_STARTED:
		return "GUEST_STARTED"
	case PPM_MIGR_BACK_SHADOW_REQ:
		return "PPM_MIGR_BACK_SHADOW_REQ"
	case PPM_MIGR_BACK_GUEST_REQ:
		return "PPM_MIGR_BACK_GUEST_REQ"
	case EXIT:
		return "EXIT"
	case VFORK_DONE:
		return "VFORK_DONE"
	case SIGNAL:
		return "SIGNAL"
	case GENERIC_USER:
		return "GENERIC_USER"
	case RPC:
		return "RPC"
	case RPC_RESP:
		return "RPC_RESP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(k))
	}
}

// Group distinguishes per-task-routed messages from manager-scope ones.
type Group int

const (
	GroupProc Group = iota
	GroupMgr
)

// Group reports whether this kind is routed to a task (Proc) or handled at
// manager scope (Mgr), per spec.md §4.6.
func (k Kind) Group() Group {
	switch k {
	case AUTHENTICATE, AUTHENTICATE_RESP, P_EMIGRATE, SIGNAL, GENERIC_USER, RPC, RPC_RESP:
		return GroupMgr
	default:
		return GroupProc
	}
}

// ErrFlag marks an error response. The wire id for an error response is
// id ^ ErrFlag; Header.Kind always holds the un-XORed logical kind plus a
// separate Error bool so callers never have to unmangle it by hand.
const ErrFlag uint32 = 0x80000000

// InvalidTxn is the sentinel transaction id used by async messages.
const InvalidTxn uint32 = 0xFFFFFFFF

// Header is the fixed, independently-decodable prefix of every message:
// [u32 id][u32 flags][u32 transaction_id]. It is exactly the wire shape in
// spec.md §6 so a router can inspect id/flags/txn without touching the gob
// payload.
type Header struct {
	ID   uint32
	Flags uint32
	Txn  uint32
}

const headerSize = 12

func (h Header) Kind() Kind {
	return Kind(h.ID &^ ErrFlag)
}

func (h Header) IsError() bool {
	return h.ID&ErrFlag != 0 || h.Flags&ErrFlag != 0
}

// Message is the full decoded control message: header plus a tagged union
// of payloads, one per Kind, mirroring ron.Message's single-struct,
// optional-field approach.
type Message struct {
	Kind Kind
	Txn  uint32
	Err  string // non-empty marks this as an error response

	Authenticate     *Authenticate
	AuthenticateResp *AuthenticateResp
	Emigrate         *Emigrate
	GuestStarted     *GuestStarted
	MigrBackShadow   *MigrBackShadowReq
	MigrBackGuest    *MigrBackGuestReq
	Exit             *Exit
	Signal           *Signal
	GenericUser      *GenericUser
	RPCCall          *RPCCall
	RPCResp          *RPCResponse
}

type Authenticate struct {
	PenID    uint32
	Arch     string
	AuthData []byte
}

type AuthenticateResp struct {
	NodeID      uint32
	Arch        string
	Result      int32
	MountParams string
}

type Emigrate struct {
	SrcPID   int
	ExecName string
	CkptPath string
	UID, GID, FSUID, FSGID int
}

type GuestStarted struct {
	RemotePID int
	GuestPID  int
}

type MigrBackShadowReq struct {
	RemotePID int
}

type MigrBackGuestReq struct {
	// ShadowPID is the destination shadow's local pid (the guest's own
	// RemotePID); see Exit.ShadowPID.
	ShadowPID int
	CkptPath  string
}

type Exit struct {
	// ShadowPID is the destination shadow's local pid (the guest's own
	// RemotePID), letting a manager multiplexing several children route
	// this async message without a transaction match.
	ShadowPID int
	Code      int
}

type Signal struct {
	TargetPID int
	Signo     int
	Code      int
}

type GenericUser struct {
	Payload []byte
}

type RPCCall struct {
	Number int
	Args   []byte
}

type RPCResponse struct {
	Result []byte
}

func init() {
	gob.Register(Message{})
}

// WriteMessage writes m to w using the length-framed wire format:
// [u32 len][u32 id][u32 flags][u32 txn][gob payload].
func WriteMessage(w io.Writer, m *Message) error {
	var payload struct {
		Txn              uint32
		Err              string
		Authenticate     *Authenticate
		AuthenticateResp *AuthenticateResp
		Emigrate         *Emigrate
		GuestStarted     *GuestStarted
		MigrBackShadow   *MigrBackShadowReq
		MigrBackGuest    *MigrBackGuestReq
		Exit             *Exit
		Signal           *Signal
		GenericUser      *GenericUser
		RPCCall          *RPCCall
		RPCResp          *RPCResponse
	}
	payload.Txn = m.Txn
	payload.Err = m.Err
	payload.Authenticate = m.Authenticate
	payload.AuthenticateResp = m.AuthenticateResp
	payload.Emigrate = m.Emigrate
	payload.GuestStarted = m.GuestStarted
	payload.MigrBackShadow = m.MigrBackShadow
	payload.MigrBackGuest = m.MigrBackGuest
	payload.Exit = m.Exit
	payload.Signal = m.Signal
	payload.GenericUser = m.GenericUser
	payload.RPCCall = m.RPCCall
	payload.RPCResp = m.RPCResp

	gobBuf, err := gobEncode(&payload)
	if err != nil {
		return err
	}

	id := uint32(m.Kind)
	var flags uint32
	if m.Err != "" {
		id ^= ErrFlag
		flags |= ErrFlag
	}

	frame := make([]byte, 4+headerSize+len(gobBuf))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(headerSize+len(gobBuf)))
	binary.LittleEndian.PutUint32(frame[4:8], id)
	binary.LittleEndian.PutUint32(frame[8:12], flags)
	binary.LittleEndian.PutUint32(frame[12:16], m.Txn)
	copy(frame[16:], gobBuf)

	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one length-framed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n < headerSize {
		return nil, fmt.Errorf("proto: frame too short: %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var h Header
	h.ID = binary.LittleEndian.Uint32(body[0:4])
	h.Flags = binary.LittleEndian.Uint32(body[4:8])
	h.Txn = binary.LittleEndian.Uint32(body[8:12])

	var payload struct {
		Txn              uint32
		Err              string
		Authenticate     *Authenticate
		AuthenticateResp *AuthenticateResp
		Emigrate         *Emigrate
		GuestStarted     *GuestStarted
		MigrBackShadow   *MigrBackShadowReq
		MigrBackGuest    *MigrBackGuestReq
		Exit             *Exit
		Signal           *Signal
		GenericUser      *GenericUser
		RPCCall          *RPCCall
		RPCResp          *RPCResponse
	}
	if err := gobDecode(body[12:], &payload); err != nil {
		return nil, err
	}

	m := &Message{
		Kind:             h.Kind(),
		Txn:              h.Txn,
		Authenticate:     payload.Authenticate,
		AuthenticateResp: payload.AuthenticateResp,
		Emigrate:         payload.Emigrate,
		GuestStarted:     payload.GuestStarted,
		MigrBackShadow:   payload.MigrBackShadow,
		MigrBackGuest:    payload.MigrBackGuest,
		Exit:             payload.Exit,
		Signal:           payload.Signal,
		GenericUser:      payload.GenericUser,
		RPCCall:          payload.RPCCall,
		RPCResp:          payload.RPCResp,
	}
	if h.IsError() {
		m.Err = payload.Err
		if m.Err == "" {
			m.Err = "unknown error"
		}
	}
	return m, nil
}
