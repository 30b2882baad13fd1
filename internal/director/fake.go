package director

import "sync"

// Fake is an in-process test double recording every call it receives. Its
// zero value rejects every connection (Accept is false); NewFake returns
// one that accepts. Set Accept/Err to script a specific response.
type Fake struct {
	mu sync.Mutex

	Accept bool
	Err    error

	Connected    []ConnectedCall
	Disconnected []DisconnectedCall
	MigratedPIDs []int
	UserMessages []UserMessageCall
}

type ConnectedCall struct {
	PeerAddr string
	Slot     int
	AuthData []byte
}

type DisconnectedCall struct {
	Slot            int
	IsCCN           bool
	RemoteInitiated bool
}

type UserMessageCall struct {
	NodeID  uint32
	IsCCN   bool
	Slot    int
	Payload []byte
}

// NewFake returns a Fake that accepts every connection by default.
func NewFake() *Fake {
	return &Fake{Accept: true}
}

func (f *Fake) NodeConnected(peerAddr string, slot int, authData []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = append(f.Connected, ConnectedCall{peerAddr, slot, authData})
	return f.Accept, f.Err
}

func (f *Fake) NodeDisconnected(slot int, isCCN bool, remoteInitiated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = append(f.Disconnected, DisconnectedCall{slot, isCCN, remoteInitiated})
}

func (f *Fake) MigratedHome(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MigratedPIDs = append(f.MigratedPIDs, pid)
}

func (f *Fake) GenericUserMessageRecv(nodeID uint32, isCCN bool, slot int, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UserMessages = append(f.UserMessages, UserMessageCall{nodeID, isCCN, slot, payload})
}
