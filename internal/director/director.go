// Package director defines the external collaborator a migration manager
// consults for authentication and notification decisions (spec.md §6).
// The real director lives outside this process; Director is the narrow
// interface the core calls through, shaped like the teacher's own
// external-collaborator interface (internal/ron's VM: a small method set
// implemented by an owner outside the protocol layer, called back by it).
package director

// Director is the core's single point of contact with policy external to
// the migration framework itself: accept/reject new peers, and observe
// disconnects, completed home-migrations, and generic user messages.
type Director interface {
	// NodeConnected asks whether a newly authenticated peer at peerAddr,
	// occupying slot, should be accepted. authData is the opaque payload
	// carried in AUTHENTICATE after unsealing (spec.md §4.4, §6).
	NodeConnected(peerAddr string, slot int, authData []byte) (accept bool, err error)

	// NodeDisconnected notifies the director that the manager occupying
	// slot has torn down. isCCN reports which side this process played;
	// remoteInitiated reports whether the peer closed the connection
	// rather than this side.
	NodeDisconnected(slot int, isCCN bool, remoteInitiated bool)

	// MigratedHome notifies the director that pid has completed a
	// migrate-home and is once again running locally.
	MigratedHome(pid int)

	// GenericUserMessageRecv delivers an opaque GENERIC_USER payload
	// received from the peer in the given slot.
	GenericUserMessageRecv(nodeID uint32, isCCN bool, slot int, payload []byte)
}

// Failures from a real director other than "not configured" deny the
// operation (spec.md §6); a nil Director is treated as "not configured"
// and always accepts, per NilDirector below.

// NilDirector is the zero-configuration stand-in: it accepts every
// connection and ignores every notification. Binaries that haven't wired
// a real director (or tests that don't care about policy) use this.
type NilDirector struct{}

func (NilDirector) NodeConnected(peerAddr string, slot int, authData []byte) (bool, error) {
	return true, nil
}

func (NilDirector) NodeDisconnected(slot int, isCCN bool, remoteInitiated bool) {}

func (NilDirector) MigratedHome(pid int) {}

func (NilDirector) GenericUserMessageRecv(nodeID uint32, isCCN bool, slot int, payload []byte) {}
