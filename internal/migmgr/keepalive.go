package migmgr

import (
	"context"
	"time"

	"github.com/clondike-go/clondike/internal/mlog"
	"github.com/clondike-go/clondike/internal/proto"
)

// Keep-alive/reaper cadence, adapted from the folded ron.go's
// HEARTBEAT_RATE/REAPER_RATE/CLIENT_EXPIRED constants into this package's
// own naming (spec.md §D "heartbeat/reaper parity"): every manager sends
// a heartbeat on its own cadence and records when it last received a
// message. Expired reports whether that was longer ago than ExpiredAfter;
// no goroutine in this module runs a reaper sweep calling it, so a silent
// peer is not torn down on that ground.
const (
	// HeartbeatInterval is how often a connected manager sends a
	// GENERIC_USER heartbeat ping to its peer.
	HeartbeatInterval = 5 * time.Second
	// ReaperInterval is the sweep period carried over from ron's
	// REAPER_RATE; no code in this module uses it.
	ReaperInterval = 30 * time.Second
	// ExpiredAfter is how long since the last received message a manager
	// may go before Expired reports true.
	ExpiredAfter = 30 * time.Second
)

var heartbeatPayload = []byte("\x00keepalive")

// touchLastSeen records the time of the most recently received message;
// Run calls it for every message it reads.
func (m *Manager) touchLastSeen() {
	m.lastSeenMu.Lock()
	m.lastSeenAt = nowFunc()
	m.lastSeenMu.Unlock()
}

// LastSeen reports the time of the most recently received message.
func (m *Manager) LastSeen() time.Time {
	m.lastSeenMu.Lock()
	defer m.lastSeenMu.Unlock()
	return m.lastSeenAt
}

// Expired reports whether this manager has gone silent longer than
// ExpiredAfter.
func (m *Manager) Expired() bool {
	return nowFunc().Sub(m.LastSeen()) > ExpiredAfter
}

// RunHeartbeat sends a GENERIC_USER heartbeat every HeartbeatInterval
// until ctx ends or a send fails (peer presumed gone). Callers run this
// in its own goroutine alongside Run.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != StateConnected {
				return
			}
			msg := &proto.Message{
				Kind:        proto.GENERIC_USER,
				Txn:         proto.InvalidTxn,
				GenericUser: &proto.GenericUser{Payload: heartbeatPayload},
			}
			if err := m.SendAsync(msg); err != nil {
				mlog.Debug("migmgr: heartbeat to node %d failed: %v", m.PeerNodeID, err)
				return
			}
		}
	}
}

// nowFunc is a seam for tests; production code always calls time.Now.
var nowFunc = time.Now
