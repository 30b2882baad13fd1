package task

import (
	"sync"

	"github.com/clondike-go/clondike/internal/proto"
)

// fakeOwner records every message handed to SendAsync and every detach
// request, and can be told to fail the next n sends to exercise
// peer-lost paths.
type fakeOwner struct {
	mu       sync.Mutex
	sent     []*proto.Message
	detached []int
	failNext int
	failErr  error
}

func (f *fakeOwner) SendAsync(m *proto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeOwner) Detach(localPID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, localPID)
}

func (f *fakeOwner) last() *proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeOwner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
