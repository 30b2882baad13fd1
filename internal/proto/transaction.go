package proto

import (
	"context"
	"sync"

	"github.com/clondike-go/clondike/internal/clonerr"
)

// Table tracks in-flight request/response transactions, the way
// meshage's client keeps a channel per outstanding message id and
// unblocks the sender when the matching ack arrives. A transaction is
// inserted before its request is sent, and removed exactly once — either
// by Complete when the matching response arrives, or by Cancel/context
// timeout if it never does.
type Table struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32]chan *Message
}

// NewTable returns an empty transaction table.
func NewTable() *Table {
	return &Table{pending: make(map[uint32]chan *Message)}
}

// Begin allocates a fresh transaction id and registers a waiter for it.
// The caller must send its request carrying this id before calling Wait.
func (t *Table) Begin() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		t.next++
		if t.next == 0 || t.next == InvalidTxn {
			continue
		}
		if _, exists := t.pending[t.next]; exists {
			continue
		}
		t.pending[t.next] = make(chan *Message, 1)
		return t.next
	}
}

// Wait blocks until the response for txn arrives, ctx is done, or the
// transaction is cancelled. It always removes txn from the table before
// returning, so a transaction is never signalled twice.
func (t *Table) Wait(ctx context.Context, txn uint32) (*Message, error) {
	t.mu.Lock()
	ch, ok := t.pending[txn]
	t.mu.Unlock()
	if !ok {
		return nil, clonerr.New(clonerr.BadState, "no such transaction %d", txn)
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, clonerr.New(clonerr.TransactionTimeout, "transaction %d cancelled", txn)
		}
		return m, nil
	case <-ctx.Done():
		t.remove(txn)
		return nil, clonerr.Wrap(clonerr.TransactionTimeout, ctx.Err(), "transaction %d timed out", txn)
	}
}

// Complete delivers m to the waiter for its transaction id and removes the
// transaction. It reports false if there was no such in-flight
// transaction — already completed, cancelled, or unknown — so a caller
// can distinguish a genuine late/duplicate response from the first.
func (t *Table) Complete(m *Message) bool {
	t.mu.Lock()
	ch, ok := t.pending[m.Txn]
	if ok {
		delete(t.pending, m.Txn)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	ch <- m
	close(ch)
	return true
}

// Cancel aborts a pending transaction without a response, waking any
// Wait caller with an error. It is a no-op if the transaction already
// completed or does not exist.
func (t *Table) Cancel(txn uint32) {
	t.mu.Lock()
	ch, ok := t.pending[txn]
	if ok {
		delete(t.pending, txn)
	}
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (t *Table) remove(txn uint32) {
	t.mu.Lock()
	ch, ok := t.pending[txn]
	if ok {
		delete(t.pending, txn)
	}
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Len reports the number of in-flight transactions. Intended for tests
// and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
