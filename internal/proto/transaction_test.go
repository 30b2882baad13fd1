package proto

import (
	"context"
	"testing"
	"time"
)

func TestTransactionCompleteWakesWaiter(t *testing.T) {
	tbl := NewTable()
	txn := tbl.Begin()

	done := make(chan *Message, 1)
	go func() {
		m, err := tbl.Wait(context.Background(), txn)
		if err != nil {
			t.Error(err)
			return
		}
		done <- m
	}()

	time.Sleep(10 * time.Millisecond)
	resp := &Message{Kind: AUTHENTICATE_RESP, Txn: txn}
	if !tbl.Complete(resp) {
		t.Fatal("expected Complete to find the in-flight transaction")
	}

	select {
	case m := <-done:
		if m.Txn != txn {
			t.Fatalf("expected txn %d, got %d", txn, m.Txn)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}

	if tbl.Len() != 0 {
		t.Fatalf("expected transaction to be removed after completion, Len()=%d", tbl.Len())
	}
}

func TestTransactionCompleteNeverSignalsTwice(t *testing.T) {
	tbl := NewTable()
	txn := tbl.Begin()

	resp := &Message{Kind: AUTHENTICATE_RESP, Txn: txn}
	if !tbl.Complete(resp) {
		t.Fatal("first Complete should succeed")
	}
	if tbl.Complete(resp) {
		t.Fatal("second Complete for the same transaction must report false")
	}
}

func TestTransactionContextTimeout(t *testing.T) {
	tbl := NewTable()
	txn := tbl.Begin()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tbl.Wait(ctx, txn)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected transaction removed after timeout, Len()=%d", tbl.Len())
	}

	// A late response must not be able to complete a timed-out transaction.
	if tbl.Complete(&Message{Kind: AUTHENTICATE_RESP, Txn: txn}) {
		t.Fatal("Complete on a timed-out transaction must report false")
	}
}

func TestTransactionCancel(t *testing.T) {
	tbl := NewTable()
	txn := tbl.Begin()

	errc := make(chan error, 1)
	go func() {
		_, err := tbl.Wait(context.Background(), txn)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	tbl.Cancel(txn)

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected an error from a cancelled transaction")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Cancel")
	}
}

func TestTransactionIDsAreUnique(t *testing.T) {
	tbl := NewTable()
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		txn := tbl.Begin()
		if seen[txn] {
			t.Fatalf("Begin returned duplicate transaction id %d", txn)
		}
		seen[txn] = true
	}
}
