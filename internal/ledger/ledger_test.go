package ledger

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndForPID(t *testing.T) {
	l := openTest(t)

	r1 := Record{LocalPID: 42, RemotePID: 99, NodeID: 1, Kind: KindEmigratePPM, Status: "ok", When: time.Unix(100, 0)}
	r2 := Record{LocalPID: 42, RemotePID: 99, NodeID: 1, Kind: KindMigrateHome, Status: "ok", When: time.Unix(200, 0)}
	r3 := Record{LocalPID: 7, RemotePID: 0, NodeID: 2, Kind: KindEmigrateNPM, Status: "ok", When: time.Unix(150, 0)}

	for _, r := range []Record{r1, r2, r3} {
		if err := l.Record(r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := l.ForPID(42)
	if err != nil {
		t.Fatalf("ForPID: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for pid 42, got %d", len(recs))
	}
	if recs[0].Kind != KindEmigratePPM || recs[1].Kind != KindMigrateHome {
		t.Fatalf("expected oldest-first ordering, got %v then %v", recs[0].Kind, recs[1].Kind)
	}
}

func TestRecent(t *testing.T) {
	l := openTest(t)

	for i := 0; i < 5; i++ {
		r := Record{LocalPID: i, Kind: KindEmigratePPM, Status: "ok", When: time.Unix(int64(i), 0)}
		if err := l.Record(r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].LocalPID != 4 || recs[1].LocalPID != 3 {
		t.Fatalf("expected newest-first [4,3], got [%d,%d]", recs[0].LocalPID, recs[1].LocalPID)
	}
}
