package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
	"github.com/alanyoungcy/dydxrelay/internal/store/memory"
)

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: make(map[string][]byte)} }

func (f *fakeBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = b
	return nil
}

func (f *fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[path]
	return ok, nil
}

func (f *fakeBlobs) lines(t *testing.T, path string) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[path]
	if !ok {
		t.Fatalf("object %s not written", path)
	}
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var v map[string]any
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			t.Fatalf("line %d of %s: %v", n, path, err)
		}
		n++
	}
	return n
}

type fakeAudit struct {
	logged  []string
	entries []domain.AuditEntry
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.logged = append(f.logged, event)
	return nil
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range f.entries {
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func closedPosition(t *testing.T, store *memory.PositionStore, id string, closedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Create(ctx, domain.Position{
		ID: id, UserAddress: "0xabc", Symbol: "BTC-USD", Side: domain.SideLong,
		Status: domain.PositionStatusOpen, EntryPrice: 100, Size: 1, OpenedAt: closedAt.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	ok, err := store.Close(ctx, domain.PositionClose{
		ID: id, Reason: domain.ClosingReasonTakeProfit, ExitPrice: 110, RealizedPnL: 10, ClosedAt: closedAt,
	})
	if err != nil || !ok {
		t.Fatalf("close %s: ok=%v err=%v", id, ok, err)
	}
}

func TestArchiveClosedPositionsByMonth(t *testing.T) {
	ctx := context.Background()
	positions := memory.NewPositionStore()
	closedPosition(t, positions, "a", time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	closedPosition(t, positions, "b", time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC))
	closedPosition(t, positions, "c", time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC))
	closedPosition(t, positions, "d", time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC))

	blobs := newFakeBlobs()
	audit := &fakeAudit{}
	a := NewArchiver(blobs, blobs, positions, audit)

	n, err := a.ArchiveClosedPositions(ctx, time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 3 {
		t.Fatalf("archived %d rows, want 3", n)
	}
	if got := blobs.lines(t, "archive/positions/2025-01.jsonl"); got != 2 {
		t.Errorf("january lines = %d, want 2", got)
	}
	if got := blobs.lines(t, "archive/positions/2025-03.jsonl"); got != 1 {
		t.Errorf("march lines = %d, want 1", got)
	}
	if ok, _ := blobs.Exists(ctx, "archive/positions/2025-04.jsonl"); ok {
		t.Error("current month must not be archived")
	}
	if len(audit.logged) != 1 || audit.logged[0] != "archive.positions" {
		t.Errorf("audit = %v", audit.logged)
	}

	// Source rows are kept.
	if _, err := positions.GetByID(ctx, "a"); err != nil {
		t.Errorf("archived row removed: %v", err)
	}

	n, err = a.ArchiveClosedPositions(ctx, time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 0 {
		t.Fatalf("second run: n=%d err=%v, want 0 rows", n, err)
	}
}

func TestArchiveClosedPositionsEmpty(t *testing.T) {
	a := NewArchiver(newFakeBlobs(), nil, memory.NewPositionStore(), &fakeAudit{})
	n, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestArchiveAuditLog(t *testing.T) {
	audit := &fakeAudit{entries: []domain.AuditEntry{
		{ID: 3, Event: "trade_executed", CreatedAt: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)},
		{ID: 2, Event: "user_created", CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{ID: 1, Event: "user_created", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: 4, Event: "position_closed", CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
	}}
	blobs := newFakeBlobs()
	a := NewArchiver(blobs, blobs, memory.NewPositionStore(), audit)

	n, err := a.ArchiveAuditLog(context.Background(), time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("archive audit: %v", err)
	}
	if n != 3 {
		t.Fatalf("archived %d entries, want 3", n)
	}
	if got := blobs.lines(t, "archive/audit_log/2025-02.jsonl"); got != 2 {
		t.Errorf("february lines = %d", got)
	}
	if got := blobs.lines(t, "archive/audit_log/2025-01.jsonl"); got != 1 {
		t.Errorf("january lines = %d", got)
	}
	var first domain.AuditEntry
	line, _, _ := bufio.NewReader(bytes.NewReader(blobs.objects["archive/audit_log/2025-02.jsonl"])).ReadLine()
	if err := json.Unmarshal(line, &first); err != nil || first.ID != 2 {
		t.Errorf("entries not oldest first: %+v err=%v", first, err)
	}
}

func TestArchivePath(t *testing.T) {
	got := archivePath("positions", time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC))
	if got != "archive/positions/2024-11.jsonl" {
		t.Fatalf("archivePath = %q", got)
	}
}
