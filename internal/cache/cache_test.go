package cache

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/capture"
	"github.com/snarelabs/snare/internal/snerr"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.MaxRecords == 0 {
		opts.MaxRecords = 100
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 1 << 20
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	s, err := New(opts, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func httpRecord(id int64, at time.Time) capture.Record {
	return capture.Record{
		ID:         id,
		Subdomain:  "abc123",
		Kind:       capture.KindHTTP,
		ReceivedAt: at,
		SourceIP:   "192.0.2.1",
		HTTP:       &capture.HTTPDetail{Method: "GET", Path: fmt.Sprintf("/req/%d", id)},
	}
}

func TestAppendReadAllRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Create("abc123")

	now := time.Now()
	for i := int64(1); i <= 3; i++ {
		if err := s.Append("abc123", httpRecord(i, now)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	records, err := s.ReadAll("abc123")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, rec := range records {
		if rec.ID != int64(i+1) {
			t.Errorf("record %d has ID %d, want %d (arrival order)", i, rec.ID, i+1)
		}
		if rec.Kind != capture.KindHTTP || rec.HTTP == nil {
			t.Errorf("record %d lost its protocol detail", i)
		}
	}
}

func TestCountCapEvictsOldestFirst(t *testing.T) {
	const limit = 5
	s := newTestStore(t, Options{MaxRecords: limit})
	s.Create("abc123")

	now := time.Now()
	for i := int64(1); i <= limit+1; i++ {
		if err := s.Append("abc123", httpRecord(i, now)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	records, err := s.ReadAll("abc123")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(records) != limit {
		t.Fatalf("got %d records, want %d", len(records), limit)
	}
	if records[0].ID != 2 {
		t.Errorf("oldest surviving record has ID %d, want 2 (record 1 evicted)", records[0].ID)
	}
	for _, rec := range records {
		if rec.ID == 1 {
			t.Error("evicted record still present")
		}
	}
}

func TestSizeCapEvictsOldestFirst(t *testing.T) {
	s := newTestStore(t, Options{MaxBytes: 2048})
	s.Create("abc123")

	now := time.Now()
	big := bytes.Repeat([]byte("x"), 700)
	for i := int64(1); i <= 5; i++ {
		rec := httpRecord(i, now)
		rec.HTTP.Body = big
		if err := s.Append("abc123", rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	records, err := s.ReadAll("abc123")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(records) == 0 || len(records) >= 5 {
		t.Fatalf("size cap kept %d records, want between 1 and 4", len(records))
	}
	if records[len(records)-1].ID != 5 {
		t.Errorf("newest record evicted instead of oldest")
	}
}

func TestTTLSweep(t *testing.T) {
	s := newTestStore(t, Options{TTL: time.Hour})
	s.Create("abc123")

	now := time.Now()
	if err := s.Append("abc123", httpRecord(1, now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append("abc123", httpRecord(2, now)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	records, _ := s.ReadAll("abc123")
	if len(records) != 2 {
		t.Fatalf("before sweep: got %d records, want 2", len(records))
	}

	s.SweepOnce(now)

	records, _ = s.ReadAll("abc123")
	if len(records) != 1 {
		t.Fatalf("after sweep: got %d records, want 1", len(records))
	}
	if records[0].ID != 2 {
		t.Errorf("surviving record has ID %d, want 2", records[0].ID)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Create("abc123")

	data := []byte("uploaded file contents \x00\x01\x02")
	if err := s.WriteBlob("abc123", "file", data); err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}

	got, err := s.ReadBlob("abc123", "file")
	if err != nil {
		t.Fatalf("ReadBlob failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("blob round-trip mismatch: got %q, want %q", got, data)
	}
}

func TestBlobNotFound(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Create("abc123")

	if _, err := s.ReadBlob("abc123", "missing"); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("ReadBlob missing key = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadBlob("nosuchsession", "file"); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("ReadBlob missing shard = %v, want ErrNotFound", err)
	}
}

func TestEvictRemovesEverything(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Create("abc123")
	if err := s.Append("abc123", httpRecord(1, time.Now())); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.WriteBlob("abc123", "file", []byte("data")); err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}

	s.Evict("abc123")

	if _, err := s.ReadAll("abc123"); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("ReadAll after evict = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadBlob("abc123", "file"); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("ReadBlob after evict = %v, want ErrNotFound", err)
	}

	// Evict is idempotent.
	s.Evict("abc123")
}

func TestCorruptShardResetsToEmpty(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Create("abc123")
	if err := s.Append("abc123", httpRecord(1, time.Now())); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	sh := s.get("abc123")
	sh.mu.Lock()
	sh.data = []byte("definitely not zstd")
	sh.mu.Unlock()

	records, err := s.ReadAll("abc123")
	if err != nil {
		t.Fatalf("ReadAll on corrupt shard errored: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("corrupt shard returned %d records, want 0 after reset", len(records))
	}

	// The shard stays usable after the reset.
	if err := s.Append("abc123", httpRecord(2, time.Now())); err != nil {
		t.Fatalf("Append after reset failed: %v", err)
	}
	records, _ = s.ReadAll("abc123")
	if len(records) != 1 {
		t.Errorf("got %d records after reset+append, want 1", len(records))
	}
}

func TestAppendAfterEvictRejected(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Create("abc123")
	if err := s.Append("abc123", httpRecord(1, time.Now())); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	s.Evict("abc123")

	// A write that lost the race with eviction must not resurrect the shard.
	if err := s.Append("abc123", httpRecord(2, time.Now())); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("Append after evict = %v, want ErrNotFound", err)
	}
	if err := s.WriteBlob("abc123", "file", []byte("data")); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("WriteBlob after evict = %v, want ErrNotFound", err)
	}
	if _, err := s.ReadAll("abc123"); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("ReadAll after rejected append = %v, want ErrNotFound", err)
	}
}

func TestShardsAreIsolated(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Create("abc123")
	s.Create("zzz999")
	if err := s.Append("abc123", httpRecord(1, time.Now())); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	other := httpRecord(1, time.Now())
	other.Subdomain = "zzz999"
	if err := s.Append("zzz999", other); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	s.Evict("abc123")

	records, err := s.ReadAll("zzz999")
	if err != nil || len(records) != 1 {
		t.Errorf("unrelated shard affected by eviction: %d records, err %v", len(records), err)
	}
}
