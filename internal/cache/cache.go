// Package cache implements the compressed, bounded, session-sharded store
// for captured records and auxiliary blobs. Each shard holds its records as
// a zstd-compressed JSON-lines buffer; writes decompress, append, re-bound,
// and recompress under the shard lock, so there is exactly one writer per
// shard at a time.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/capture"
	"github.com/snarelabs/snare/internal/snerr"
)

// Options bound each shard independently: MaxRecords caps the record count
// (oldest evicted first), MaxBytes caps the decompressed buffer size, and
// TTL ages records out on the sweep interval.
type Options struct {
	MaxRecords int
	MaxBytes   int
	TTL        time.Duration
	SweepEvery time.Duration
}

// Store is the session-sharded cache.
type Store struct {
	mu     sync.RWMutex
	shards map[string]*shard

	opts   Options
	logger *zap.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

type shard struct {
	mu    sync.Mutex
	data  []byte // zstd-compressed JSON lines, nil when empty
	count int
	blobs map[string][]byte // zstd-compressed
}

// New creates a Store. A zero SweepEvery defaults to ten minutes.
func New(opts Options, logger *zap.Logger) (*Store, error) {
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 10 * time.Minute
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{
		shards: make(map[string]*shard),
		opts:   opts,
		logger: logger,
		enc:    enc,
		dec:    dec,
	}, nil
}

// Create allocates an empty shard for the subdomain.
func (s *Store) Create(subdomain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shards[subdomain]; !ok {
		s.shards[subdomain] = &shard{blobs: make(map[string][]byte)}
	}
}

// Evict removes the shard and everything in it. Idempotent.
func (s *Store) Evict(subdomain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shards, subdomain)
}

// Append adds a record to the subdomain's shard and enforces the count and
// size caps after the write. The shard must have been Created and not yet
// Evicted; appending to a missing shard returns ErrNotFound rather than
// resurrecting it, so a write racing an eviction cannot leak a shard.
func (s *Store) Append(subdomain string, rec capture.Record) error {
	sh := s.get(subdomain)
	if sh == nil {
		return snerr.ErrNotFound
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	buf := s.open(subdomain, sh)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	sh.count++

	for sh.count > s.opts.MaxRecords && sh.count > 0 {
		buf = dropOldest(buf)
		sh.count--
	}
	for len(buf) > s.opts.MaxBytes && sh.count > 0 {
		buf = dropOldest(buf)
		sh.count--
	}

	s.seal(sh, buf)
	return nil
}

// ReadAll returns the shard's records in arrival order.
func (s *Store) ReadAll(subdomain string) ([]capture.Record, error) {
	sh := s.get(subdomain)
	if sh == nil {
		return nil, snerr.ErrNotFound
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	buf := s.open(subdomain, sh)
	if len(buf) == 0 {
		return []capture.Record{}, nil
	}

	records := make([]capture.Record, 0, sh.count)
	for _, line := range bytes.Split(buf, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var rec capture.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping undecodable cache record",
				zap.String("subdomain", subdomain), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// WriteBlob stores an opaque blob under key, replacing any previous value.
// Like Append it refuses to recreate an evicted shard.
func (s *Store) WriteBlob(subdomain, key string, data []byte) error {
	sh := s.get(subdomain)
	if sh == nil {
		return snerr.ErrNotFound
	}
	compressed := s.enc.EncodeAll(data, nil)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.blobs[key] = compressed
	return nil
}

// ReadBlob returns the blob stored under key.
func (s *Store) ReadBlob(subdomain, key string) ([]byte, error) {
	sh := s.get(subdomain)
	if sh == nil {
		return nil, snerr.ErrNotFound
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	compressed, ok := sh.blobs[key]
	if !ok {
		return nil, snerr.ErrNotFound
	}
	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		// Corrupt blob: data loss for this key only.
		s.logger.Error("blob decompression failed, discarding",
			zap.String("subdomain", subdomain), zap.String("key", key), zap.Error(err))
		delete(sh.blobs, key)
		return nil, snerr.ErrNotFound
	}
	return data, nil
}

// Run sweeps expired records on a ticker until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce removes records older than the TTL from every shard.
func (s *Store) SweepOnce(now time.Time) {
	cutoff := now.Add(-s.opts.TTL)

	s.mu.RLock()
	snapshot := make(map[string]*shard, len(s.shards))
	for sub, sh := range s.shards {
		snapshot[sub] = sh
	}
	s.mu.RUnlock()

	for sub, sh := range snapshot {
		sh.mu.Lock()
		buf := s.open(sub, sh)
		if len(buf) == 0 {
			sh.mu.Unlock()
			continue
		}

		kept := make([]byte, 0, len(buf))
		count := 0
		for _, line := range bytes.Split(buf, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var rec capture.Record
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			if rec.ReceivedAt.Before(cutoff) {
				continue
			}
			kept = append(kept, line...)
			kept = append(kept, '\n')
			count++
		}
		sh.count = count
		s.seal(sh, kept)
		sh.mu.Unlock()
	}
}

func (s *Store) get(subdomain string) *shard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shards[subdomain]
}

// open decompresses a shard's record buffer. A corrupt shard is data loss
// for that shard only: it is logged and reset to empty. Callers must hold
// the shard lock.
func (s *Store) open(subdomain string, sh *shard) []byte {
	if len(sh.data) == 0 {
		return nil
	}
	buf, err := s.dec.DecodeAll(sh.data, nil)
	if err != nil {
		s.logger.Error("shard decompression failed, resetting shard",
			zap.String("subdomain", subdomain), zap.Error(err))
		sh.data = nil
		sh.count = 0
		return nil
	}
	return buf
}

// seal recompresses a shard's record buffer. Callers must hold the shard lock.
func (s *Store) seal(sh *shard, buf []byte) {
	if len(buf) == 0 {
		sh.data = nil
		return
	}
	sh.data = s.enc.EncodeAll(buf, nil)
}

func dropOldest(buf []byte) []byte {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil
	}
	return buf[idx+1:]
}
