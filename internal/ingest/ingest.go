// Package ingest is the single path captured records take from a protocol
// listener into the cache and out to live viewers. Records for the same
// session are stored and published in the order the pipeline observes them.
package ingest

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/cache"
	"github.com/snarelabs/snare/internal/capture"
	"github.com/snarelabs/snare/internal/fanout"
	"github.com/snarelabs/snare/internal/geo"
	"github.com/snarelabs/snare/internal/session"
	"github.com/snarelabs/snare/internal/snerr"
)

// OrphanShard is the reserved cache shard for DNS probe traffic that matched
// no live session, used only when orphan ingestion is enabled.
const OrphanShard = "orphans"

// ingestStripes sizes the lock table that serializes stamp, append, and
// publish per session. Sessions hashing to the same stripe share a lock;
// correctness only needs records of one session to stay in ID order.
const ingestStripes = 64

// Pipeline validates a record's session, completes its envelope, appends it
// to the cache, and publishes it to the fan-out. Store-before-publish order
// guarantees a viewer that reconnects and replays read_all never misses a
// record it was notified about.
type Pipeline struct {
	Registry *session.Registry
	Cache    *cache.Store
	Hub      *fanout.Hub
	Country  geo.Resolver
	Logger   *zap.Logger

	orphanID   atomic.Int64
	orphanOnce sync.Once
	stripes    [ingestStripes]sync.Mutex
}

func (p *Pipeline) stripe(subdomain string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(subdomain))
	return &p.stripes[h.Sum32()%ingestStripes]
}

// Ingest accepts a listener-built record for a live session. The pipeline
// owns the ID, timestamp, and country fields; listeners fill the rest.
// Records for destroyed sessions are rejected with ErrNotFound.
func (p *Pipeline) Ingest(rec capture.Record) (capture.Record, error) {
	// The stripe lock spans stamp, append, and publish so two in-flight
	// ingests for one session can never store or deliver out of ID order.
	mu := p.stripe(rec.Subdomain)
	mu.Lock()
	defer mu.Unlock()

	id, ok := p.Registry.StampRecord(rec.Subdomain)
	if !ok {
		return capture.Record{}, snerr.ErrNotFound
	}

	rec.ID = id
	p.complete(&rec)

	if err := p.Cache.Append(rec.Subdomain, rec); err != nil {
		p.Logger.Error("cache append failed",
			zap.String("subdomain", rec.Subdomain),
			zap.String("kind", string(rec.Kind)),
			zap.Error(err))
		return capture.Record{}, err
	}

	p.Hub.Publish(rec.Subdomain, rec)

	p.Logger.Debug("record ingested",
		zap.String("subdomain", rec.Subdomain),
		zap.String("kind", string(rec.Kind)),
		zap.Int64("id", rec.ID))
	return rec, nil
}

// IngestOrphan records DNS probe traffic addressed to no live session into
// the reserved orphan shard. Orphans are never delivered to subscribers;
// they exist so operators can inspect scanning activity.
func (p *Pipeline) IngestOrphan(rec capture.Record) {
	p.orphanOnce.Do(func() {
		p.Cache.Create(OrphanShard)
	})

	mu := p.stripe(OrphanShard)
	mu.Lock()
	defer mu.Unlock()

	rec.ID = p.orphanID.Add(1)
	rec.Subdomain = OrphanShard
	p.complete(&rec)

	if err := p.Cache.Append(OrphanShard, rec); err != nil {
		p.Logger.Warn("orphan append failed", zap.Error(err))
	}
}

func (p *Pipeline) complete(rec *capture.Record) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if p.Country != nil && rec.SourceCountry == "" {
		rec.SourceCountry = p.Country(rec.SourceIP)
	}
}
