package server

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/cache"
	"github.com/snarelabs/snare/internal/fanout"
	"github.com/snarelabs/snare/internal/ingest"
	"github.com/snarelabs/snare/internal/session"
	"github.com/snarelabs/snare/internal/token"
)

const testDomain = "snare.example.com"

type testStack struct {
	registry *session.Registry
	cache    *cache.Store
	hub      *fanout.Hub
	pipeline *ingest.Pipeline
}

func newTestStack(t *testing.T) *testStack {
	return newTestStackPorts(t, 10000, 10002)
}

func newTestStackPorts(t *testing.T, portMin, portMax int) *testStack {
	t.Helper()
	logger := zap.NewNop()

	store, err := cache.New(cache.Options{
		MaxRecords: 64,
		MaxBytes:   1 << 20,
		TTL:        time.Hour,
	}, logger)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	hub := fanout.NewHub(8, logger)
	signer := token.NewSigner("test-secret", time.Hour)

	registry := session.New(session.Options{
		Alphabet:    "abcdefghijklmnopqrstuvwxyz0123456789",
		Length:      8,
		MaxSessions: 16,
		SessionTTL:  time.Hour,
		TCPPortMin:  portMin,
		TCPPortMax:  portMax,
	}, signer, session.Hooks{
		AllocShard:       store.Create,
		EvictShard:       store.Evict,
		CloseSubscribers: hub.CloseSession,
	}, logger)

	return &testStack{
		registry: registry,
		cache:    store,
		hub:      hub,
		pipeline: &ingest.Pipeline{
			Registry: registry,
			Cache:    store,
			Hub:      hub,
			Logger:   logger,
		},
	}
}

func (ts *testStack) mustCreate(t *testing.T) session.Session {
	t.Helper()
	sess, err := ts.registry.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}
