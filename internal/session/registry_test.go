package session

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/dnsengine"
	"github.com/snarelabs/snare/internal/snerr"
	"github.com/snarelabs/snare/internal/token"
)

func testOptions() Options {
	return Options{
		Alphabet:    "abcdefghijklmnopqrstuvwxyz0123456789",
		Length:      8,
		MaxSessions: 4,
		SessionTTL:  time.Hour,
		TCPPortMin:  42000,
		TCPPortMax:  42002,
	}
}

func newTestRegistry(opts Options, hooks Hooks) *Registry {
	signer := token.NewSigner("test-secret", time.Hour)
	return New(opts, signer, hooks, zap.NewNop())
}

func TestCreateYieldsUniqueLiveSubdomains(t *testing.T) {
	r := newTestRegistry(testOptions(), Hooks{})

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		sess, err := r.Create()
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if seen[sess.Subdomain] {
			t.Fatalf("duplicate live subdomain %s", sess.Subdomain)
		}
		seen[sess.Subdomain] = true
		if len(sess.Subdomain) != 8 {
			t.Errorf("subdomain length = %d, want 8", len(sess.Subdomain))
		}
		if sess.Token == "" {
			t.Error("session issued without a token")
		}
	}
}

func TestCreateAtCapacityFails(t *testing.T) {
	r := newTestRegistry(testOptions(), Hooks{})
	for i := 0; i < 4; i++ {
		if _, err := r.Create(); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	_, err := r.Create()
	if !errors.Is(err, snerr.ErrCapacityExceeded) {
		t.Fatalf("Create at capacity = %v, want ErrCapacityExceeded", err)
	}
	if err.Error() != "Maximum number of sessions reached" {
		t.Errorf("error message = %q, want the literal capacity message", err.Error())
	}
}

func TestAuthenticate(t *testing.T) {
	r := newTestRegistry(testOptions(), Hooks{})
	sess, err := r.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := r.Authenticate(sess.Subdomain, sess.Token); err != nil {
		t.Errorf("Authenticate with valid token failed: %v", err)
	}

	if _, err := r.Authenticate(sess.Subdomain, "snare_bogus_1_00"); !errors.Is(err, snerr.ErrUnauthorized) {
		t.Errorf("Authenticate with bad token = %v, want ErrUnauthorized", err)
	}

	if _, err := r.Authenticate("nosuchsub", sess.Token); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("Authenticate unknown subdomain = %v, want ErrNotFound", err)
	}
}

func TestDestroyRunsHooksAndForgetsSession(t *testing.T) {
	var evicted, closed []string
	var releasedPort int
	hooks := Hooks{
		EvictShard:       func(sub string) { evicted = append(evicted, sub) },
		CloseSubscribers: func(sub string) { closed = append(closed, sub) },
		ReleaseTCPPort:   func(sub string, port int) { releasedPort = port },
	}
	r := newTestRegistry(testOptions(), hooks)

	sess, err := r.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	port, err := r.LeaseTCPPort(sess.Subdomain, sess.Token)
	if err != nil {
		t.Fatalf("LeaseTCPPort failed: %v", err)
	}

	r.Destroy(sess.Subdomain)

	if len(evicted) != 1 || evicted[0] != sess.Subdomain {
		t.Errorf("EvictShard hook calls = %v, want [%s]", evicted, sess.Subdomain)
	}
	if len(closed) != 1 || closed[0] != sess.Subdomain {
		t.Errorf("CloseSubscribers hook calls = %v, want [%s]", closed, sess.Subdomain)
	}
	if releasedPort != port {
		t.Errorf("released port = %d, want %d", releasedPort, port)
	}

	if _, err := r.Authenticate(sess.Subdomain, sess.Token); !errors.Is(err, snerr.ErrNotFound) {
		t.Errorf("Authenticate after destroy = %v, want ErrNotFound", err)
	}
	if _, ok := r.PortOwner(port); ok {
		t.Error("destroyed session still owns its TCP port")
	}

	// Idempotent: a second destroy must not re-run hooks.
	r.Destroy(sess.Subdomain)
	if len(evicted) != 1 {
		t.Errorf("hooks re-ran on repeated destroy")
	}
}

func TestUpdateRulesRequiresAuth(t *testing.T) {
	r := newTestRegistry(testOptions(), Hooks{})
	sess, _ := r.Create()

	rules := []dnsengine.Rule{{Name: "*", Type: "A", Value: "1.2.3.4", TTL: 300}}
	if err := r.UpdateRules(sess.Subdomain, "wrong", rules); !errors.Is(err, snerr.ErrUnauthorized) {
		t.Errorf("UpdateRules with bad token = %v, want ErrUnauthorized", err)
	}

	if err := r.UpdateRules(sess.Subdomain, sess.Token, rules); err != nil {
		t.Fatalf("UpdateRules failed: %v", err)
	}

	got, ok := r.Rules(sess.Subdomain)
	if !ok || len(got) != 1 || got[0].Value != "1.2.3.4" {
		t.Errorf("Rules = %v, %v after update", got, ok)
	}

	// Replacement is atomic: the old sequence is gone.
	if err := r.UpdateRules(sess.Subdomain, sess.Token, nil); err != nil {
		t.Fatalf("UpdateRules with empty set failed: %v", err)
	}
	got, _ = r.Rules(sess.Subdomain)
	if len(got) != 0 {
		t.Errorf("rules not replaced atomically: %v", got)
	}
}

func TestStampRecordMonotonic(t *testing.T) {
	r := newTestRegistry(testOptions(), Hooks{})
	sess, _ := r.Create()

	for want := int64(1); want <= 3; want++ {
		id, ok := r.StampRecord(sess.Subdomain)
		if !ok || id != want {
			t.Fatalf("StampRecord = %d, %v, want %d, true", id, ok, want)
		}
	}

	state, err := r.State(sess.Subdomain, sess.Token)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.UnseenCount != 3 {
		t.Errorf("UnseenCount = %d, want 3", state.UnseenCount)
	}

	// State resets the unseen counter.
	state, _ = r.State(sess.Subdomain, sess.Token)
	if state.UnseenCount != 0 {
		t.Errorf("UnseenCount after reset = %d, want 0", state.UnseenCount)
	}

	if _, ok := r.StampRecord("nosuchsub"); ok {
		t.Error("StampRecord succeeded for unknown subdomain")
	}
}

func TestLeaseTCPPortExhaustion(t *testing.T) {
	opts := testOptions() // three ports in range
	r := newTestRegistry(opts, Hooks{})

	var last Session
	for i := 0; i < 3; i++ {
		sess, _ := r.Create()
		if _, err := r.LeaseTCPPort(sess.Subdomain, sess.Token); err != nil {
			t.Fatalf("LeaseTCPPort %d failed: %v", i, err)
		}
		last = sess
	}

	sess, _ := r.Create()
	if _, err := r.LeaseTCPPort(sess.Subdomain, sess.Token); !errors.Is(err, snerr.ErrResourceExhausted) {
		t.Fatalf("LeaseTCPPort with full range = %v, want ErrResourceExhausted", err)
	}

	// Leasing twice returns the same port.
	p1, _ := r.LeaseTCPPort(last.Subdomain, last.Token)
	p2, err := r.LeaseTCPPort(last.Subdomain, last.Token)
	if err != nil || p1 != p2 {
		t.Errorf("repeated lease = %d, %d (%v), want stable port", p1, p2, err)
	}

	// Destroying a session frees its port for others.
	r.Destroy(last.Subdomain)
	if _, err := r.LeaseTCPPort(sess.Subdomain, sess.Token); err != nil {
		t.Errorf("LeaseTCPPort after a port was freed failed: %v", err)
	}
}

func TestSweepDestroysExpiredSessions(t *testing.T) {
	opts := testOptions()
	opts.SessionTTL = time.Minute
	r := newTestRegistry(opts, Hooks{})

	sess, _ := r.Create()

	r.SweepOnce(time.Now())
	if !r.Live(sess.Subdomain) {
		t.Fatal("session destroyed before its TTL")
	}

	r.SweepOnce(time.Now().Add(2 * time.Minute))
	if r.Live(sess.Subdomain) {
		t.Fatal("session survived past its TTL")
	}
}

func TestSweepEvictsOldestOverCapacity(t *testing.T) {
	opts := testOptions()
	r := newTestRegistry(opts, Hooks{})

	var subs []string
	for i := 0; i < 4; i++ {
		sess, err := r.Create()
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		subs = append(subs, sess.Subdomain)
	}

	// Shrink the limit and sweep: the oldest two must go, FIFO.
	r.opts.MaxSessions = 2
	r.SweepOnce(time.Now())

	if r.Count() != 2 {
		t.Fatalf("live sessions = %d, want 2", r.Count())
	}
	if r.Live(subs[0]) || r.Live(subs[1]) {
		t.Error("oldest sessions survived the capacity sweep")
	}
	if !r.Live(subs[2]) || !r.Live(subs[3]) {
		t.Error("newest sessions were evicted instead of the oldest")
	}
}
