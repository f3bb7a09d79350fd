// Package session owns the subdomain, token, DNS rule, and TCP port state
// for every live capture session. All mutation goes through the Registry,
// which returns immutable snapshots to callers.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/dnsengine"
	"github.com/snarelabs/snare/internal/snerr"
	"github.com/snarelabs/snare/internal/token"
)

// maxGenerateAttempts bounds subdomain collision resampling.
const maxGenerateAttempts = 16

// Session is a snapshot of one live session's state.
type Session struct {
	Subdomain   string           `json:"subdomain"`
	Token       string           `json:"token,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Rules       []dnsengine.Rule `json:"dns_rules"`
	UnseenCount int              `json:"unseen_count"`
	TCPPort     int              `json:"tcp_port,omitempty"`
}

// Hooks are invoked by the Registry on session lifecycle transitions so the
// cache, fan-out, and TCP listener packages stay decoupled from this one.
// Hooks run outside the registry lock.
type Hooks struct {
	AllocShard       func(subdomain string)
	EvictShard       func(subdomain string)
	CloseSubscribers func(subdomain string)
	ReleaseTCPPort   func(subdomain string, port int)
}

// Options configure session generation and lifecycle bounds.
type Options struct {
	Alphabet    string
	Length      int
	MaxSessions int
	SessionTTL  time.Duration
	TCPPortMin  int
	TCPPortMax  int
	SweepEvery  time.Duration
}

type state struct {
	subdomain   string
	token       string
	createdAt   time.Time
	expiresAt   time.Time
	rules       []dnsengine.Rule
	unseenCount int
	tcpPort     int
	nextID      int64
}

// Registry is the authority for subdomain⇄token⇄rule mappings.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*state
	order    []string       // creation order, oldest first
	ports    map[int]string // TCP port -> owning subdomain

	signer *token.Signer
	opts   Options
	hooks  Hooks
	logger *zap.Logger
}

// New creates an empty Registry.
func New(opts Options, signer *token.Signer, hooks Hooks, logger *zap.Logger) *Registry {
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = time.Minute
	}
	return &Registry{
		sessions: make(map[string]*state),
		ports:    make(map[int]string),
		signer:   signer,
		opts:     opts,
		hooks:    hooks,
		logger:   logger,
	}
}

// Create allocates a new session with a fresh random subdomain and a signed
// token, and allocates its cache shard. It fails with ErrCapacityExceeded
// at the session limit and ErrResourceExhausted when subdomain sampling
// keeps colliding.
func (r *Registry) Create() (Session, error) {
	r.mu.Lock()

	if len(r.sessions) >= r.opts.MaxSessions {
		r.mu.Unlock()
		return Session{}, snerr.ErrCapacityExceeded
	}

	var subdomain string
	for attempt := 0; ; attempt++ {
		if attempt == maxGenerateAttempts {
			r.mu.Unlock()
			return Session{}, fmt.Errorf("%w: subdomain generation collisions", snerr.ErrResourceExhausted)
		}
		sub, err := token.GenerateSubdomain(r.opts.Alphabet, r.opts.Length)
		if err != nil {
			r.mu.Unlock()
			return Session{}, err
		}
		if _, taken := r.sessions[sub]; !taken {
			subdomain = sub
			break
		}
	}

	tok, tokenExpiry := r.signer.Issue(subdomain)
	now := time.Now()
	expiry := now.Add(r.opts.SessionTTL)
	if tokenExpiry.Before(expiry) {
		expiry = tokenExpiry
	}

	st := &state{
		subdomain: subdomain,
		token:     tok,
		createdAt: now,
		expiresAt: expiry,
		rules:     []dnsengine.Rule{},
	}
	r.sessions[subdomain] = st
	r.order = append(r.order, subdomain)
	snap := snapshot(st)
	r.mu.Unlock()

	if r.hooks.AllocShard != nil {
		r.hooks.AllocShard(subdomain)
	}
	r.logger.Info("session created", zap.String("subdomain", subdomain))
	return snap, nil
}

// Authenticate verifies the token against the subdomain's live session and
// returns a snapshot. It fails with ErrNotFound for unknown subdomains and
// ErrUnauthorized for bad or expired tokens.
func (r *Registry) Authenticate(subdomain, tok string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.authenticated(subdomain, tok)
	if err != nil {
		return Session{}, err
	}
	return snapshot(st), nil
}

// State returns a snapshot like Authenticate and additionally resets the
// unseen-record counter, marking the client as caught up.
func (r *Registry) State(subdomain, tok string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.authenticated(subdomain, tok)
	if err != nil {
		return Session{}, err
	}
	snap := snapshot(st)
	st.unseenCount = 0
	return snap, nil
}

// UpdateRules atomically replaces the session's DNS rule sequence.
func (r *Registry) UpdateRules(subdomain, tok string, rules []dnsengine.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.authenticated(subdomain, tok)
	if err != nil {
		return err
	}
	st.rules = append([]dnsengine.Rule(nil), rules...)
	return nil
}

// Rules returns the session's rule sequence, or false when no live session
// exists. Used by the DNS listener, which has no token.
func (r *Registry) Rules(subdomain string) ([]dnsengine.Rule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[subdomain]
	if !ok {
		return nil, false
	}
	return append([]dnsengine.Rule(nil), st.rules...), true
}

// Live reports whether a session exists for the subdomain.
func (r *Registry) Live(subdomain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[subdomain]
	return ok
}

// StampRecord assigns the next monotonically increasing record ID for the
// session and bumps its unseen counter. It returns false when the session
// is gone, which rejects in-flight captures for destroyed sessions.
func (r *Registry) StampRecord(subdomain string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[subdomain]
	if !ok {
		return 0, false
	}
	st.nextID++
	st.unseenCount++
	return st.nextID, true
}

// LeaseTCPPort binds the session to a free port from the configured range,
// or returns its existing lease. Ports are owned exclusively by one session
// at a time.
func (r *Registry) LeaseTCPPort(subdomain, tok string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.authenticated(subdomain, tok)
	if err != nil {
		return 0, err
	}
	if st.tcpPort != 0 {
		return st.tcpPort, nil
	}

	for port := r.opts.TCPPortMin; port <= r.opts.TCPPortMax; port++ {
		if _, taken := r.ports[port]; taken {
			continue
		}
		r.ports[port] = subdomain
		st.tcpPort = port
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free TCP capture ports", snerr.ErrResourceExhausted)
}

// ReleaseTCPPort returns a lease without destroying the session, for use
// when binding the listener fails after the lease was granted.
func (r *Registry) ReleaseTCPPort(subdomain string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.ports[port]; ok && owner == subdomain {
		delete(r.ports, port)
	}
	if st, ok := r.sessions[subdomain]; ok && st.tcpPort == port {
		st.tcpPort = 0
	}
}

// PortOwner returns the subdomain owning a leased TCP port.
func (r *Registry) PortOwner(port int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.ports[port]
	return sub, ok
}

// Destroy removes the session and triggers its cleanup hooks: the cache
// shard is evicted, subscribers are closed, and any leased TCP port is
// released. Idempotent.
func (r *Registry) Destroy(subdomain string) {
	r.mu.Lock()
	st, ok := r.sessions[subdomain]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, subdomain)
	for i, sub := range r.order {
		if sub == subdomain {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	port := st.tcpPort
	if port != 0 {
		delete(r.ports, port)
	}
	r.mu.Unlock()

	if r.hooks.EvictShard != nil {
		r.hooks.EvictShard(subdomain)
	}
	if r.hooks.CloseSubscribers != nil {
		r.hooks.CloseSubscribers(subdomain)
	}
	if port != 0 && r.hooks.ReleaseTCPPort != nil {
		r.hooks.ReleaseTCPPort(subdomain, port)
	}
	r.logger.Info("session destroyed", zap.String("subdomain", subdomain))
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run sweeps expired and over-capacity sessions on a ticker until ctx is
// done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepOnce(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce destroys sessions past their TTL and, while the live count
// exceeds the limit, the oldest sessions first.
func (r *Registry) SweepOnce(now time.Time) {
	r.mu.Lock()
	var victims []string
	for sub, st := range r.sessions {
		if now.After(st.expiresAt) {
			victims = append(victims, sub)
		}
	}
	over := len(r.sessions) - len(victims) - r.opts.MaxSessions
	for _, sub := range r.order {
		if over <= 0 {
			break
		}
		if expired(r.sessions[sub], now) {
			continue // already a victim
		}
		victims = append(victims, sub)
		over--
	}
	r.mu.Unlock()

	for _, sub := range victims {
		r.Destroy(sub)
	}
}

func expired(st *state, now time.Time) bool {
	return st == nil || now.After(st.expiresAt)
}

func (r *Registry) authenticated(subdomain, tok string) (*state, error) {
	st, ok := r.sessions[subdomain]
	if !ok {
		return nil, snerr.ErrNotFound
	}
	if err := r.signer.Verify(subdomain, tok); err != nil {
		return nil, err
	}
	return st, nil
}

func snapshot(st *state) Session {
	return Session{
		Subdomain:   st.subdomain,
		Token:       st.token,
		CreatedAt:   st.createdAt,
		ExpiresAt:   st.expiresAt,
		Rules:       append([]dnsengine.Rule(nil), st.rules...),
		UnseenCount: st.unseenCount,
		TCPPort:     st.tcpPort,
	}
}
