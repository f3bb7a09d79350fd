// Package acme handles automatic TLS certificate management via ACME DNS-01
// challenges answered by our own authoritative DNS listener.
package acme

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caddyserver/certmagic"
	"go.uber.org/zap"
)

// Manager obtains and renews certificates for the base domain and its
// wildcard. Certificates and account state live under DataDir; the store is
// filesystem-backed because everything else in the process is volatile and
// re-issuing certificates on every restart would burn rate limits.
type Manager struct {
	Domain   string
	Email    string
	Staging  bool
	DataDir  string
	TXTStore *TXTStore
	Logger   *zap.Logger

	config *certmagic.Config
}

// SetLogger configures the global certmagic loggers. Call before starting
// any server that may receive challenge traffic.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	certmagic.Default.Logger = logger
	certmagic.DefaultACME.Logger = logger
}

// NewManager creates an ACME manager writing challenge TXT records into the
// given store.
func NewManager(domain, email, dataDir string, staging bool, store *TXTStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetLogger(logger)
	return &Manager{
		Domain:   domain,
		Email:    email,
		Staging:  staging,
		DataDir:  dataDir,
		TXTStore: store,
		Logger:   logger,
	}
}

// Manage obtains certificates for the domain and its wildcard. The DNS
// listener must already be answering on port 53.
func (m *Manager) Manage(ctx context.Context) error {
	m.config = certmagic.NewDefault()
	m.config.Storage = &certmagic.FileStorage{Path: filepath.Join(m.DataDir, "certmagic")}
	m.config.Logger = m.Logger

	caURL := certmagic.LetsEncryptProductionCA
	if m.Staging {
		caURL = certmagic.LetsEncryptStagingCA
	}

	issuer := certmagic.NewACMEIssuer(m.config, certmagic.ACMEIssuer{
		CA:     caURL,
		Email:  m.Email,
		Agreed: true,
		Logger: m.Logger,
		DNS01Solver: &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &Provider{Store: m.TXTStore},
				Logger:      m.Logger,
			},
		},
	})
	m.config.Issuers = []certmagic.Issuer{issuer}

	// Apex and wildcard share the same _acme-challenge.<domain> TXT name.
	// Validator resolvers may cache the apex challenge record, so the two
	// orders are issued sequentially with a gap.
	if err := m.config.ManageSync(ctx, []string{m.Domain}); err != nil {
		return fmt.Errorf("manage certificate for %s: %w", m.Domain, err)
	}
	time.Sleep(10 * time.Second)
	if err := m.config.ManageSync(ctx, []string{"*." + m.Domain}); err != nil {
		return fmt.Errorf("manage certificate for *.%s: %w", m.Domain, err)
	}
	return nil
}

// TLSConfig returns a TLS configuration serving the managed certificates,
// or nil before Manage has run.
func (m *Manager) TLSConfig() *tls.Config {
	if m.config == nil {
		return nil
	}
	return m.config.TLSConfig()
}
