package acme

import (
	"strings"
	"sync"
)

// TXTStore holds in-flight DNS-01 challenge records. The DNS listener
// consults it before session resolution so challenge lookups are answered
// even while a session owns a conflicting rule.
type TXTStore struct {
	mu      sync.RWMutex
	records map[string]map[string]struct{}
}

// NewTXTStore creates an empty challenge record store.
func NewTXTStore() *TXTStore {
	return &TXTStore{records: make(map[string]map[string]struct{})}
}

// Add registers a TXT value for the fully qualified challenge name.
func (s *TXTStore) Add(fqdn, value string) {
	fqdn = NormalizeName(fqdn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[fqdn] == nil {
		s.records[fqdn] = make(map[string]struct{})
	}
	s.records[fqdn][value] = struct{}{}
}

// Remove deletes a TXT value, dropping the name when no values remain.
func (s *TXTStore) Remove(fqdn, value string) {
	fqdn = NormalizeName(fqdn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[fqdn] == nil {
		return
	}
	delete(s.records[fqdn], value)
	if len(s.records[fqdn]) == 0 {
		delete(s.records, fqdn)
	}
}

// Get returns all TXT values registered for the name.
func (s *TXTStore) Get(fqdn string) []string {
	fqdn = NormalizeName(fqdn)
	s.mu.RLock()
	defer s.mu.RUnlock()
	vals := s.records[fqdn]
	result := make([]string, 0, len(vals))
	for v := range vals {
		result = append(result, v)
	}
	return result
}

// NormalizeName lowercases a DNS name and strips the trailing dot.
func NormalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
