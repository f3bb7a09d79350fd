package acme

import (
	"sort"
	"testing"
)

func TestTXTStoreAddGetRemove(t *testing.T) {
	s := NewTXTStore()
	s.Add("example.com", "value1")
	s.Add("example.com", "value2")

	vals := s.Get("example.com")
	sort.Strings(vals)
	if len(vals) != 2 || vals[0] != "value1" || vals[1] != "value2" {
		t.Errorf("Get = %v, want [value1 value2]", vals)
	}

	s.Remove("example.com", "value1")
	vals = s.Get("example.com")
	if len(vals) != 1 || vals[0] != "value2" {
		t.Errorf("after Remove: got %v, want [value2]", vals)
	}

	// Removing names or values never stored is harmless.
	s.Remove("nonexistent.com", "value")
	s.Remove("example.com", "never-added")
	if vals := s.Get("example.com"); len(vals) != 1 {
		t.Errorf("spurious removal changed the store: %v", vals)
	}
}

func TestTXTStoreGetEmpty(t *testing.T) {
	s := NewTXTStore()
	vals := s.Get("nonexistent.com")
	if vals == nil || len(vals) != 0 {
		t.Errorf("Get on empty store = %v, want empty slice", vals)
	}
}

func TestTXTStoreNormalization(t *testing.T) {
	s := NewTXTStore()
	s.Add("Example.COM.", "value1")

	if vals := s.Get("example.com"); len(vals) != 1 || vals[0] != "value1" {
		t.Errorf("case/dot variants not unified: %v", vals)
	}

	s.Remove("EXAMPLE.com.", "value1")
	if vals := s.Get("example.com"); len(vals) != 0 {
		t.Errorf("normalized removal missed: %v", vals)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"example.com", "example.com"},
		{"Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{"_acme-challenge.Example.COM.", "_acme-challenge.example.com"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeName(tc.input); got != tc.expected {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}
