// Package config loads the fixed process configuration from the environment.
// The resulting struct is handed to the core at startup and never mutated.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the capture core consumes.
type Config struct {
	Domain   string
	PublicIP string

	HTTPPort   int
	HTTPSPort  int
	APIPort    int
	DNSPort    int
	SMTPPort   int
	TCPPortMin int
	TCPPortMax int

	SubdomainAlphabet string
	SubdomainLength   int

	TokenSecret string
	TokenTTL    time.Duration
	SessionTTL  time.Duration
	MaxSessions int

	MaxRequestSize int64
	MaxFileSize    int64
	TCPSampleSize  int

	CacheTTL        time.Duration
	CacheMaxRecords int
	CacheMaxBytes   int

	DefaultTXT      string
	IngestOrphanDNS bool

	DataDir string
}

// FromEnv builds a Config from SNARE_* environment variables, falling back
// to defaults suitable for a single-host deployment. If no token signing
// secret is configured a random one is generated, which invalidates all
// tokens on restart (sessions are volatile anyway).
func FromEnv() (*Config, error) {
	cfg := &Config{
		Domain:   getEnv("SNARE_DOMAIN", "localhost"),
		PublicIP: getEnv("SNARE_PUBLIC_IP", ""),

		HTTPPort:   getEnvInt("SNARE_HTTP_PORT", 80),
		HTTPSPort:  getEnvInt("SNARE_HTTPS_PORT", 443),
		APIPort:    getEnvInt("SNARE_API_PORT", 8081),
		DNSPort:    getEnvInt("SNARE_DNS_PORT", 53),
		SMTPPort:   getEnvInt("SNARE_SMTP_PORT", 25),
		TCPPortMin: getEnvInt("SNARE_TCP_PORT_MIN", 10000),
		TCPPortMax: getEnvInt("SNARE_TCP_PORT_MAX", 10100),

		SubdomainAlphabet: getEnv("SNARE_SUBDOMAIN_ALPHABET", "abcdefghijklmnopqrstuvwxyz0123456789"),
		SubdomainLength:   getEnvInt("SNARE_SUBDOMAIN_LENGTH", 8),

		TokenSecret: os.Getenv("SNARE_TOKEN_SECRET"),
		TokenTTL:    getEnvDuration("SNARE_TOKEN_TTL", 48*time.Hour),
		SessionTTL:  getEnvDuration("SNARE_SESSION_TTL", 48*time.Hour),
		MaxSessions: getEnvInt("SNARE_MAX_SESSIONS", 512),

		MaxRequestSize: int64(getEnvInt("SNARE_MAX_REQUEST_SIZE", 1<<20)),
		MaxFileSize:    int64(getEnvInt("SNARE_MAX_FILE_SIZE", 2<<20)),
		TCPSampleSize:  getEnvInt("SNARE_TCP_SAMPLE_SIZE", 4096),

		CacheTTL:        time.Duration(getEnvInt("SNARE_CACHE_TTL_DAYS", 2)) * 24 * time.Hour,
		CacheMaxRecords: getEnvInt("SNARE_CACHE_MAX_RECORDS", 256),
		CacheMaxBytes:   getEnvInt("SNARE_CACHE_MAX_BYTES", 4<<20),

		DefaultTXT:      getEnv("SNARE_DEFAULT_TXT", "snare-verification"),
		IngestOrphanDNS: getEnvBool("SNARE_DNS_INGEST_ORPHANS", false),

		DataDir: getEnv("SNARE_DATA_DIR", "snare-data"),
	}

	if cfg.TokenSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		cfg.TokenSecret = base64.StdEncoding.EncodeToString(secret)
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
