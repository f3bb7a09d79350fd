// Package token provides subdomain generation and signed session tokens.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/snarelabs/snare/internal/snerr"
)

const servicePrefix = "snare"

// GenerateSubdomain samples a random lowercase label from the given
// alphabet. The result identifies a session across all protocols.
func GenerateSubdomain(alphabet string, length int) (string, error) {
	if alphabet == "" || length <= 0 {
		return "", fmt.Errorf("invalid subdomain alphabet/length")
	}
	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = alphabet[int(randomBytes[i])%len(alphabet)]
	}
	return string(b), nil
}

// Signer issues and verifies bearer tokens bound to a subdomain and an
// expiry window. Tokens are stateless: verification needs only the secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a Signer with the given HMAC secret and token lifetime.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Issue creates a token for the subdomain, valid until the returned expiry.
// Format: snare_<subdomain>_<expiry-unix>_<hex hmac-sha256>.
func (s *Signer) Issue(subdomain string) (string, time.Time) {
	expiry := time.Now().Add(s.ttl).Truncate(time.Second)
	mac := s.sign(subdomain, expiry.Unix())
	tok := fmt.Sprintf("%s_%s_%d_%s", servicePrefix, subdomain, expiry.Unix(), hex.EncodeToString(mac))
	return tok, expiry
}

// Verify checks that tok was issued for subdomain and has not expired.
// It returns snerr.ErrUnauthorized on any mismatch.
func (s *Signer) Verify(subdomain, tok string) error {
	if !strings.HasPrefix(tok, servicePrefix+"_") {
		return snerr.ErrUnauthorized
	}
	rest := strings.TrimPrefix(tok, servicePrefix+"_")

	// The subdomain alphabet excludes underscores, so splitting from the
	// right is unambiguous.
	parts := strings.Split(rest, "_")
	if len(parts) != 3 {
		return snerr.ErrUnauthorized
	}
	sub, expStr, macHex := parts[0], parts[1], parts[2]

	if sub != subdomain {
		return snerr.ErrUnauthorized
	}

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return snerr.ErrUnauthorized
	}

	mac, err := hex.DecodeString(macHex)
	if err != nil {
		return snerr.ErrUnauthorized
	}

	expected := s.sign(sub, exp)
	if subtle.ConstantTimeCompare(mac, expected) != 1 {
		return snerr.ErrUnauthorized
	}

	if time.Now().Unix() > exp {
		return snerr.ErrUnauthorized
	}

	return nil
}

func (s *Signer) sign(subdomain string, expiry int64) []byte {
	h := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(h, "%s.%d", subdomain, expiry)
	return h.Sum(nil)
}
