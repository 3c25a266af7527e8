// Package signature authenticates inbound webhook deliveries from the mail provider.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Verifier checks provider signatures of the form hex(HMAC-SHA256(key, timestamp+token)).
type Verifier struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithMaxAge rejects deliveries whose timestamp is older than age. Zero disables the check.
func WithMaxAge(age time.Duration) Option {
	return func(v *Verifier) {
		if age > 0 {
			v.maxAge = age
		}
	}
}

// WithClock overrides the time source used for the age check.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier returns a verifier for the pre-shared signing key.
func NewVerifier(key string, opts ...Option) *Verifier {
	v := &Verifier{key: []byte(key), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Sign computes the expected signature for a timestamp/token pair.
func (v *Verifier) Sign(timestamp, token string) string {
	h := hmac.New(sha256.New, v.key)
	h.Write([]byte(timestamp))
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify fails closed: any missing input or an unset key is a rejection.
func (v *Verifier) Verify(timestamp, token, signature string) bool {
	if v == nil || len(v.key) == 0 {
		return false
	}
	if timestamp == "" || token == "" || signature == "" {
		return false
	}
	if !v.fresh(timestamp) {
		return false
	}
	expected := v.Sign(timestamp, token)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (v *Verifier) fresh(timestamp string) bool {
	if v.maxAge <= 0 {
		return true
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	age := v.now().Sub(time.Unix(secs, 0))
	return age <= v.maxAge && age >= -v.maxAge
}
