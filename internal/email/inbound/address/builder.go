package address

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// The builders below are shared by the application send path and the
// reply-from-inbox send path. Every address they produce resolves back to
// the same grammar.

const (
	tokenAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	defaultTokenBytes = 16
)

// NewReplyToken returns a random lowercase alphanumeric token of the given
// length (16 when n < 8). The token always contains a digit so that it stays
// valid in the short grammar.
func NewReplyToken(n int) (string, error) {
	if n < 8 {
		n = defaultTokenBytes
	}
	if n > 64 {
		n = 64
	}
	max := big.NewInt(int64(len(tokenAlphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate reply token: %w", err)
		}
		buf[i] = tokenAlphabet[idx.Int64()]
	}
	if !hasDigit(string(buf)) {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate reply token: %w", err)
		}
		buf[len(buf)-1] = byte('0' + d.Int64())
	}
	return string(buf), nil
}

// ShortID is the 8 hex character application id prefix used by friendly addresses.
func ShortID(applicationID string) string {
	id := strings.ToLower(strings.ReplaceAll(applicationID, "-", ""))
	if len(id) < 8 {
		return id
	}
	return id[:8]
}

// NormalizeAlias lowercases an alias and strips characters the grammars reject.
func NormalizeAlias(alias string) string {
	alias = strings.ToLower(strings.TrimSpace(alias))
	var b strings.Builder
	for _, r := range alias {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "._-")
	for len(out) > 0 && out[0] >= '0' && out[0] <= '9' {
		out = out[1:]
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "._-")
	}
	return out
}

// BuildLegacy formats the original per-application address.
func BuildLegacy(applicationID, token, domain string) (string, error) {
	return build(KindLegacy, fmt.Sprintf("reply+%s-%s", strings.ToLower(applicationID), token), domain)
}

// BuildFriendly formats alias.shortid.token@domain.
func BuildFriendly(alias, applicationID, token, domain string) (string, error) {
	return build(KindFriendly, fmt.Sprintf("%s.%s.%s", NormalizeAlias(alias), ShortID(applicationID), token), domain)
}

// BuildShort formats alias.token@domain.
func BuildShort(alias, token, domain string) (string, error) {
	return build(KindShort, fmt.Sprintf("%s.%s", NormalizeAlias(alias), token), domain)
}

// BuildBare formats alias@domain.
func BuildBare(alias, domain string) (string, error) {
	return build(KindBare, NormalizeAlias(alias), domain)
}

func build(kind Kind, local, domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "", fmt.Errorf("build %s address: domain required", kind)
	}
	addr := local + "@" + domain
	res, err := Resolve(addr)
	if err != nil || res.Kind != kind {
		return "", fmt.Errorf("build %s address: %q does not round-trip", kind, addr)
	}
	return addr, nil
}
