// Package address decodes relay recipient addresses. Four grammars have been
// issued over time and all of them are still live, so they are tried in a
// fixed order and the first match wins.
package address

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrRecipientUnrecognized means the recipient matched none of the grammars.
var ErrRecipientUnrecognized = errors.New("recipient not recognized")

// Kind identifies which grammar matched.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindLegacy
	KindFriendly
	KindShort
	KindBare
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindFriendly:
		return "friendly"
	case KindShort:
		return "short"
	case KindBare:
		return "bare"
	default:
		return "unrecognized"
	}
}

// Resolution is the decoded recipient. Which fields are set depends on Kind:
// legacy carries ApplicationID and ReplyToken, friendly carries Alias,
// AppShortID and ReplyToken, short carries Alias and ReplyToken, bare carries
// only Alias.
type Resolution struct {
	Kind          Kind
	Email         string
	Domain        string
	ApplicationID string
	AppShortID    string
	Alias         string
	ReplyToken    string
}

// IsExplicitReference reports whether the address names an application or token.
func (r Resolution) IsExplicitReference() bool {
	return r.Kind == KindLegacy || r.Kind == KindFriendly || r.Kind == KindShort
}

// IsBareAlias reports whether the address carries only an alias.
func (r Resolution) IsBareAlias() bool {
	return r.Kind == KindBare
}

const (
	aliasPattern = `[a-z][a-z0-9._-]{0,30}[a-z0-9]`
	tokenPattern = `[a-z0-9]{8,64}`
	uuidPattern  = `[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`
)

var (
	angleAddrPattern = regexp.MustCompile(`<\s*([^<>\s@]+@[^<>\s@]+)\s*>`)
	bareAddrPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9\-]+(?:\.[a-zA-Z0-9\-]+)*`)

	legacyPattern   = regexp.MustCompile(`^(?:reply\+)?(` + uuidPattern + `)-(` + tokenPattern + `)$`)
	friendlyPattern = regexp.MustCompile(`^(` + aliasPattern + `)\.([0-9a-f]{8})\.(` + tokenPattern + `)$`)
	shortPattern    = regexp.MustCompile(`^(` + aliasPattern + `)\.(` + tokenPattern + `)$`)
	bareAliasRegexp = regexp.MustCompile(`^` + aliasPattern + `$`)
)

type grammar struct {
	kind  Kind
	parse func(local string) (Resolution, bool)
}

// grammars is ordered: the later grammars are permissive and would shadow the
// earlier, more specific ones.
var grammars = []grammar{
	{KindLegacy, parseLegacy},
	{KindFriendly, parseFriendly},
	{KindShort, parseShort},
	{KindBare, parseBare},
}

// ExtractEmail pulls the lowercase address out of a raw recipient field such
// as `"Display Name" <addr@domain>` or a bare address.
func ExtractEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrRecipientUnrecognized
	}
	if m := angleAddrPattern.FindStringSubmatch(raw); len(m) == 2 {
		return strings.ToLower(strings.TrimSpace(m[1])), nil
	}
	if m := bareAddrPattern.FindString(raw); m != "" {
		return strings.ToLower(m), nil
	}
	return "", ErrRecipientUnrecognized
}

// Resolve classifies the recipient's local part against the known grammars.
func Resolve(raw string) (Resolution, error) {
	email, err := ExtractEmail(raw)
	if err != nil {
		return Resolution{}, err
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return Resolution{}, ErrRecipientUnrecognized
	}
	local, domain := email[:at], email[at+1:]
	for _, g := range grammars {
		if res, ok := g.parse(local); ok {
			res.Kind = g.kind
			res.Email = email
			res.Domain = domain
			return res, nil
		}
	}
	return Resolution{}, ErrRecipientUnrecognized
}

func parseLegacy(local string) (Resolution, bool) {
	m := legacyPattern.FindStringSubmatch(local)
	if len(m) != 3 {
		return Resolution{}, false
	}
	if _, err := uuid.Parse(m[1]); err != nil {
		return Resolution{}, false
	}
	return Resolution{ApplicationID: m[1], ReplyToken: m[2]}, true
}

func parseFriendly(local string) (Resolution, bool) {
	m := friendlyPattern.FindStringSubmatch(local)
	if len(m) != 4 {
		return Resolution{}, false
	}
	return Resolution{Alias: m[1], AppShortID: m[2], ReplyToken: m[3]}, true
}

// parseShort only accepts tokens containing a digit so that natural names
// like firstname.lastname stay bare aliases.
func parseShort(local string) (Resolution, bool) {
	m := shortPattern.FindStringSubmatch(local)
	if len(m) != 3 || !hasDigit(m[2]) {
		return Resolution{}, false
	}
	return Resolution{Alias: m[1], ReplyToken: m[2]}, true
}

func parseBare(local string) (Resolution, bool) {
	if !bareAliasRegexp.MatchString(local) {
		return Resolution{}, false
	}
	return Resolution{Alias: local}, true
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
