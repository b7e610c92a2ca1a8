package ratelimit

import (
	"strings"
	"time"
)

// ClientType distinguishes how a client was identified.
type ClientType string

const (
	// ClientIP identifies a client by normalized peer address.
	ClientIP ClientType = "ip"

	// ClientUser identifies a client by authenticated user id.
	ClientUser ClientType = "user"
)

// Key is the composite identity a limit is tracked under. Keys are unique
// per (client id, client type, endpoint pattern, tier) tuple.
type Key struct {
	ClientID string
	Type     ClientType
	Pattern  string
	Tier     string
}

// keySep is a character that cannot appear in any field, so distinct
// tuples can never produce the same canonical string.
const keySep = "\x1f"

// String returns the canonical store key for this tuple.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(4 + len(k.ClientID) + len(k.Type) + len(k.Pattern) + len(k.Tier) + 4)
	b.WriteString("qg")
	b.WriteString(keySep)
	b.WriteString(string(k.Type))
	b.WriteString(keySep)
	b.WriteString(sanitizeKeyField(k.ClientID))
	b.WriteString(keySep)
	b.WriteString(sanitizeKeyField(k.Tier))
	b.WriteString(keySep)
	b.WriteString(sanitizeKeyField(k.Pattern))
	return b.String()
}

// windowKey derives the storage key for one limit window. Each configured
// window keeps its own counter state, so a per-minute and a per-hour limit
// on the same tuple never share a bucket.
func (k Key) windowKey(window time.Duration) string {
	return k.String() + keySep + window.String()
}

// sanitizeKeyField strips the separator from externally supplied input.
// Client ids come from request headers and token claims; a crafted value
// must not be able to collide with a different tuple.
func sanitizeKeyField(s string) string {
	return strings.ReplaceAll(s, keySep, "_")
}
