package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier, e.g. "inv-6f1c...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

const accessCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// AccessCode returns an 8 character code without easily confused glyphs,
// used for unauthenticated invoice lookup.
func AccessCode() string {
	id := uuid.New()
	var b strings.Builder
	b.Grow(8)
	for _, v := range id[:8] {
		b.WriteByte(accessCodeAlphabet[int(v)%len(accessCodeAlphabet)])
	}
	return b.String()
}
