package xid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a, b := New("inv"), New("inv")
	assert.True(t, strings.HasPrefix(a, "inv-"))
	assert.NotEqual(t, a, b)
}

func TestAccessCodeAlphabet(t *testing.T) {
	code := AccessCode()
	assert.Len(t, code, 8)
	for _, r := range code {
		assert.Contains(t, accessCodeAlphabet, string(r))
	}
}
