package utils

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := GenerateToken()

		assert.NotEmpty(t, tok)
		assert.False(t, seen[tok], "token collision after %d draws", i)
		seen[tok] = true

		// Tokens land in URL paths unescaped
		assert.Equal(t, tok, url.PathEscape(tok))
	}
}
