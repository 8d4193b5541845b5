package secret

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFormat(t *testing.T) {
	tok, err := Token(PrefixAccess)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tok, "cmail_access_"))
	assert.Regexp(t, regexp.MustCompile(`^cmail_access_[0-9a-f]{64}$`), tok)
}

func TestTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok, err := Token(PrefixCode)
		require.NoError(t, err)
		require.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
}

func TestClientSecretFitsBcrypt(t *testing.T) {
	s, err := ClientSecret()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s, PrefixClientSecret))
	assert.LessOrEqual(t, len(s), 72)
}

func TestNumeric(t *testing.T) {
	for _, digits := range []int{4, 6} {
		pattern := regexp.MustCompile(`^[0-9]{` + string(rune('0'+digits)) + `}$`)
		for i := 0; i < 200; i++ {
			code, err := Numeric(digits)
			require.NoError(t, err)
			assert.Regexp(t, pattern, code)
		}
	}

	_, err := Numeric(0)
	assert.Error(t, err)
}
