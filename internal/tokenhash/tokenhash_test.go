package tokenhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsStableAndHex(t *testing.T) {
	h1 := Hash("a-captcha-token")
	h2 := Hash("a-captcha-token")
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestHashDistinguishesTokens(t *testing.T) {
	require.NotEqual(t, Hash("token-a"), Hash("token-b"))
}
