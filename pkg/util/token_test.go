package util

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomString(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z0-9]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		s, err := RandomString(8, AlphabetUpperNumeric)
		require.NoError(t, err)
		require.Regexp(t, re, s)
		seen[s] = true
	}
	require.Greater(t, len(seen), 190)
}
