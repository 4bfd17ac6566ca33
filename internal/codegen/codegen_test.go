package codegen

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodeShape(t *testing.T) {
	re := regexp.MustCompile(`^TKN-[A-Z0-9]{8}$`)
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		c, err := Code("TKN-", 8)
		require.NoError(t, err)
		require.Regexp(t, re, c)
		seen[c] = struct{}{}
	}
	// 36^8 possibilities; 200 draws colliding would point at a broken source.
	require.Greater(t, len(seen), 195)
}

func TestRandomRejectsBadLength(t *testing.T) {
	_, err := Random(0)
	require.Error(t, err)
}

func TestAPIKeyAndMemberNumber(t *testing.T) {
	k, err := APIKey()
	require.NoError(t, err)
	require.Regexp(t, `^JC-[A-Z0-9]{8}$`, k)

	now := time.UnixMilli(1_700_000_123_456)
	m, err := MemberNumber(now)
	require.NoError(t, err)
	require.Regexp(t, `^JKT123456[0-9]{3}$`, m)
}
