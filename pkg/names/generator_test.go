// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package names

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestNameShape(t *testing.T) {
	gen, err := New(Config{
		Prefix: "DES",
		NodeID: 7,
		Clock:  fixedClock(time.Date(2025, 8, 6, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	name := gen.Next()
	require.Regexp(t, regexp.MustCompile(`^DES_20250806_[0-9A-F]{12}_[0-9A-F]{2}$`), name)
}

func TestDeterministicBlock(t *testing.T) {
	at := time.Date(2025, 8, 6, 0, 0, 0, int(123*time.Millisecond), time.UTC)
	gen, err := New(Config{Prefix: "X", NodeID: 0xAB, WrapBits: 16, Clock: fixedClock(at)})
	require.NoError(t, err)

	block := (uint64(at.UnixMilli())&0xFFFF)<<8 | 0xAB
	want := []byte("X_20250806_")
	name := gen.Next()
	require.Equal(t, string(want), name[:len(want)])
	require.Equal(t, int64(block), parseHex(t, name[len(want):len(want)+12]))
	require.Equal(t, "00", name[len(name)-2:])
}

func parseHex(t *testing.T, s string) int64 {
	t.Helper()
	var v int64
	for _, c := range s {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= int64(c - '0')
		case c >= 'A' && c <= 'F':
			v |= int64(c-'A') + 10
		default:
			t.Fatalf("bad hex rune %q", c)
		}
	}
	return v
}

func TestCounterDistinguishesSameMillisecond(t *testing.T) {
	gen, err := New(Config{Prefix: "DES", Clock: fixedClock(time.Date(2025, 8, 6, 1, 2, 3, 0, time.UTC))})
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 256; i++ {
		name := gen.Next()
		require.False(t, seen[name], "duplicate %s", name)
		seen[name] = true
	}
}

func TestCounterResetsOnNewDay(t *testing.T) {
	now := time.Date(2025, 8, 6, 23, 59, 59, 0, time.UTC)
	gen, err := New(Config{Prefix: "DES", Clock: func() time.Time { return now }})
	require.NoError(t, err)

	first := gen.Next()
	second := gen.Next()
	require.Equal(t, "01", second[len(second)-2:])
	require.NotEqual(t, first, second)

	now = now.Add(2 * time.Second) // crosses midnight
	third := gen.Next()
	require.Contains(t, third, "_20250807_")
	require.Equal(t, "00", third[len(third)-2:])
}

func TestPrefixValidation(t *testing.T) {
	for _, prefix := range []string{"", "has space", "dash-ed", "zażółć", "under_score"} {
		_, err := New(Config{Prefix: prefix})
		require.Error(t, err, prefix)
	}
	for _, prefix := range []string{"DES", "UserCustom", "abc123"} {
		_, err := New(Config{Prefix: prefix})
		require.NoError(t, err, prefix)
	}
}

func TestWrapBitsBound(t *testing.T) {
	_, err := New(Config{Prefix: "DES", WrapBits: 41})
	require.Error(t, err)
}
