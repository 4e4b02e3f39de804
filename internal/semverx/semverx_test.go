package semverx_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/semverx"
)

func TestNormalizeRoundTrips(t *testing.T) {
	cases := []struct{ in, wantNorm string }{
		{"1", "1.0.0"},
		{"2.0", "2.0.0"},
		{"2.0-beta", "2.0.0-beta"},
		{"1.2.3", "1.2.3"},
	}
	for _, c := range cases {
		norm, original, _ := semverx.Normalize(c.in)
		require.Equal(t, c.wantNorm, norm)
		require.Equal(t, c.in, original)
	}
}

func TestSatisfiesExactVersion(t *testing.T) {
	ok, err := semverx.Satisfies("1.0.0", "1.0.0")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = semverx.Satisfies("1.0.1", "1.0.0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSatisfiesRange(t *testing.T) {
	ok, err := semverx.Satisfies("1.5.0", ">=1.0.0 <2.0.0")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = semverx.Satisfies("2.5.0", ">=1.0.0 <2.0.0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanonicalRangeKeyTreatsEquivalentRangesAsEqual(t *testing.T) {
	a := semverx.CanonicalRangeKey(">=1.0.0 <2.0.0")
	b := semverx.CanonicalRangeKey(">=1.0.0   <2.0.0")
	require.Equal(t, a, b)
}

func TestCanonicalRangeKeyDistinguishesExactFromRange(t *testing.T) {
	a := semverx.CanonicalRangeKey("1.0.0")
	b := semverx.CanonicalRangeKey(">=1.0.0 <2.0.0")
	require.NotEqual(t, a, b)
}

func TestGreaterThanRange(t *testing.T) {
	gt, err := semverx.GreaterThanRange("3.0.0", ">=1.0.0 <2.0.0")
	require.NoError(t, err)
	require.True(t, gt)

	gt, err = semverx.GreaterThanRange("0.5.0", ">=1.0.0 <2.0.0")
	require.NoError(t, err)
	require.False(t, gt)
}
