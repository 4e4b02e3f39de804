package rollout_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/rollout"
)

func TestSelectedIsPure(t *testing.T) {
	first := rollout.Selected("client-1", 20, "v2")
	for i := 0; i < 100; i++ {
		require.Equal(t, first, rollout.Selected("client-1", 20, "v2"))
	}
}

func TestSelectedDistributionConverges(t *testing.T) {
	const n = 20000
	const percent = 30
	selected := 0
	for i := 0; i < n; i++ {
		if rollout.Selected(fmt.Sprintf("client-%d", i), percent, "v7") {
			selected++
		}
	}
	frac := float64(selected) / float64(n)
	require.InDelta(t, float64(percent)/100, frac, 0.03)
}

func TestSelectedPartitionsIndependently(t *testing.T) {
	const n = 5000
	agreeCount := 0
	for i := 0; i < n; i++ {
		client := fmt.Sprintf("client-%d", i)
		a := rollout.Selected(client, 50, "v1")
		b := rollout.Selected(client, 50, "v2")
		if a == b {
			agreeCount++
		}
	}
	// Two distinct release tags should behave like independent coin
	// flips for the same client; agreement should hover near 50%, not
	// be perfectly correlated.
	frac := float64(agreeCount) / float64(n)
	require.InDelta(t, 0.5, frac, 0.1)
}

func TestIsUnfinishedRollout(t *testing.T) {
	hundred := 100
	twenty := 20
	require.False(t, rollout.IsUnfinishedRollout(nil))
	require.False(t, rollout.IsUnfinishedRollout(&hundred))
	require.True(t, rollout.IsUnfinishedRollout(&twenty))
}
