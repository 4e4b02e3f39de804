package apperr_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/apperr"
)

func TestKindOfRoundTrips(t *testing.T) {
	err := apperr.New(apperr.Conflict, "release %q already has an unfinished rollout", "v3")
	require.Equal(t, apperr.Conflict, apperr.KindOf(err))
	require.Equal(t, 409, apperr.HTTPStatus(apperr.KindOf(err)))
}

func TestWrapPreservesKindThroughFmtWrap(t *testing.T) {
	base := apperr.New(apperr.NotFound, "deployment not found")
	wrapped := fmt.Errorf("resolveDeployment: %w", base)
	require.Equal(t, apperr.NotFound, apperr.KindOf(wrapped))
}

func TestUnclassifiedErrorIsOther(t *testing.T) {
	require.Equal(t, apperr.Other, apperr.KindOf(fmt.Errorf("boom")))
	require.Equal(t, 500, apperr.HTTPStatus(apperr.Other))
}
