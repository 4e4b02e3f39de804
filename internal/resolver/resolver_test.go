package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/model"
	"pushd.sh/pushd/internal/resolver"
)

const key = "ABCDEFGHIJ0123456789"

func TestS1FirstClientNoHistory(t *testing.T) {
	resp, err := resolver.Resolve(nil, resolver.UpdateCheckRequest{
		DeploymentKey: key,
		AppVersion:    "1.0.0",
	})
	require.NoError(t, err)
	require.False(t, resp.OriginalPackage.IsAvailable)
	require.True(t, resp.OriginalPackage.ShouldRunBinaryVersion)
}

func TestS2AvailableUpdate(t *testing.T) {
	history := []model.Package{
		{Label: "v1", AppVersion: "1.0.0", PackageHash: "H1", BlobURL: "U1", Size: 100},
	}
	resp, err := resolver.Resolve(history, resolver.UpdateCheckRequest{
		DeploymentKey: key,
		AppVersion:    "1.0.0",
		PackageHash:   "H0",
	})
	require.NoError(t, err)
	u := resp.OriginalPackage
	require.True(t, u.IsAvailable)
	require.Equal(t, "v1", u.Label)
	require.Equal(t, "U1", u.DownloadURL)
	require.EqualValues(t, 100, u.PackageSize)
	require.False(t, u.IsMandatory)
	require.Equal(t, "1.0.0", u.AppVersion)
}

func TestS3MandatoryPropagation(t *testing.T) {
	history := []model.Package{
		{Label: "v1", AppVersion: "1.0.0", PackageHash: "H1", BlobURL: "U1", IsMandatory: false},
		{Label: "v2", AppVersion: "1.0.0", PackageHash: "H2", BlobURL: "U2", IsMandatory: true},
		{Label: "v3", AppVersion: "1.0.0", PackageHash: "H3", BlobURL: "U3", IsMandatory: false},
	}
	resp, err := resolver.Resolve(history, resolver.UpdateCheckRequest{
		DeploymentKey: key,
		AppVersion:    "1.0.0",
		PackageHash:   "H1",
	})
	require.NoError(t, err)
	require.Equal(t, "v3", resp.OriginalPackage.Label)
	require.True(t, resp.OriginalPackage.IsMandatory)
}

func TestS4RolloutSplit(t *testing.T) {
	rolloutPct := 20
	history := []model.Package{
		{Label: "v1", AppVersion: "1.0.0", PackageHash: "H1", BlobURL: "U1"},
		{Label: "v2", AppVersion: "1.0.0", PackageHash: "H2", BlobURL: "U2", Rollout: &rolloutPct},
	}

	cached, err := resolver.Resolve(history, resolver.UpdateCheckRequest{
		DeploymentKey: key,
		AppVersion:    "1.0.0",
		PackageHash:   "H0",
	})
	require.NoError(t, err)
	require.NotNil(t, cached.RolloutPackage)
	require.Equal(t, "v2", cached.RolloutPackage.Label)
	require.Equal(t, "v1", cached.OriginalPackage.Label)

	// find two client ids that land on opposite sides of a 20% rollout
	// for release "v2".
	var below, above string
	for i := 0; i < 10000; i++ {
		id := randClientID(i)
		if selectedBucket(id, "v2") < 20 && below == "" {
			below = id
		}
		if selectedBucket(id, "v2") >= 20 && above == "" {
			above = id
		}
		if below != "" && above != "" {
			break
		}
	}
	require.NotEmpty(t, below)
	require.NotEmpty(t, above)

	got := resolver.SelectRollout(cached, below)
	require.Equal(t, "v2", got.Label)

	got = resolver.SelectRollout(cached, above)
	require.Equal(t, "v1", got.Label)
}

func TestS5DiffURLSelection(t *testing.T) {
	history := []model.Package{
		{
			Label: "v2", AppVersion: "1.0.0", PackageHash: "H2", BlobURL: "U2", Size: 500,
			DiffPackageMap: map[string]model.DiffEntry{"H1": {URL: "D.url", Size: 10}},
		},
	}

	resp, err := resolver.Resolve(history, resolver.UpdateCheckRequest{
		DeploymentKey: key,
		AppVersion:    "1.0.0",
		PackageHash:   "H1",
	})
	require.NoError(t, err)
	require.Equal(t, "D.url", resp.OriginalPackage.DownloadURL)
	require.EqualValues(t, 10, resp.OriginalPackage.PackageSize)

	resp, err = resolver.Resolve(history, resolver.UpdateCheckRequest{
		DeploymentKey: key,
		AppVersion:    "1.0.0",
		PackageHash:   "H_other",
	})
	require.NoError(t, err)
	require.Equal(t, "U2", resp.OriginalPackage.DownloadURL)
	require.EqualValues(t, 500, resp.OriginalPackage.PackageSize)
}

func TestMalformedRequestRejected(t *testing.T) {
	_, err := resolver.Resolve(nil, resolver.UpdateCheckRequest{DeploymentKey: "short", AppVersion: "1.0.0"})
	require.Error(t, err)

	_, err = resolver.Resolve(nil, resolver.UpdateCheckRequest{DeploymentKey: key, AppVersion: ""})
	require.Error(t, err)

	_, err = resolver.Resolve(nil, resolver.UpdateCheckRequest{DeploymentKey: key, AppVersion: "not-a-version"})
	require.Error(t, err)
}

func TestVersionNormalizationRoundTrips(t *testing.T) {
	// Each client version satisfies the release's appVersion, so the
	// answer carries the client's own version string back.
	cases := []struct{ in, released string }{
		{"1", "1.0.0"},
		{"2.0", "2.0.0"},
		{"2.0-beta", "2.0.0-beta"},
		{"1.2.3", "1.2.3"},
	}
	for _, c := range cases {
		history := []model.Package{
			{Label: "v1", AppVersion: c.released, PackageHash: "H1", BlobURL: "U1"},
		}
		resp, err := resolver.Resolve(history, resolver.UpdateCheckRequest{
			DeploymentKey: key,
			AppVersion:    c.in,
			PackageHash:   "nonexistent",
		})
		require.NoError(t, err)
		require.Equal(t, c.in, resp.OriginalPackage.AppVersion)
	}
}

func TestResolveIsPureAndDeterministic(t *testing.T) {
	history := []model.Package{
		{Label: "v1", AppVersion: "1.0.0", PackageHash: "H1", BlobURL: "U1"},
	}
	req := resolver.UpdateCheckRequest{DeploymentKey: key, AppVersion: "1.0.0", PackageHash: "H0"}
	a, err := resolver.Resolve(history, req)
	require.NoError(t, err)
	b, err := resolver.Resolve(history, req)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

// helpers mirroring internal/rollout's recurrence so the test can locate
// client IDs on both sides of a rollout split without importing rollout
// directly into a resolver test (keeping the resolver package's test
// dependency surface limited to what it exercises).
func selectedBucket(clientUniqueID, releaseTag string) int {
	id := clientUniqueID + "-" + releaseTag
	var h int32
	for i := 0; i < len(id); i++ {
		h = (h << 5) - h + int32(id[i])
	}
	if h < 0 {
		h = -h
	}
	return int(h % 100)
}

func randClientID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 0, 12)
	n := i + 1
	for n > 0 {
		b = append(b, letters[n%26])
		n /= 26
	}
	return string(b)
}
