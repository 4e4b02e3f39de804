package metastore

import (
	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/model"
	"pushd.sh/pushd/internal/semverx"
)

// PrepareCommit implements spec §3's package-history invariants ahead of
// the actual write: it is shared by the Postgres and memtest backends so
// the business rules live in exactly one place regardless of which
// compare-and-set strategy (row lock vs. CAS loop) a backend uses to
// apply them. history is ordered oldest→newest and must NOT include
// pkg. On success it returns the full post-commit history (history +
// pkg, trimmed to model.MaxHistoryLength) with pkg's Label and Seq set.
func PrepareCommit(history []model.Package, pkg model.Package) ([]model.Package, error) {
	if len(history) > 0 {
		head := history[len(history)-1]
		if head.IsUnfinishedRollout() && !head.IsDisabled {
			return nil, apperr.New(apperr.Conflict, "deployment head is an unfinished rollout; disable or complete it before releasing again")
		}

		if prior, ok := LatestSharingAppVersion(history, pkg.AppVersion); ok && prior.PackageHash == pkg.PackageHash {
			return nil, apperr.New(apperr.Conflict, "package hash %q already released for appVersion %q", pkg.PackageHash, pkg.AppVersion)
		}

		pkg.Seq = head.Seq + 1
		pkg.Label = model.NextLabel(head.Label)
	} else {
		pkg.Seq = 1
		pkg.Label = model.NextLabel("")
	}

	out := append(append([]model.Package{}, history...), pkg)
	if len(out) > model.MaxHistoryLength {
		out = out[len(out)-model.MaxHistoryLength:]
	}
	return out, nil
}

// LatestSharingAppVersion implements spec §3 invariant 4's comparison:
// exact-version match by string equality, range match by canonicalised
// equality (DESIGN.md open question #2). Exported so internal/ingest can
// run the same check ahead of hashing/uploading a payload (spec §4.G
// upload step 5), before CommitPackage would otherwise catch it.
func LatestSharingAppVersion(history []model.Package, appVersion string) (model.Package, bool) {
	key := semverx.CanonicalRangeKey(appVersion)
	for i := len(history) - 1; i >= 0; i-- {
		if semverx.CanonicalRangeKey(history[i].AppVersion) == key {
			return history[i], true
		}
	}
	return model.Package{}, false
}
