// Package resolver implements spec §4.F: the pure function mapping a
// deployment's package history and a client's self-reported state to the
// correct update answer. It performs no I/O and has no dependency on the
// metadata, blob, or cache gateways — callers (internal/acquire) own
// wiring this into the rest of the system.
package resolver

import (
	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/model"
	"pushd.sh/pushd/internal/rollout"
	"pushd.sh/pushd/internal/semverx"
)

// UpdateCheckRequest is the client's self-reported state, per spec §4.F.
type UpdateCheckRequest struct {
	DeploymentKey  string
	AppVersion     string
	PackageHash    string
	Label          string
	IsCompanion    bool
	ClientUniqueID string
}

// UpdateCheckResponse is the "updateInfo" payload shape from spec §6.
type UpdateCheckResponse struct {
	IsAvailable            bool   `json:"isAvailable"`
	AppVersion             string `json:"appVersion"`
	PackageHash            string `json:"packageHash,omitempty"`
	Label                  string `json:"label,omitempty"`
	Description            string `json:"description,omitempty"`
	IsMandatory            bool   `json:"isMandatory"`
	DownloadURL            string `json:"downloadURL,omitempty"`
	PackageSize            int64  `json:"packageSize,omitempty"`
	UpdateAppVersion       bool   `json:"updateAppVersion,omitempty"`
	ShouldRunBinaryVersion bool   `json:"shouldRunBinaryVersion,omitempty"`
}

// UpdateCheckCacheResponse is the value stored in, and served from, the
// response cache (spec §3's "update-check cache entry").
type UpdateCheckCacheResponse struct {
	OriginalPackage UpdateCheckResponse  `json:"originalPackage"`
	Rollout         *int                 `json:"rollout,omitempty"`
	RolloutPackage  *UpdateCheckResponse `json:"rolloutPackage,omitempty"`
}

// Resolve is spec §4.F's entry point. history is ordered oldest→newest.
func Resolve(history []model.Package, req UpdateCheckRequest) (UpdateCheckCacheResponse, error) {
	if !model.IsValidDeploymentKey(req.DeploymentKey) {
		return UpdateCheckCacheResponse{}, apperr.New(apperr.MalformedRequest, "invalid or missing deploymentKey")
	}
	if req.AppVersion == "" {
		return UpdateCheckCacheResponse{}, apperr.New(apperr.MalformedRequest, "missing appVersion")
	}
	if !semverx.IsValid(req.AppVersion) {
		return UpdateCheckCacheResponse{}, apperr.New(apperr.MalformedRequest, "appVersion %q is not a valid semver version or range", req.AppVersion)
	}

	normalizedVersion, originalVersion, _ := semverx.Normalize(req.AppVersion)

	allow := innerResolve(history, req, normalizedVersion, originalVersion, true)
	ignore := innerResolve(history, req, normalizedVersion, originalVersion, false)

	if allow.offeredPackage != nil && allow.offeredPackage.IsUnfinishedRollout() {
		percent := *allow.offeredPackage.Rollout
		rolloutResp := allow.response
		return UpdateCheckCacheResponse{
			OriginalPackage: ignore.response,
			Rollout:         &percent,
			RolloutPackage:  &rolloutResp,
		}, nil
	}

	return UpdateCheckCacheResponse{OriginalPackage: allow.response}, nil
}

// SelectRollout applies spec §4.H's post-cache rollout step: given a
// cached answer and the requesting client's unique ID, decide whether
// the client receives the rollout package or falls back to the original.
func SelectRollout(cached UpdateCheckCacheResponse, clientUniqueID string) UpdateCheckResponse {
	if cached.RolloutPackage == nil || clientUniqueID == "" {
		return cached.OriginalPackage
	}
	tag := cached.RolloutPackage.Label
	if tag == "" {
		tag = cached.RolloutPackage.PackageHash
	}
	percent := 0
	if cached.Rollout != nil {
		percent = *cached.Rollout
	}
	if rollout.Selected(clientUniqueID, percent, tag) {
		return *cached.RolloutPackage
	}
	return cached.OriginalPackage
}

type innerResult struct {
	response       UpdateCheckResponse
	offeredPackage *model.Package
}

// innerResolve is the walk described by spec §4.F's numbered steps 1-6,
// followed by the decision phase. allowRollout selects whether unfinished
// rollouts are visible candidates.
func innerResolve(history []model.Package, req UpdateCheckRequest, normalizedVersion, originalVersion string, allowRollout bool) innerResult {
	var (
		foundRequestPackageInHistory bool
		shouldMakeUpdateMandatory    bool
		latestEnabled                *model.Package
		latestSatisfying             *model.Package
	)

	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]

		if matchesClientCurrent(entry, req) {
			foundRequestPackageInHistory = true
		}

		if entry.IsDisabled || (!allowRollout && entry.IsUnfinishedRollout()) {
			continue
		}

		if latestEnabled == nil {
			e := entry
			latestEnabled = &e
		}

		if req.IsCompanion {
			if latestSatisfying == nil {
				e := entry
				latestSatisfying = &e
			}
		} else if ok, _ := semverx.Satisfies(normalizedVersion, entry.AppVersion); ok {
			if latestSatisfying == nil {
				e := entry
				latestSatisfying = &e
			}
		}

		if foundRequestPackageInHistory {
			break
		}
		if entry.IsMandatory {
			shouldMakeUpdateMandatory = true
			break
		}
	}

	if latestEnabled == nil {
		return innerResult{response: UpdateCheckResponse{
			IsAvailable:            false,
			ShouldRunBinaryVersion: true,
			AppVersion:             originalVersion,
		}}
	}

	shouldRunBinaryVersion := latestSatisfying == nil
	if shouldRunBinaryVersion || latestSatisfying.PackageHash == req.PackageHash {
		resp := UpdateCheckResponse{
			IsAvailable:            false,
			ShouldRunBinaryVersion: shouldRunBinaryVersion,
			AppVersion:             originalVersion,
		}

		if gt, _ := semverx.GreaterThanRange(normalizedVersion, latestEnabled.AppVersion); gt {
			resp.AppVersion = latestEnabled.AppVersion
			if resp.AppVersion == normalizedVersion {
				resp.AppVersion = originalVersion
			}
			if ok, _ := semverx.Satisfies(normalizedVersion, latestEnabled.AppVersion); !ok {
				resp.UpdateAppVersion = true
			}
		}

		return innerResult{response: resp}
	}

	resp := UpdateCheckResponse{
		IsAvailable: true,
		AppVersion:  originalVersion,
		Description: latestSatisfying.Description,
		IsMandatory: shouldMakeUpdateMandatory || latestSatisfying.IsMandatory,
		Label:       latestSatisfying.Label,
		PackageHash: latestSatisfying.PackageHash,
	}

	if diff, ok := latestSatisfying.DiffPackageMap[req.PackageHash]; ok && req.PackageHash != "" {
		resp.DownloadURL = diff.URL
		resp.PackageSize = diff.Size
	} else {
		resp.DownloadURL = latestSatisfying.BlobURL
		resp.PackageSize = latestSatisfying.Size
	}

	offered := *latestSatisfying
	return innerResult{response: resp, offeredPackage: &offered}
}

// matchesClientCurrent implements step 1 of spec §4.F's walk: the
// client's current release matches entry by label (when the request
// carries one), else by packageHash, else unconditionally when the
// client reported neither.
func matchesClientCurrent(entry model.Package, req UpdateCheckRequest) bool {
	switch {
	case req.Label != "":
		return entry.Label == req.Label
	case req.PackageHash != "":
		return entry.PackageHash == req.PackageHash
	default:
		return true
	}
}
