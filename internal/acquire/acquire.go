// Package acquire implements spec §4.H's acquisition endpoint: the
// update-check and status-report operations a running client device
// calls. It wires internal/resolver's pure decision to
// internal/metastore and internal/cachestore, applying the cache-first
// strategy and the two reportStatusDeploy protocols spec §4.H
// describes. Grounded on helm-helm's cmd/tiller release server, which
// wraps a pure package (pkg/releaseutil) with exactly this shape of
// cache/metadata glue.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/cachestore"
	"pushd.sh/pushd/internal/metastore"
	"pushd.sh/pushd/internal/resolver"
	"pushd.sh/pushd/internal/telemetry"
)

// legacyProtocolCutoff is spec §4.H's constant: clients reporting an SDK
// version at or above this value use the modern reportStatusDeploy
// protocol; older clients use the label-diffing fallback.
const legacyProtocolCutoff = "1.5.2-beta"

// Service is the acquisition endpoint's application service.
type Service struct {
	meta  metastore.Gateway
	cache cachestore.Gateway
}

// New constructs a Service.
func New(meta metastore.Gateway, cache cachestore.Gateway) *Service {
	return &Service{meta: meta, cache: cache}
}

func deploymentKeyHash(deploymentKey string) string {
	sum := sha256.Sum256([]byte(deploymentKey))
	return hex.EncodeToString(sum[:])
}

// NormalizeCacheURL implements spec §4.H's cache-key normalisation:
// clientUniqueId is stripped from the query so that requests from
// different devices against an otherwise identical update check share a
// cache entry. Remaining keys are sorted so equivalent queries with
// reordered parameters also share an entry.
func NormalizeCacheURL(path string, query url.Values) string {
	out := url.Values{}
	for k, v := range query {
		if k == "clientUniqueId" {
			continue
		}
		out[k] = v
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		for _, v := range out[k] {
			b.WriteString(v)
		}
	}
	return b.String()
}

// UpdateInfo is the wire shape of spec §6's "updateInfo" object: the
// resolver's pure answer plus target_binary_range, a protocol field the
// resolver itself has no reason to know about.
type UpdateInfo struct {
	resolver.UpdateCheckResponse
	TargetBinaryRange string `json:"target_binary_range"`
}

// UpdateCheckResult is UpdateCheck's outcome: the answer to send the
// client, plus a cache error (if any) that must be surfaced only after
// the response has already been written, per spec §4.H. CacheReadErr
// holds the GetCached failure or, when the cache write that follows a
// miss fails, the SetCached failure.
type UpdateCheckResult struct {
	Info         UpdateInfo
	FromCache    bool
	CacheReadErr error
}

// UpdateCheck implements spec §4.H's updateCheck operation.
func (s *Service) UpdateCheck(ctx context.Context, cacheURL string, req resolver.UpdateCheckRequest) (UpdateCheckResult, error) {
	keyHash := deploymentKeyHash(req.DeploymentKey)

	cached, cacheErr := s.cache.GetCached(ctx, keyHash, cacheURL)

	var (
		answer    resolver.UpdateCheckCacheResponse
		fromCache bool
	)
	if cacheErr == nil && cached != nil {
		answer = *cached
		fromCache = true
		telemetry.UpdateCheckCacheHits.Inc()
	} else {
		telemetry.UpdateCheckCacheMisses.Inc()
		info, err := s.meta.GetDeploymentInfo(ctx, req.DeploymentKey)
		if err != nil {
			return UpdateCheckResult{}, err
		}
		history, err := s.meta.GetPackageHistory(ctx, info.DeploymentID)
		if err != nil {
			return UpdateCheckResult{}, err
		}
		answer, err = resolver.Resolve(history, req)
		if err != nil {
			return UpdateCheckResult{}, err
		}
	}

	selected := resolver.SelectRollout(answer, req.ClientUniqueID)

	if !fromCache {
		if err := s.cache.SetCached(ctx, keyHash, cacheURL, answer); err != nil {
			// Failing to populate the cache never blocks the response;
			// the next request simply recomputes it.
			cacheErr = err
		}
	}

	result := UpdateCheckResult{
		Info: UpdateInfo{
			UpdateCheckResponse: selected,
			TargetBinaryRange:   selected.AppVersion,
		},
		FromCache: fromCache,
	}
	if cacheErr != nil {
		result.CacheReadErr = cacheErr
	}
	return result, nil
}

// ReportStatusDeployRequest is spec §4.H's reportStatusDeploy input.
type ReportStatusDeployRequest struct {
	DeploymentKey             string
	AppVersion                string
	Label                     string
	Status                    string // "DeploymentSucceeded" | "DeploymentFailed", empty when the client has no release to report against
	ClientUniqueID            string
	PreviousDeploymentKey     string
	PreviousLabelOrAppVersion string
	SDKVersion                string
}

func isModernProtocol(sdkVersion string) bool {
	if sdkVersion == "" {
		return false
	}
	v, err := semver.NewVersion(sdkVersion)
	if err != nil {
		return false
	}
	cutoff, err := semver.NewVersion(legacyProtocolCutoff)
	if err != nil {
		return false
	}
	return !v.LessThan(cutoff)
}

// ReportStatusDeploy implements spec §4.H's SDK-version-branched
// reportStatusDeploy protocol.
func (s *Service) ReportStatusDeploy(ctx context.Context, req ReportStatusDeployRequest) error {
	if req.Status != "" && req.Label == "" {
		return apperr.New(apperr.MalformedRequest, "status requires a label")
	}

	newLabelOrVersion := req.Label
	if newLabelOrVersion == "" {
		newLabelOrVersion = req.AppVersion
	}

	if isModernProtocol(req.SDKVersion) {
		switch req.Status {
		case "DeploymentFailed":
			return s.cache.IncrementLabel(ctx, req.DeploymentKey, req.Label, cachestore.DeploymentFailed)
		case "DeploymentSucceeded":
			if err := s.cache.IncrementLabel(ctx, req.DeploymentKey, newLabelOrVersion, cachestore.DeploymentSucceeded); err != nil {
				return err
			}
			if req.ClientUniqueID == "" {
				return nil
			}
			if req.PreviousDeploymentKey != "" && req.PreviousDeploymentKey != req.DeploymentKey {
				if err := s.cache.RemoveDeploymentKeyClientActiveLabel(ctx, req.PreviousDeploymentKey, req.ClientUniqueID); err != nil {
					return err
				}
				return s.cache.UpdateActiveAppForClient(ctx, req.DeploymentKey, req.ClientUniqueID, newLabelOrVersion, "")
			}
			return s.cache.UpdateActiveAppForClient(ctx, req.DeploymentKey, req.ClientUniqueID, newLabelOrVersion, req.PreviousLabelOrAppVersion)
		default:
			return nil
		}
	}

	// Legacy protocol: no explicit status, only a label/appVersion report.
	// Patch counters only when the client's recorded active label changed.
	current, err := s.cache.ActiveLabelForClient(ctx, req.DeploymentKey, req.ClientUniqueID)
	if err != nil {
		return err
	}
	if current == newLabelOrVersion {
		return nil
	}
	if err := s.cache.IncrementLabel(ctx, req.DeploymentKey, newLabelOrVersion, cachestore.DeploymentSucceeded); err != nil {
		return err
	}
	if req.ClientUniqueID == "" {
		return nil
	}
	return s.cache.UpdateActiveAppForClient(ctx, req.DeploymentKey, req.ClientUniqueID, newLabelOrVersion, current)
}

// ReportStatusDownload implements spec §4.H's reportStatusDownload
// operation: increments the Downloaded counter for (deploymentKey, label).
func (s *Service) ReportStatusDownload(ctx context.Context, deploymentKey, label string) error {
	return s.cache.IncrementLabel(ctx, deploymentKey, label, cachestore.Downloaded)
}
