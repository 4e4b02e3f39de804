// Package ingest implements spec §4.G's release ingestor: the upload,
// promote, rollback, and patch paths invoked by internal/manage. It
// validates metadata, hashes and stores payloads via internal/hasher
// and internal/blobstore, commits through internal/metastore (which
// enforces spec §3's history invariants), invalidates the response
// cache via internal/cachestore, and schedules diff post-processing on
// a bounded worker pool (internal/ingest/diffpool). The commit response
// never waits for a diff to finish, though scheduling waits for a free
// pool slot while every slot is busy.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/blobstore"
	"pushd.sh/pushd/internal/cachestore"
	"pushd.sh/pushd/internal/hasher"
	"pushd.sh/pushd/internal/ingest/diffpool"
	"pushd.sh/pushd/internal/logging"
	"pushd.sh/pushd/internal/metastore"
	"pushd.sh/pushd/internal/model"
	"pushd.sh/pushd/internal/semverx"
	"pushd.sh/pushd/internal/telemetry"
)

// DefaultMaxDiffCandidates is spec §4.G's default N: up to this many
// prior releases sharing the binary version range are diffed against a
// freshly committed ZIP release.
const DefaultMaxDiffCandidates = 5

// Differ computes a binary delta from from's payload to to's payload,
// returning the delta's bytes and length. A nil Differ disables diff
// post-processing entirely (DESIGN.md's "diffing as an absent
// capability" decision) — spec §1 scopes diff *computation* itself out,
// only invoking an external differ.
type Differ interface {
	Diff(ctx context.Context, from, to model.Package) (body io.Reader, size int64, err error)
}

// Service is the release ingestor.
type Service struct {
	meta   metastore.Gateway
	blobs  blobstore.Gateway
	cache  cachestore.Gateway
	differ Differ
	pool   *diffpool.Pool

	maxDiffCandidates int
}

// New constructs a Service. pool may be shared across Services; if
// differ is nil, diff post-processing is skipped (see Differ).
func New(meta metastore.Gateway, blobs blobstore.Gateway, cache cachestore.Gateway, differ Differ, pool *diffpool.Pool) *Service {
	return &Service{
		meta:              meta,
		blobs:             blobs,
		cache:             cache,
		differ:            differ,
		pool:              pool,
		maxDiffCandidates: DefaultMaxDiffCandidates,
	}
}

// WithMaxDiffCandidates overrides the default diff-candidate limit.
func (s *Service) WithMaxDiffCandidates(n int) *Service {
	s.maxDiffCandidates = n
	return s
}

// WaitForDiffPool blocks until every diff scheduled so far on s's pool has
// finished. Tests only; the request path never waits on diff completion.
func (s *Service) WaitForDiffPool() {
	if s.pool != nil {
		s.pool.Wait()
	}
}

func deploymentKeyHash(deploymentKey string) string {
	sum := sha256.Sum256([]byte(deploymentKey))
	return hex.EncodeToString(sum[:])
}

// invalidateCache runs off the request path, in a detached goroutine, so
// a slow or failing cache never delays the commit response the caller
// sends immediately after Upload/Promote/Rollback/Patch returns. Per
// spec §4.G, a failure here is logged once the background invalidation
// finishes, never surfaced to the caller.
func (s *Service) invalidateCache(ctx context.Context, deploymentKey string) {
	logger := logging.From(ctx)
	go func() {
		if err := s.cache.Invalidate(context.Background(), deploymentKeyHash(deploymentKey)); err != nil {
			logger.Warn().Err(err).Str("deployment_key_hash", deploymentKeyHash(deploymentKey)).Msg("cache invalidation failed")
		}
	}()
}

func validateRollout(rollout *int) error {
	if rollout == nil {
		return nil
	}
	if *rollout < 1 || *rollout > 100 {
		return apperr.New(apperr.MalformedRequest, "rollout must be in [1,100]")
	}
	return nil
}

func validateAppVersion(appVersion string) error {
	if !semverx.IsValid(appVersion) {
		return apperr.New(apperr.MalformedRequest, "appVersion %q is not a valid semver version or range", appVersion)
	}
	return nil
}

// UploadRequest is spec §4.G's upload path input.
type UploadRequest struct {
	DeploymentID  string
	DeploymentKey string
	Payload       io.Reader
	AppVersion    string
	IsMandatory   bool
	Rollout       *int
	Description   string
	ReleasedBy    string
}

// Upload implements spec §4.G's numbered upload path.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (model.Package, error) {
	if err := validateAppVersion(req.AppVersion); err != nil {
		return model.Package{}, err
	}
	if err := validateRollout(req.Rollout); err != nil {
		return model.Package{}, err
	}

	history, err := s.meta.GetPackageHistory(ctx, req.DeploymentID)
	if err != nil {
		return model.Package{}, err
	}
	if len(history) > 0 {
		head := history[len(history)-1]
		if head.IsUnfinishedRollout() && !head.IsDisabled {
			return model.Package{}, apperr.New(apperr.Conflict, "deployment head is an unfinished rollout; disable or complete it before releasing again")
		}
	}

	path, size, cleanup, err := stagePayload(req.Payload)
	if err != nil {
		return model.Package{}, apperr.Wrap(apperr.MalformedRequest, err)
	}
	defer cleanup()
	if size == 0 {
		return model.Package{}, apperr.New(apperr.MalformedRequest, "empty release payload")
	}

	hash, manifest, isZip, err := hashPayloadFile(path)
	if err != nil {
		return model.Package{}, apperr.Wrap(apperr.MalformedRequest, err)
	}

	if prior, ok := metastore.LatestSharingAppVersion(history, req.AppVersion); ok && prior.PackageHash == hash {
		return model.Package{}, apperr.New(apperr.Conflict, "package hash %q already released for appVersion %q", hash, req.AppVersion)
	}

	payload, err := os.Open(path)
	if err != nil {
		return model.Package{}, apperr.Wrap(apperr.Other, err)
	}
	defer payload.Close()

	contentType := "application/octet-stream"
	if isZip {
		contentType = "application/zip"
	}
	if err := s.blobs.PutBlob(ctx, hash, payload, size, contentType); err != nil {
		return model.Package{}, err
	}

	var manifestURL string
	if isZip {
		manifestBody, err := hasher.MarshalManifest(manifest)
		if err != nil {
			return model.Package{}, apperr.Wrap(apperr.Other, err)
		}
		manifestBlobID := hash + "-manifest"
		if err := s.blobs.PutBlob(ctx, manifestBlobID, bytes.NewReader(manifestBody), int64(len(manifestBody)), "application/json"); err != nil {
			return model.Package{}, err
		}
		manifestURL, err = s.blobs.GetBlobURL(ctx, manifestBlobID)
		if err != nil {
			return model.Package{}, err
		}
	}

	blobURL, err := s.blobs.GetBlobURL(ctx, hash)
	if err != nil {
		return model.Package{}, err
	}

	pkg := model.Package{
		AppVersion:      req.AppVersion,
		BlobURL:         blobURL,
		Size:            size,
		PackageHash:     hash,
		ManifestBlobURL: manifestURL,
		IsMandatory:     req.IsMandatory,
		Rollout:         req.Rollout,
		ReleaseMethod:   model.ReleaseMethodUpload,
		Description:     req.Description,
		UploadTime:      time.Now().UTC(),
		ReleasedBy:      req.ReleasedBy,
	}

	committed, err := s.meta.CommitPackage(ctx, req.DeploymentID, pkg)
	if err != nil {
		return model.Package{}, err
	}

	s.invalidateCache(ctx, req.DeploymentKey)
	s.scheduleDiff(req.DeploymentID, req.DeploymentKey, isZip, committed)

	return committed, nil
}

func stagePayload(r io.Reader) (path string, size int64, cleanup func(), err error) {
	f, err := os.CreateTemp("", "pushd-release-*")
	if err != nil {
		return "", 0, func() {}, err
	}
	cleanup = func() {
		f.Close()
		os.Remove(f.Name())
	}
	n, err := io.Copy(f, r)
	if err != nil {
		cleanup()
		return "", 0, func() {}, err
	}
	return f.Name(), n, cleanup, nil
}

func hashPayloadFile(path string) (hash string, manifest []hasher.ManifestEntry, isZip bool, err error) {
	if hash, manifest, err := hasher.HashZip(path); err == nil {
		return hash, manifest, true, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", nil, false, err
	}
	defer f.Close()
	hash, err = hasher.HashFile(f)
	if err != nil {
		return "", nil, false, err
	}
	return hash, nil, false, nil
}

// PromoteOverrides carries operator-supplied fields that override the
// source package's values when promoting, per spec §4.G.
type PromoteOverrides struct {
	AppVersion  *string
	IsMandatory *bool
	Description *string
	Rollout     *int
}

// PromoteRequest is spec §4.G's promote path input.
type PromoteRequest struct {
	SourceDeploymentID   string
	SourceDeploymentName string
	SourceLabel          string // empty means source's head

	DestDeploymentID  string
	DestDeploymentKey string

	Overrides  PromoteOverrides
	ReleasedBy string
}

// Promote implements spec §4.G's promote path: parallel source/
// destination resolution via errgroup, then the clone-override-commit
// sequence.
func (s *Service) Promote(ctx context.Context, req PromoteRequest) (model.Package, error) {
	var srcHistory, dstHistory []model.Package

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := s.meta.GetPackageHistory(gctx, req.SourceDeploymentID)
		srcHistory = h
		return err
	})
	g.Go(func() error {
		h, err := s.meta.GetPackageHistory(gctx, req.DestDeploymentID)
		dstHistory = h
		return err
	})
	if err := g.Wait(); err != nil {
		return model.Package{}, err
	}

	source, err := selectSourcePackage(srcHistory, req.SourceLabel)
	if err != nil {
		return model.Package{}, err
	}

	if err := validateRollout(req.Overrides.Rollout); err != nil {
		return model.Package{}, err
	}

	if len(dstHistory) > 0 {
		destHead := dstHistory[len(dstHistory)-1]
		if destHead.IsUnfinishedRollout() && !destHead.IsDisabled {
			return model.Package{}, apperr.New(apperr.Conflict, "destination head is an unfinished rollout; disable or complete it before promoting")
		}
	}

	appVersion := source.AppVersion
	if req.Overrides.AppVersion != nil {
		if err := validateAppVersion(*req.Overrides.AppVersion); err != nil {
			return model.Package{}, err
		}
		appVersion = *req.Overrides.AppVersion
	}
	if prior, ok := metastore.LatestSharingAppVersion(dstHistory, appVersion); ok && prior.PackageHash == source.PackageHash {
		return model.Package{}, apperr.New(apperr.Conflict, "package hash %q already released on destination for appVersion %q", source.PackageHash, appVersion)
	}

	pkg := source
	pkg.Seq = 0
	pkg.Label = ""
	pkg.AppVersion = appVersion
	if req.Overrides.IsMandatory != nil {
		pkg.IsMandatory = *req.Overrides.IsMandatory
	}
	if req.Overrides.Description != nil {
		pkg.Description = *req.Overrides.Description
	}
	if req.Overrides.Rollout != nil {
		pkg.Rollout = req.Overrides.Rollout
	}
	pkg.ReleaseMethod = model.ReleaseMethodPromote
	pkg.OriginalLabel = source.Label
	pkg.OriginalDeployment = req.SourceDeploymentName
	pkg.UploadTime = time.Now().UTC()
	pkg.ReleasedBy = req.ReleasedBy

	committed, err := s.meta.CommitPackage(ctx, req.DestDeploymentID, pkg)
	if err != nil {
		return model.Package{}, err
	}

	s.invalidateCache(ctx, req.DestDeploymentKey)
	s.scheduleDiff(req.DestDeploymentID, req.DestDeploymentKey, committed.ManifestBlobURL != "", committed)

	return committed, nil
}

func selectSourcePackage(history []model.Package, label string) (model.Package, error) {
	if label != "" {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Label == label {
				return history[i], nil
			}
		}
		return model.Package{}, apperr.New(apperr.NotFound, "no release labeled %q", label)
	}
	if len(history) == 0 {
		return model.Package{}, apperr.New(apperr.NotFound, "source deployment has no releases")
	}
	head := history[len(history)-1]
	if head.IsDisabled {
		return model.Package{}, apperr.New(apperr.Conflict, "source deployment has no enabled head")
	}
	return head, nil
}

// RollbackRequest is spec §4.G's rollback path input.
type RollbackRequest struct {
	DeploymentID  string
	DeploymentKey string
	TargetLabel   string // empty means second-newest entry
	ReleasedBy    string
}

// Rollback implements spec §4.G's rollback path.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (model.Package, error) {
	history, err := s.meta.GetPackageHistory(ctx, req.DeploymentID)
	if err != nil {
		return model.Package{}, err
	}
	if len(history) == 0 {
		return model.Package{}, apperr.New(apperr.NotFound, "deployment has no releases")
	}
	current := history[len(history)-1]

	var target model.Package
	if req.TargetLabel != "" {
		found := false
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Label == req.TargetLabel {
				target, found = history[i], true
				break
			}
		}
		if !found {
			return model.Package{}, apperr.New(apperr.NotFound, "no release labeled %q", req.TargetLabel)
		}
	} else {
		if len(history) < 2 {
			return model.Package{}, apperr.New(apperr.NotFound, "no prior release to roll back to")
		}
		target = history[len(history)-2]
	}

	if target.Label == current.Label {
		return model.Package{}, apperr.New(apperr.Conflict, "rollback target is already the current release")
	}
	if target.AppVersion != current.AppVersion {
		return model.Package{}, apperr.New(apperr.Conflict, "rollback target targets a different appVersion; upload a new release instead")
	}

	pkg := target
	pkg.Seq = 0
	pkg.Label = ""
	pkg.ReleaseMethod = model.ReleaseMethodRollback
	pkg.OriginalLabel = target.Label
	pkg.OriginalDeployment = ""
	pkg.DiffPackageMap = nil
	pkg.UploadTime = time.Now().UTC()
	pkg.ReleasedBy = req.ReleasedBy

	committed, err := s.meta.CommitPackage(ctx, req.DeploymentID, pkg)
	if err != nil {
		return model.Package{}, err
	}

	s.invalidateCache(ctx, req.DeploymentKey)
	return committed, nil
}

// PatchRequest is spec §4.G's metadata-only patch path input. Nil
// pointer fields are left unchanged.
type PatchRequest struct {
	DeploymentID  string
	DeploymentKey string
	Label         string // empty means the head

	IsDisabled  *bool
	IsMandatory *bool
	Description *string
	AppVersion  *string
	Rollout     *int
}

// Patch implements spec §4.G's patch path.
func (s *Service) Patch(ctx context.Context, req PatchRequest) (model.Package, error) {
	history, err := s.meta.GetPackageHistory(ctx, req.DeploymentID)
	if err != nil {
		return model.Package{}, err
	}
	if len(history) == 0 {
		return model.Package{}, apperr.New(apperr.NotFound, "deployment has no releases")
	}

	idx := len(history) - 1
	if req.Label != "" {
		idx = -1
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Label == req.Label {
				idx = i
				break
			}
		}
		if idx < 0 {
			return model.Package{}, apperr.New(apperr.NotFound, "no release labeled %q", req.Label)
		}
	}

	entry := history[idx]
	if req.AppVersion != nil {
		if err := validateAppVersion(*req.AppVersion); err != nil {
			return model.Package{}, err
		}
		entry.AppVersion = *req.AppVersion
	}
	if req.IsDisabled != nil {
		entry.IsDisabled = *req.IsDisabled
	}
	if req.IsMandatory != nil {
		entry.IsMandatory = *req.IsMandatory
	}
	if req.Description != nil {
		entry.Description = *req.Description
	}
	if req.Rollout != nil {
		if !entry.IsUnfinishedRollout() {
			return model.Package{}, apperr.New(apperr.Invalid, "rollout can only be patched while the release is an unfinished rollout")
		}
		if *req.Rollout <= *entry.Rollout {
			return model.Package{}, apperr.New(apperr.Invalid, "rollout must strictly increase")
		}
		if *req.Rollout > 100 {
			return model.Package{}, apperr.New(apperr.MalformedRequest, "rollout must be in [1,100]")
		}
		if *req.Rollout == 100 {
			entry.Rollout = nil
		} else {
			v := *req.Rollout
			entry.Rollout = &v
		}
	}

	history[idx] = entry
	if err := s.meta.UpdatePackageHistory(ctx, req.DeploymentID, history); err != nil {
		return model.Package{}, err
	}

	s.invalidateCache(ctx, req.DeploymentKey)
	return entry, nil
}

// scheduleDiff implements spec §4.G's "diff post-processing": the job
// runs on s.pool, detached from the request context, so the commit
// response never waits for the diff itself or its failure. Submit does
// wait for a free slot while all of the pool's workers are busy.
func (s *Service) scheduleDiff(deploymentID, deploymentKey string, isZip bool, committed model.Package) {
	if s.differ == nil || !isZip || s.pool == nil {
		return
	}
	telemetry.DiffJobsScheduled.Inc()
	s.pool.Submit(context.Background(), func(ctx context.Context) {
		timer := telemetry.NewTimer()
		defer timer.ObserveDuration(telemetry.DiffJobDuration)
		s.runDiff(ctx, deploymentID, deploymentKey, committed)
	})
}

func (s *Service) runDiff(ctx context.Context, deploymentID, deploymentKey string, committed model.Package) {
	history, err := s.meta.GetPackageHistory(ctx, deploymentID)
	if err != nil {
		logging.From(ctx).Warn().Err(err).Msg("diff post-processing: failed to reload history")
		return
	}

	key := semverx.CanonicalRangeKey(committed.AppVersion)
	diffMap := map[string]model.DiffEntry{}
	candidates := 0
	for i := len(history) - 1; i >= 0 && candidates < s.maxDiffCandidates; i-- {
		cand := history[i]
		if cand.Label == committed.Label || cand.PackageHash == committed.PackageHash {
			continue
		}
		if semverx.CanonicalRangeKey(cand.AppVersion) != key {
			continue
		}
		candidates++

		body, size, err := s.differ.Diff(ctx, cand, committed)
		if err != nil {
			telemetry.DiffJobsFailed.Inc()
			logging.From(ctx).Warn().Err(err).Str("fromHash", cand.PackageHash).Msg("diff generation failed")
			continue
		}
		blobID := committed.PackageHash + "-diff-" + cand.PackageHash
		if err := s.blobs.PutBlob(ctx, blobID, body, size, "application/octet-stream"); err != nil {
			telemetry.DiffJobsFailed.Inc()
			logging.From(ctx).Warn().Err(err).Str("fromHash", cand.PackageHash).Msg("diff blob upload failed")
			continue
		}
		url, err := s.blobs.GetBlobURL(ctx, blobID)
		if err != nil {
			telemetry.DiffJobsFailed.Inc()
			logging.From(ctx).Warn().Err(err).Str("fromHash", cand.PackageHash).Msg("diff blob url failed")
			continue
		}
		diffMap[cand.PackageHash] = model.DiffEntry{Size: size, URL: url}
	}

	if len(diffMap) == 0 {
		return
	}

	history, err = s.meta.GetPackageHistory(ctx, deploymentID)
	if err != nil {
		logging.From(ctx).Warn().Err(err).Msg("diff post-processing: failed to reload history before write-back")
		return
	}
	for i := range history {
		if history[i].Label == committed.Label {
			history[i].DiffPackageMap = diffMap
			break
		}
	}
	if err := s.meta.UpdatePackageHistory(ctx, deploymentID, history); err != nil {
		logging.From(ctx).Warn().Err(err).Msg("diff post-processing: failed to persist diffPackageMap")
	}
	s.invalidateCache(ctx, deploymentKey)
}
