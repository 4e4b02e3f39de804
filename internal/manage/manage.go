// Package manage implements spec §4.I's management endpoint: the
// authenticated operator surface for apps, deployments, collaborators,
// releases, and metrics. It enforces spec §3's permission model (Owner
// for destructive operations, Collaborator for releases and reads),
// delegates release/promote/rollback/patch to internal/ingest, and
// applies the deferred-cache-invalidation rule spec §4.I and §7
// describe for delete/patch paths: invalidation runs in the background
// after the mutation itself succeeds, never blocking or failing the
// response on its account. Grounded on helm-helm's
// cmd/tiller/release_server.go, which layers exactly this kind of
// permission-checked CRUD facade over a storage driver.
package manage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/cachestore"
	"pushd.sh/pushd/internal/id"
	"pushd.sh/pushd/internal/ingest"
	"pushd.sh/pushd/internal/logging"
	"pushd.sh/pushd/internal/metastore"
	"pushd.sh/pushd/internal/model"
)

// Service is the management endpoint's application service.
type Service struct {
	meta   metastore.Gateway
	cache  cachestore.Gateway
	ingest *ingest.Service
}

// New constructs a Service.
func New(meta metastore.Gateway, cache cachestore.Gateway, ingestSvc *ingest.Service) *Service {
	return &Service{meta: meta, cache: cache, ingest: ingestSvc}
}

func deploymentKeyHash(deploymentKey string) string {
	sum := sha256.Sum256([]byte(deploymentKey))
	return hex.EncodeToString(sum[:])
}

func collaboratorPermission(app *model.App, accountID string) (model.Permission, bool) {
	for _, info := range app.Collaborators {
		if info.AccountID == accountID {
			return info.Permission, true
		}
	}
	return "", false
}

func requireCollaborator(app *model.App, accountID string) error {
	if _, ok := collaboratorPermission(app, accountID); !ok {
		return apperr.New(apperr.Forbidden, "account is not a collaborator on app %q", app.Name)
	}
	return nil
}

func requireOwner(app *model.App, accountID string) error {
	perm, ok := collaboratorPermission(app, accountID)
	if !ok || perm != model.Owner {
		return apperr.New(apperr.Forbidden, "owner permission required on app %q", app.Name)
	}
	return nil
}

// invalidateDeploymentKeys invalidates the cache for every deployment key
// in deployments off the request path, in a detached goroutine, so a
// slow or failing cache never delays the mutation's own 2xx response.
// Per spec §4.I, invalidation failures never block the mutation; they
// are logged once the background sweep finishes, not surfaced to the
// caller.
func (s *Service) invalidateDeploymentKeys(ctx context.Context, deployments []model.Deployment) {
	logger := logging.From(ctx)
	go func() {
		for _, dep := range deployments {
			if err := s.cache.Invalidate(context.Background(), deploymentKeyHash(dep.Key)); err != nil {
				logger.Warn().Err(err).Str("deployment_key_hash", deploymentKeyHash(dep.Key)).Msg("cache invalidation failed")
			}
		}
	}()
}

// --- Apps ---

// CreateApp implements spec §6's `POST /apps`: the creating account
// becomes the app's sole Owner.
func (s *Service) CreateApp(ctx context.Context, accountID, name string) (*model.App, error) {
	acct, err := s.meta.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	app := &model.App{
		ID:   id.New(),
		Name: name,
		Collaborators: map[string]model.CollaboratorInfo{
			acct.Email: {AccountID: accountID, Permission: model.Owner},
		},
		CreatedTime: time.Now().UTC(),
	}
	if err := s.meta.CreateApp(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// GetApp implements spec §6's `GET /apps/:appName`.
func (s *Service) GetApp(ctx context.Context, accountID, name string) (*model.App, error) {
	app, err := s.meta.ResolveApp(ctx, accountID, name)
	if err != nil {
		return nil, err
	}
	if err := requireCollaborator(app, accountID); err != nil {
		return nil, err
	}
	return app, nil
}

// ListApps implements spec §6's `GET /apps`.
func (s *Service) ListApps(ctx context.Context, accountID string) ([]model.App, error) {
	return s.meta.ListApps(ctx, accountID)
}

// RenameApp implements spec §6's `PATCH /apps/:appName`.
func (s *Service) RenameApp(ctx context.Context, accountID, name, newName string) error {
	app, err := s.meta.ResolveApp(ctx, accountID, name)
	if err != nil {
		return err
	}
	if err := requireOwner(app, accountID); err != nil {
		return err
	}
	return s.meta.RenameApp(ctx, app.ID, newName)
}

// DeleteApp implements spec §6's `DELETE /apps/:appName`. Every
// deployment key under the app has its cache entries invalidated in the
// background, after this call (and the 2xx response it lets the caller
// send) returns, per spec §4.I.
func (s *Service) DeleteApp(ctx context.Context, accountID, name string) error {
	app, err := s.meta.ResolveApp(ctx, accountID, name)
	if err != nil {
		return err
	}
	if err := requireOwner(app, accountID); err != nil {
		return err
	}
	deployments, err := s.meta.ListDeployments(ctx, app.ID)
	if err != nil {
		return err
	}
	if err := s.meta.DeleteApp(ctx, app.ID); err != nil {
		return err
	}
	s.invalidateDeploymentKeys(ctx, deployments)
	return nil
}

// TransferApp implements spec §6's `POST /apps/:appName/transfer/:email`.
func (s *Service) TransferApp(ctx context.Context, accountID, name, newOwnerEmail string) error {
	app, err := s.meta.ResolveApp(ctx, accountID, name)
	if err != nil {
		return err
	}
	if err := requireOwner(app, accountID); err != nil {
		return err
	}
	newOwner, err := s.meta.GetAccountByEmail(ctx, newOwnerEmail)
	if err != nil {
		return err
	}
	return s.meta.TransferApp(ctx, app.ID, newOwner.ID)
}

// AddCollaborator implements spec §6's collaborator-CRUD surface.
func (s *Service) AddCollaborator(ctx context.Context, accountID, name, email string) error {
	app, err := s.meta.ResolveApp(ctx, accountID, name)
	if err != nil {
		return err
	}
	if err := requireOwner(app, accountID); err != nil {
		return err
	}
	collaborator, err := s.meta.GetAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	return s.meta.AddCollaborator(ctx, app.ID, email, collaborator.ID, model.Collaborator)
}

// RemoveCollaborator implements spec §6's collaborator-CRUD surface.
func (s *Service) RemoveCollaborator(ctx context.Context, accountID, name, email string) error {
	app, err := s.meta.ResolveApp(ctx, accountID, name)
	if err != nil {
		return err
	}
	if err := requireOwner(app, accountID); err != nil {
		return err
	}
	return s.meta.RemoveCollaborator(ctx, app.ID, email)
}

// --- Deployments ---

func (s *Service) resolveAppAsCollaborator(ctx context.Context, accountID, appName string) (*model.App, error) {
	app, err := s.meta.ResolveApp(ctx, accountID, appName)
	if err != nil {
		return nil, err
	}
	if err := requireCollaborator(app, accountID); err != nil {
		return nil, err
	}
	return app, nil
}

// CreateDeployment implements spec §6's `POST /apps/:appName/deployments`.
func (s *Service) CreateDeployment(ctx context.Context, accountID, appName, depName string) (*model.Deployment, error) {
	app, err := s.resolveAppAsCollaborator(ctx, accountID, appName)
	if err != nil {
		return nil, err
	}
	key, err := id.NewDeploymentKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.Other, err)
	}
	dep := &model.Deployment{
		ID:          id.New(),
		AppID:       app.ID,
		Name:        depName,
		Key:         key,
		CreatedTime: time.Now().UTC(),
	}
	if err := s.meta.CreateDeployment(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// GetDeployment implements spec §6's `GET .../deployments/:deploymentName`.
func (s *Service) GetDeployment(ctx context.Context, accountID, appName, depName string) (*model.Deployment, error) {
	app, err := s.resolveAppAsCollaborator(ctx, accountID, appName)
	if err != nil {
		return nil, err
	}
	return s.meta.ResolveDeployment(ctx, app.ID, depName)
}

// ListDeployments implements spec §6's `GET /apps/:appName/deployments`.
func (s *Service) ListDeployments(ctx context.Context, accountID, appName string) ([]model.Deployment, error) {
	app, err := s.resolveAppAsCollaborator(ctx, accountID, appName)
	if err != nil {
		return nil, err
	}
	return s.meta.ListDeployments(ctx, app.ID)
}

// RenameDeployment implements spec §6's `PATCH .../deployments/:deploymentName`.
func (s *Service) RenameDeployment(ctx context.Context, accountID, appName, depName, newName string) error {
	app, err := s.meta.ResolveApp(ctx, accountID, appName)
	if err != nil {
		return err
	}
	if err := requireOwner(app, accountID); err != nil {
		return err
	}
	dep, err := s.meta.ResolveDeployment(ctx, app.ID, depName)
	if err != nil {
		return err
	}
	return s.meta.RenameDeployment(ctx, dep.ID, newName)
}

// DeleteDeployment implements spec §6's `DELETE .../deployments/:deploymentName`.
func (s *Service) DeleteDeployment(ctx context.Context, accountID, appName, depName string) error {
	app, err := s.meta.ResolveApp(ctx, accountID, appName)
	if err != nil {
		return err
	}
	if err := requireOwner(app, accountID); err != nil {
		return err
	}
	dep, err := s.meta.ResolveDeployment(ctx, app.ID, depName)
	if err != nil {
		return err
	}
	if err := s.meta.DeleteDeployment(ctx, dep.ID); err != nil {
		return err
	}
	s.invalidateDeploymentKeys(ctx, []model.Deployment{*dep})
	return nil
}

// --- Releases ---

// ReleaseRequest is spec §6's `POST .../release` multipart input,
// already split into its file and JSON-metadata parts by the HTTP layer.
type ReleaseRequest struct {
	AccountID   string
	AppName     string
	DeployName  string
	Upload      ingest.UploadRequest
}

// Release implements spec §6's release-upload endpoint.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (model.Package, error) {
	app, err := s.resolveAppAsCollaborator(ctx, req.AccountID, req.AppName)
	if err != nil {
		return model.Package{}, err
	}
	dep, err := s.meta.ResolveDeployment(ctx, app.ID, req.DeployName)
	if err != nil {
		return model.Package{}, err
	}
	req.Upload.DeploymentID = dep.ID
	req.Upload.DeploymentKey = dep.Key
	req.Upload.ReleasedBy = req.AccountID
	return s.ingest.Upload(ctx, req.Upload)
}

// PatchReleaseRequest is spec §6's `PATCH .../release` input.
type PatchReleaseRequest struct {
	AccountID  string
	AppName    string
	DeployName string
	Patch      ingest.PatchRequest
}

// PatchRelease implements spec §6's metadata-only release edit.
func (s *Service) PatchRelease(ctx context.Context, req PatchReleaseRequest) (model.Package, error) {
	app, err := s.resolveAppAsCollaborator(ctx, req.AccountID, req.AppName)
	if err != nil {
		return model.Package{}, err
	}
	dep, err := s.meta.ResolveDeployment(ctx, app.ID, req.DeployName)
	if err != nil {
		return model.Package{}, err
	}
	req.Patch.DeploymentID = dep.ID
	req.Patch.DeploymentKey = dep.Key
	return s.ingest.Patch(ctx, req.Patch)
}

// PromoteRequest is spec §6's `POST .../promote/:dest` input.
type PromoteRequest struct {
	AccountID      string
	AppName        string
	SourceDeploy   string
	DestDeploy     string
	Overrides      ingest.PromoteOverrides
}

// Promote implements spec §6's promote endpoint.
func (s *Service) Promote(ctx context.Context, req PromoteRequest) (model.Package, error) {
	app, err := s.resolveAppAsCollaborator(ctx, req.AccountID, req.AppName)
	if err != nil {
		return model.Package{}, err
	}
	src, err := s.meta.ResolveDeployment(ctx, app.ID, req.SourceDeploy)
	if err != nil {
		return model.Package{}, err
	}
	dst, err := s.meta.ResolveDeployment(ctx, app.ID, req.DestDeploy)
	if err != nil {
		return model.Package{}, err
	}
	return s.ingest.Promote(ctx, ingest.PromoteRequest{
		SourceDeploymentID:   src.ID,
		SourceDeploymentName: src.Name,
		DestDeploymentID:     dst.ID,
		DestDeploymentKey:    dst.Key,
		Overrides:            req.Overrides,
		ReleasedBy:           req.AccountID,
	})
}

// RollbackRequest is spec §6's `POST .../rollback/:targetRelease?` input.
type RollbackRequest struct {
	AccountID   string
	AppName     string
	DeployName  string
	TargetLabel string
}

// Rollback implements spec §6's rollback endpoint.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) (model.Package, error) {
	app, err := s.resolveAppAsCollaborator(ctx, req.AccountID, req.AppName)
	if err != nil {
		return model.Package{}, err
	}
	dep, err := s.meta.ResolveDeployment(ctx, app.ID, req.DeployName)
	if err != nil {
		return model.Package{}, err
	}
	return s.ingest.Rollback(ctx, ingest.RollbackRequest{
		DeploymentID:  dep.ID,
		DeploymentKey: dep.Key,
		TargetLabel:   req.TargetLabel,
		ReleasedBy:    req.AccountID,
	})
}

// GetHistory implements spec §6's `GET .../history`.
func (s *Service) GetHistory(ctx context.Context, accountID, appName, depName string) ([]model.Package, error) {
	app, err := s.resolveAppAsCollaborator(ctx, accountID, appName)
	if err != nil {
		return nil, err
	}
	dep, err := s.meta.ResolveDeployment(ctx, app.ID, depName)
	if err != nil {
		return nil, err
	}
	return s.meta.GetPackageHistory(ctx, dep.ID)
}

// ClearHistory implements spec §6's `DELETE .../history`: an Owner-only
// destructive operation that also invalidates the deployment's cache.
func (s *Service) ClearHistory(ctx context.Context, accountID, appName, depName string) error {
	app, err := s.meta.ResolveApp(ctx, accountID, appName)
	if err != nil {
		return err
	}
	if err := requireOwner(app, accountID); err != nil {
		return err
	}
	dep, err := s.meta.ResolveDeployment(ctx, app.ID, depName)
	if err != nil {
		return err
	}
	if err := s.meta.ClearPackageHistory(ctx, dep.ID); err != nil {
		return err
	}
	s.invalidateDeploymentKeys(ctx, []model.Deployment{*dep})
	return nil
}

// GetMetrics implements spec §6's `GET .../metrics`.
func (s *Service) GetMetrics(ctx context.Context, accountID, appName, depName string) (map[string]map[cachestore.Status]int64, error) {
	app, err := s.resolveAppAsCollaborator(ctx, accountID, appName)
	if err != nil {
		return nil, err
	}
	dep, err := s.meta.ResolveDeployment(ctx, app.ID, depName)
	if err != nil {
		return nil, err
	}
	return s.cache.LabelCounts(ctx, dep.Key)
}
