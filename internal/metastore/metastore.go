// Package metastore implements spec §4.A's metadata store gateway: CRUD
// over accounts, apps, deployments, and package history, plus the
// deployment-key resolution shortcut the acquisition path needs on
// every request. internal/metastore/postgres is the production
// backend; internal/metastore/memtest is an in-memory double used by
// every other package's tests, mirroring the teacher's swappable
// storage-backend pattern (pkg/storage/driver, reached through
// Configuration.Releases in pkg/action/action.go).
package metastore

import (
	"context"

	"pushd.sh/pushd/internal/model"
)

// Gateway is the metadata store contract of spec §4.A.
type Gateway interface {
	// App resolution and CRUD.
	ResolveApp(ctx context.Context, accountID, name string) (*model.App, error)
	CreateApp(ctx context.Context, app *model.App) error
	GetApp(ctx context.Context, appID string) (*model.App, error)
	RenameApp(ctx context.Context, appID, newName string) error
	DeleteApp(ctx context.Context, appID string) error
	TransferApp(ctx context.Context, appID, newOwnerAccountID string) error
	AddCollaborator(ctx context.Context, appID, email, accountID string, perm model.Permission) error
	RemoveCollaborator(ctx context.Context, appID, email string) error
	ListApps(ctx context.Context, accountID string) ([]model.App, error)

	// Deployment resolution and CRUD.
	ResolveDeployment(ctx context.Context, appID, name string) (*model.Deployment, error)
	CreateDeployment(ctx context.Context, deployment *model.Deployment) error
	GetDeployment(ctx context.Context, deploymentID string) (*model.Deployment, error)
	RenameDeployment(ctx context.Context, deploymentID, newName string) error
	DeleteDeployment(ctx context.Context, deploymentID string) error
	ListDeployments(ctx context.Context, appID string) ([]model.Deployment, error)
	GetDeploymentInfo(ctx context.Context, deploymentKey string) (*model.DeploymentInfo, error)

	// Access keys.
	ResolveAccessKey(ctx context.Context, accountID, name string) (*model.AccessKey, error)
	CreateAccessKey(ctx context.Context, key *model.AccessKey) error
	DeleteAccessKey(ctx context.Context, accountID, name string) error
	ListAccessKeys(ctx context.Context, accountID string) ([]model.AccessKey, error)

	// Accounts, needed only to resolve owner-email App lookups and stamp
	// releasedBy; account creation/auth flows are out of scope (spec §1).
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// Package history.
	GetPackageHistory(ctx context.Context, deploymentID string) ([]model.Package, error)
	UpdatePackageHistory(ctx context.Context, deploymentID string, history []model.Package) error
	ClearPackageHistory(ctx context.Context, deploymentID string) error
	// CommitPackage assigns the next dense label, enforces spec §3's
	// history invariants (length cap, single-unfinished-rollout gate,
	// duplicate-packageHash-per-appVersion rejection), appends pkg, and
	// returns the committed copy (with Label and Seq populated).
	CommitPackage(ctx context.Context, deploymentID string, pkg model.Package) (model.Package, error)

	// HealthCheck reports whether the store can currently serve requests,
	// consulted by internal/httpapi's /health handler (spec §6).
	HealthCheck(ctx context.Context) error
}
