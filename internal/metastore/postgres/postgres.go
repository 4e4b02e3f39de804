// Package postgres is spec §4.A's production metadata store backend:
// sqlx + lib/pq against the schema in internal/metastore/migrations.
// commitPackage takes the row lock described in SPEC_FULL.md's
// component notes — a single SELECT ... FOR UPDATE against the
// deployment row inside one transaction, with the history invariants
// from internal/metastore.PrepareCommit applied before the write — which
// is Postgres's native substitute for the compare-and-set loop spec §4.A
// describes for backends that cannot take row locks.
package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/metastore"
	"pushd.sh/pushd/internal/metastore/migrations"
	"pushd.sh/pushd/internal/model"
)

// Gateway is the metastore.Gateway backed by Postgres.
type Gateway struct {
	db *sqlx.DB
}

var _ metastore.Gateway = (*Gateway)(nil)

// New wraps db with the metadata store gateway contract.
func New(db *sqlx.DB) *Gateway {
	return &Gateway{db: db}
}

// Migrate applies every pending migration in internal/metastore/migrations.
// A migration failure is a boot-time condition an operator reads off
// stderr, not a request-scoped apperr.Kind, so it is wrapped with
// github.com/pkg/errors the way pkg/action wraps setup failures.
func Migrate(db *sql.DB) (int, error) {
	n, err := migrate.Exec(db, "postgres", migrations.Source(), migrate.Up)
	if err != nil {
		return n, errors.Wrap(err, "applying metastore migrations")
	}
	return n, nil
}

const pqUniqueViolation = "23505"

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return apperr.New(apperr.NotFound, "not found")
	}
	var pqErr *pq.Error
	if errAs(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return apperr.Wrap(apperr.AlreadyExists, err)
	}
	return apperr.Wrap(apperr.ConnectionFailed, err)
}

// errAs is a narrow errors.As wrapper kept local to avoid importing
// errors in every call site above.
func errAs(err error, target **pq.Error) bool {
	for err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			*target = pqErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// --- accounts ---

func (g *Gateway) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var acct model.Account
	err := g.db.GetContext(ctx, &acct, `SELECT id, email, name, created_time FROM accounts WHERE id = $1`, accountID)
	if err != nil {
		return nil, classifyErr(err)
	}
	return &acct, nil
}

func (g *Gateway) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	var acct model.Account
	err := g.db.GetContext(ctx, &acct, `SELECT id, email, name, created_time FROM accounts WHERE email = $1`, email)
	if err != nil {
		return nil, classifyErr(err)
	}
	return &acct, nil
}

// --- apps ---

type appCollaboratorRow struct {
	AppID      string `db:"app_id"`
	Email      string `db:"email"`
	AccountID  string `db:"account_id"`
	Permission string `db:"permission"`
}

func (g *Gateway) loadAppCollaborators(ctx context.Context, tx queryer, appID string) (map[string]model.CollaboratorInfo, error) {
	var rows []appCollaboratorRow
	if err := selectContext(ctx, tx, &rows, `SELECT app_id, email, account_id, permission FROM app_collaborators WHERE app_id = $1`, appID); err != nil {
		return nil, classifyErr(err)
	}
	out := map[string]model.CollaboratorInfo{}
	for _, r := range rows {
		out[r.Email] = model.CollaboratorInfo{AccountID: r.AccountID, Permission: model.Permission(r.Permission)}
	}
	return out, nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx, letting the
// collaborator loader run inside or outside a transaction.
type queryer interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func selectContext(ctx context.Context, q queryer, dest interface{}, query string, args ...interface{}) error {
	return q.SelectContext(ctx, dest, query, args...)
}

func (g *Gateway) ResolveApp(ctx context.Context, accountID, name string) (*model.App, error) {
	ownerEmail, bareName := "", name
	if idx := strings.Index(name, ":"); idx >= 0 {
		ownerEmail, bareName = name[:idx], name[idx+1:]
	}

	query := `
		SELECT DISTINCT a.id, a.name, a.created_time
		FROM apps a
		JOIN app_collaborators me ON me.app_id = a.id AND me.account_id = $1
		WHERE a.name = $2`
	args := []interface{}{accountID, bareName}
	if ownerEmail != "" {
		query += ` AND EXISTS (SELECT 1 FROM app_collaborators o WHERE o.app_id = a.id AND o.email = $3 AND o.permission = 'Owner')`
		args = append(args, ownerEmail)
	}

	var apps []model.App
	if err := g.db.SelectContext(ctx, &apps, query, args...); err != nil {
		return nil, classifyErr(err)
	}
	switch len(apps) {
	case 0:
		return nil, apperr.New(apperr.NotFound, "no app named %q", name)
	case 1:
		collabs, err := g.loadAppCollaborators(ctx, g.db, apps[0].ID)
		if err != nil {
			return nil, err
		}
		apps[0].Collaborators = collabs
		return &apps[0], nil
	default:
		return nil, apperr.New(apperr.Conflict, "ambiguous app name %q; qualify with owner-email:name", name)
	}
}

func (g *Gateway) CreateApp(ctx context.Context, app *model.App) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyErr(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO apps (id, name) VALUES ($1, $2)`, app.ID, app.Name); err != nil {
		return classifyErr(err)
	}
	for email, info := range app.Collaborators {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app_collaborators (app_id, email, account_id, permission) VALUES ($1, $2, $3, $4)`,
			app.ID, email, info.AccountID, string(info.Permission)); err != nil {
			return classifyErr(err)
		}
	}
	return classifyErr(tx.Commit())
}

func (g *Gateway) GetApp(ctx context.Context, appID string) (*model.App, error) {
	var app model.App
	if err := g.db.GetContext(ctx, &app, `SELECT id, name, created_time FROM apps WHERE id = $1`, appID); err != nil {
		return nil, classifyErr(err)
	}
	collabs, err := g.loadAppCollaborators(ctx, g.db, appID)
	if err != nil {
		return nil, err
	}
	app.Collaborators = collabs
	return &app, nil
}

func (g *Gateway) RenameApp(ctx context.Context, appID, newName string) error {
	res, err := g.db.ExecContext(ctx, `UPDATE apps SET name = $1 WHERE id = $2`, newName, appID)
	return endExec(res, err, appID)
}

func (g *Gateway) DeleteApp(ctx context.Context, appID string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM apps WHERE id = $1`, appID)
	return endExec(res, err, appID)
}

func (g *Gateway) TransferApp(ctx context.Context, appID, newOwnerAccountID string) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyErr(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE app_collaborators SET permission = 'Collaborator' WHERE app_id = $1 AND permission = 'Owner'`, appID); err != nil {
		return classifyErr(err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE app_collaborators SET permission = 'Owner' WHERE app_id = $1 AND account_id = $2`, appID, newOwnerAccountID)
	if err != nil {
		return classifyErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyErr(err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "%q is not a collaborator on app %q", newOwnerAccountID, appID)
	}
	return classifyErr(tx.Commit())
}

func (g *Gateway) AddCollaborator(ctx context.Context, appID, email, accountID string, perm model.Permission) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO app_collaborators (app_id, email, account_id, permission) VALUES ($1, $2, $3, $4)`,
		appID, email, accountID, string(perm))
	return classifyErr(err)
}

func (g *Gateway) RemoveCollaborator(ctx context.Context, appID, email string) error {
	var perm string
	if err := g.db.GetContext(ctx, &perm, `SELECT permission FROM app_collaborators WHERE app_id = $1 AND email = $2`, appID, email); err != nil {
		return classifyErr(err)
	}
	if perm == string(model.Owner) {
		return apperr.New(apperr.Invalid, "cannot remove the owner; transfer ownership first")
	}
	res, err := g.db.ExecContext(ctx, `DELETE FROM app_collaborators WHERE app_id = $1 AND email = $2`, appID, email)
	return endExec(res, err, appID)
}

func (g *Gateway) ListApps(ctx context.Context, accountID string) ([]model.App, error) {
	var apps []model.App
	err := g.db.SelectContext(ctx, &apps, `
		SELECT DISTINCT a.id, a.name, a.created_time FROM apps a
		JOIN app_collaborators c ON c.app_id = a.id
		WHERE c.account_id = $1 ORDER BY a.name`, accountID)
	if err != nil {
		return nil, classifyErr(err)
	}
	for i := range apps {
		collabs, err := g.loadAppCollaborators(ctx, g.db, apps[i].ID)
		if err != nil {
			return nil, err
		}
		apps[i].Collaborators = collabs
	}
	return apps, nil
}

// --- deployments ---

func (g *Gateway) ResolveDeployment(ctx context.Context, appID, name string) (*model.Deployment, error) {
	var dep model.Deployment
	err := g.db.GetContext(ctx, &dep, `SELECT id, app_id, name, key, current_package_seq, created_time FROM deployments WHERE app_id = $1 AND name = $2`, appID, name)
	if err != nil {
		return nil, classifyErr(err)
	}
	return &dep, nil
}

func (g *Gateway) CreateDeployment(ctx context.Context, dep *model.Deployment) error {
	_, err := g.db.ExecContext(ctx, `INSERT INTO deployments (id, app_id, name, key) VALUES ($1, $2, $3, $4)`, dep.ID, dep.AppID, dep.Name, dep.Key)
	return classifyErr(err)
}

func (g *Gateway) GetDeployment(ctx context.Context, deploymentID string) (*model.Deployment, error) {
	var dep model.Deployment
	err := g.db.GetContext(ctx, &dep, `SELECT id, app_id, name, key, current_package_seq, created_time FROM deployments WHERE id = $1`, deploymentID)
	if err != nil {
		return nil, classifyErr(err)
	}
	return &dep, nil
}

func (g *Gateway) RenameDeployment(ctx context.Context, deploymentID, newName string) error {
	res, err := g.db.ExecContext(ctx, `UPDATE deployments SET name = $1 WHERE id = $2`, newName, deploymentID)
	return endExec(res, err, deploymentID)
}

func (g *Gateway) DeleteDeployment(ctx context.Context, deploymentID string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = $1`, deploymentID)
	return endExec(res, err, deploymentID)
}

func (g *Gateway) ListDeployments(ctx context.Context, appID string) ([]model.Deployment, error) {
	var deps []model.Deployment
	err := g.db.SelectContext(ctx, &deps, `SELECT id, app_id, name, key, current_package_seq, created_time FROM deployments WHERE app_id = $1 ORDER BY name`, appID)
	if err != nil {
		return nil, classifyErr(err)
	}
	return deps, nil
}

func (g *Gateway) GetDeploymentInfo(ctx context.Context, deploymentKey string) (*model.DeploymentInfo, error) {
	var info model.DeploymentInfo
	err := g.db.GetContext(ctx, &info, `SELECT app_id AS "appid", id AS "deploymentid" FROM deployments WHERE key = $1`, deploymentKey)
	if err != nil {
		return nil, classifyErr(err)
	}
	return &info, nil
}

// --- access keys ---

func (g *Gateway) ResolveAccessKey(ctx context.Context, accountID, name string) (*model.AccessKey, error) {
	var key model.AccessKey
	err := g.db.GetContext(ctx, &key, `
		SELECT name, key, account_id, created_time, expires, is_session, friendly_name, description
		FROM access_keys WHERE account_id = $1 AND name = $2`, accountID, name)
	if err != nil {
		return nil, classifyErr(err)
	}
	return &key, nil
}

func (g *Gateway) CreateAccessKey(ctx context.Context, key *model.AccessKey) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO access_keys (account_id, name, key, expires, is_session, friendly_name, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.AccountID, key.Name, key.Key, key.Expires, key.IsSession, key.FriendlyName, key.Description)
	return classifyErr(err)
}

func (g *Gateway) DeleteAccessKey(ctx context.Context, accountID, name string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM access_keys WHERE account_id = $1 AND name = $2`, accountID, name)
	return endExec(res, err, name)
}

func (g *Gateway) ListAccessKeys(ctx context.Context, accountID string) ([]model.AccessKey, error) {
	var keys []model.AccessKey
	err := g.db.SelectContext(ctx, &keys, `
		SELECT name, key, account_id, created_time, expires, is_session, friendly_name, description
		FROM access_keys WHERE account_id = $1 ORDER BY name`, accountID)
	if err != nil {
		return nil, classifyErr(err)
	}
	return keys, nil
}

// --- package history ---

const packageColumns = `seq, label, app_version, blob_url, size, package_hash, manifest_blob_url,
	is_disabled, is_mandatory, rollout, release_method, original_label, original_deployment,
	description, upload_time, released_by`

func (g *Gateway) loadHistory(ctx context.Context, q queryer, deploymentID string) ([]model.Package, error) {
	var rows []struct {
		model.Package
		ManifestBlobURL    sql.NullString `db:"manifest_blob_url"`
		OriginalLabel      sql.NullString `db:"original_label"`
		OriginalDeployment sql.NullString `db:"original_deployment"`
		Description        sql.NullString `db:"description"`
	}
	err := q.SelectContext(ctx, &rows, `SELECT `+packageColumns+` FROM packages WHERE deployment_id = $1 ORDER BY seq ASC`, deploymentID)
	if err != nil {
		return nil, classifyErr(err)
	}
	pkgs := make([]model.Package, len(rows))
	for i, r := range rows {
		pkgs[i] = r.Package
		pkgs[i].ManifestBlobURL, pkgs[i].OriginalLabel = r.ManifestBlobURL.String, r.OriginalLabel.String
		pkgs[i].OriginalDeployment, pkgs[i].Description = r.OriginalDeployment.String, r.Description.String
	}
	for i := range pkgs {
		diffs, err := g.loadDiffs(ctx, q, deploymentID, pkgs[i].Seq)
		if err != nil {
			return nil, err
		}
		pkgs[i].DiffPackageMap = diffs
	}
	return pkgs, nil
}

func (g *Gateway) loadDiffs(ctx context.Context, q queryer, deploymentID string, seq int64) (map[string]model.DiffEntry, error) {
	var rows []struct {
		FromPackageHash string `db:"from_package_hash"`
		Size            int64  `db:"size"`
		BlobURL         string `db:"blob_url"`
	}
	if err := q.SelectContext(ctx, &rows, `SELECT from_package_hash, size, blob_url FROM package_diffs WHERE deployment_id = $1 AND package_seq = $2`, deploymentID, seq); err != nil {
		return nil, classifyErr(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make(map[string]model.DiffEntry, len(rows))
	for _, r := range rows {
		out[r.FromPackageHash] = model.DiffEntry{Size: r.Size, URL: r.BlobURL}
	}
	return out, nil
}

func (g *Gateway) GetPackageHistory(ctx context.Context, deploymentID string) ([]model.Package, error) {
	return g.loadHistory(ctx, g.db, deploymentID)
}

func (g *Gateway) UpdatePackageHistory(ctx context.Context, deploymentID string, history []model.Package) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyErr(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE deployment_id = $1`, deploymentID); err != nil {
		return classifyErr(err)
	}
	for _, pkg := range history {
		if err := insertPackage(ctx, tx, deploymentID, pkg); err != nil {
			return err
		}
	}
	return classifyErr(tx.Commit())
}

func (g *Gateway) ClearPackageHistory(ctx context.Context, deploymentID string) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyErr(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE deployment_id = $1`, deploymentID); err != nil {
		return classifyErr(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE deployments SET current_package_seq = NULL WHERE id = $1`, deploymentID); err != nil {
		return classifyErr(err)
	}
	return classifyErr(tx.Commit())
}

func insertPackage(ctx context.Context, tx *sqlx.Tx, deploymentID string, pkg model.Package) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO packages (deployment_id, seq, label, app_version, blob_url, size, package_hash,
			manifest_blob_url, is_disabled, is_mandatory, rollout, release_method, original_label,
			original_deployment, description, upload_time, released_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		deploymentID, pkg.Seq, pkg.Label, pkg.AppVersion, pkg.BlobURL, pkg.Size, pkg.PackageHash,
		nullable(pkg.ManifestBlobURL), pkg.IsDisabled, pkg.IsMandatory, pkg.Rollout, string(pkg.ReleaseMethod),
		nullable(pkg.OriginalLabel), nullable(pkg.OriginalDeployment), nullable(pkg.Description), pkg.UploadTime, pkg.ReleasedBy)
	if err != nil {
		return classifyErr(err)
	}
	for hash, diff := range pkg.DiffPackageMap {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO package_diffs (deployment_id, package_seq, from_package_hash, size, blob_url)
			VALUES ($1,$2,$3,$4,$5)`, deploymentID, pkg.Seq, hash, diff.Size, diff.URL); err != nil {
			return classifyErr(err)
		}
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CommitPackage locks the deployment row, reads its history, applies
// spec §3's invariants via internal/metastore.PrepareCommit, and writes
// the result back inside the same transaction.
func (g *Gateway) CommitPackage(ctx context.Context, deploymentID string, pkg model.Package) (model.Package, error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Package{}, classifyErr(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT true FROM deployments WHERE id = $1 FOR UPDATE`, deploymentID); err != nil {
		return model.Package{}, classifyErr(err)
	}

	history, err := g.loadHistory(ctx, tx, deploymentID)
	if err != nil {
		return model.Package{}, err
	}

	updated, err := metastore.PrepareCommit(history, pkg)
	if err != nil {
		return model.Package{}, err
	}

	trimmedFrom := 0
	if len(history)+1 > model.MaxHistoryLength {
		trimmedFrom = len(history) + 1 - model.MaxHistoryLength
	}
	if trimmedFrom > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE deployment_id = $1 AND seq < $2`, deploymentID, history[trimmedFrom-1].Seq+1); err != nil {
			return model.Package{}, classifyErr(err)
		}
	}

	committed := updated[len(updated)-1]
	if err := insertPackage(ctx, tx, deploymentID, committed); err != nil {
		return model.Package{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE deployments SET current_package_seq = $1 WHERE id = $2`, committed.Seq, deploymentID); err != nil {
		return model.Package{}, classifyErr(err)
	}

	if err := tx.Commit(); err != nil {
		return model.Package{}, classifyErr(err)
	}
	return committed, nil
}

// HealthCheck pings the underlying connection pool.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	if err := g.db.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, err)
	}
	return nil
}

func endExec(res sql.Result, err error, id string) error {
	if err != nil {
		return classifyErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyErr(err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "no such row %q", id)
	}
	return nil
}
