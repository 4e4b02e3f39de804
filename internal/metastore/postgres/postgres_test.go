package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/metastore/postgres"
	"pushd.sh/pushd/internal/model"
)

func newMockGateway(t *testing.T) (*postgres.Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return postgres.New(sqlx.NewDb(db, "postgres")), mock
}

func TestGetDeploymentInfo(t *testing.T) {
	g, mock := newMockGateway(t)
	rows := sqlmock.NewRows([]string{"appid", "deploymentid"}).AddRow("app-1", "dep-1")
	mock.ExpectQuery(`SELECT app_id AS "appid", id AS "deploymentid" FROM deployments WHERE key = \$1`).
		WithArgs("KEY1234567890").
		WillReturnRows(rows)

	info, err := g.GetDeploymentInfo(context.Background(), "KEY1234567890")
	require.NoError(t, err)
	require.Equal(t, "app-1", info.AppID)
	require.Equal(t, "dep-1", info.DeploymentID)
}

func TestGetDeploymentInfoNotFound(t *testing.T) {
	g, mock := newMockGateway(t)
	mock.ExpectQuery(`SELECT app_id AS "appid", id AS "deploymentid" FROM deployments WHERE key = \$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := g.GetDeploymentInfo(context.Background(), "nope")
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestCommitPackageAssignsNextLabelUnderLock(t *testing.T) {
	g, mock := newMockGateway(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT true FROM deployments WHERE id = \$1 FOR UPDATE`).
		WithArgs("dep-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))

	historyCols := []string{"seq", "label", "app_version", "blob_url", "size", "package_hash", "manifest_blob_url",
		"is_disabled", "is_mandatory", "rollout", "release_method", "original_label", "original_deployment",
		"description", "upload_time", "released_by"}
	mock.ExpectQuery(`SELECT seq, label, app_version, blob_url, size, package_hash, manifest_blob_url,[\s\S]*FROM packages WHERE deployment_id = \$1 ORDER BY seq ASC`).
		WithArgs("dep-1").
		WillReturnRows(sqlmock.NewRows(historyCols).AddRow(
			1, "v1", "1.0.0", "U1", 100, "H1", nil, false, false, nil, "Upload", nil, nil, nil, time.Now(), "acct-1",
		))
	mock.ExpectQuery(`SELECT from_package_hash, size, blob_url FROM package_diffs WHERE deployment_id = \$1 AND package_seq = \$2`).
		WithArgs("dep-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"from_package_hash", "size", "blob_url"}))

	mock.ExpectExec(`INSERT INTO packages`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE deployments SET current_package_seq = \$1 WHERE id = \$2`).
		WithArgs(int64(2), "dep-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	committed, err := g.CommitPackage(ctx, "dep-1", model.Package{
		AppVersion:  "1.0.0",
		BlobURL:     "U2",
		PackageHash: "H2",
		ReleasedBy:  "acct-1",
	})
	require.NoError(t, err)
	require.Equal(t, "v2", committed.Label)
	require.EqualValues(t, 2, committed.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPackageRejectsDuplicateHashRollsBack(t *testing.T) {
	g, mock := newMockGateway(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT true FROM deployments WHERE id = \$1 FOR UPDATE`).
		WithArgs("dep-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))

	historyCols := []string{"seq", "label", "app_version", "blob_url", "size", "package_hash", "manifest_blob_url",
		"is_disabled", "is_mandatory", "rollout", "release_method", "original_label", "original_deployment",
		"description", "upload_time", "released_by"}
	mock.ExpectQuery(`SELECT seq, label, app_version, blob_url, size, package_hash, manifest_blob_url,[\s\S]*FROM packages WHERE deployment_id = \$1 ORDER BY seq ASC`).
		WithArgs("dep-1").
		WillReturnRows(sqlmock.NewRows(historyCols).AddRow(
			1, "v1", "1.0.0", "U1", 100, "H1", nil, false, false, nil, "Upload", nil, nil, nil, time.Now(), "acct-1",
		))
	mock.ExpectQuery(`SELECT from_package_hash, size, blob_url FROM package_diffs WHERE deployment_id = \$1 AND package_seq = \$2`).
		WithArgs("dep-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"from_package_hash", "size", "blob_url"}))
	mock.ExpectRollback()

	_, err := g.CommitPackage(ctx, "dep-1", model.Package{
		AppVersion:  "1.0.0",
		BlobURL:     "U1dup",
		PackageHash: "H1",
		ReleasedBy:  "acct-1",
	})
	require.Error(t, err)
	require.Equal(t, apperr.Conflict, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
