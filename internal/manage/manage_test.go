package manage_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/blobstore/memtest"
	"pushd.sh/pushd/internal/cachestore"
	"pushd.sh/pushd/internal/ingest"
	"pushd.sh/pushd/internal/ingest/diffpool"
	"pushd.sh/pushd/internal/manage"
	metamem "pushd.sh/pushd/internal/metastore/memtest"
	"pushd.sh/pushd/internal/model"
)

func newTestService(t *testing.T) (*manage.Service, *metamem.Gateway) {
	t.Helper()
	meta := metamem.New()
	blobs := memtest.New()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := cachestore.NewRedisGateway(client)

	ingestSvc := ingest.New(meta, blobs, cache, nil, diffpool.New(2))
	return manage.New(meta, cache, ingestSvc), meta
}

func seedAccount(t *testing.T, meta *metamem.Gateway, id, email string) {
	t.Helper()
	meta.SeedAccount(&model.Account{ID: id, Email: email, Name: email})
}

func TestCreateAppOwnerIsCollaborator(t *testing.T) {
	svc, meta := newTestService(t)
	seedAccount(t, meta, "acct-1", "owner@example.com")

	app, err := svc.CreateApp(context.Background(), "acct-1", "MyApp")
	require.NoError(t, err)
	info, ok := app.Collaborators["owner@example.com"]
	require.True(t, ok)
	require.Equal(t, model.Owner, info.Permission)
}

func TestGetAppRejectsNonCollaborator(t *testing.T) {
	svc, meta := newTestService(t)
	seedAccount(t, meta, "acct-1", "owner@example.com")
	seedAccount(t, meta, "acct-2", "stranger@example.com")

	_, err := svc.CreateApp(context.Background(), "acct-1", "MyApp")
	require.NoError(t, err)

	// A stranger's account can't even resolve an app it has no
	// collaborator entry on: metastore.ResolveApp scopes bare-name
	// lookup to the caller's own collaborations, so this fails at
	// resolution rather than at the permission check.
	_, err = svc.GetApp(context.Background(), "acct-2", "owner@example.com:MyApp")
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestAddCollaboratorRequiresOwner(t *testing.T) {
	svc, meta := newTestService(t)
	seedAccount(t, meta, "acct-1", "owner@example.com")
	seedAccount(t, meta, "acct-2", "collab@example.com")

	_, err := svc.CreateApp(context.Background(), "acct-1", "MyApp")
	require.NoError(t, err)

	require.NoError(t, svc.AddCollaborator(context.Background(), "acct-1", "MyApp", "collab@example.com"))

	app, err := svc.GetApp(context.Background(), "acct-2", "owner@example.com:MyApp")
	require.NoError(t, err)
	require.Equal(t, model.Collaborator, app.Collaborators["collab@example.com"].Permission)

	err = svc.AddCollaborator(context.Background(), "acct-2", "MyApp", "third@example.com")
	require.Error(t, err)
	require.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestDeleteAppWithDeploymentsSucceeds(t *testing.T) {
	svc, meta := newTestService(t)
	seedAccount(t, meta, "acct-1", "owner@example.com")

	_, err := svc.CreateApp(context.Background(), "acct-1", "MyApp")
	require.NoError(t, err)
	_, err = svc.CreateDeployment(context.Background(), "acct-1", "MyApp", "Production")
	require.NoError(t, err)

	// Cache invalidation for the deleted app's deployments runs in a
	// detached goroutine (it must never delay the caller's response); this
	// only asserts the delete itself succeeds.
	require.NoError(t, svc.DeleteApp(context.Background(), "acct-1", "MyApp"))

	_, err = svc.GetApp(context.Background(), "acct-1", "MyApp")
	require.Error(t, err)
}

func TestReleaseDelegatesToIngest(t *testing.T) {
	svc, meta := newTestService(t)
	seedAccount(t, meta, "acct-1", "owner@example.com")

	_, err := svc.CreateApp(context.Background(), "acct-1", "MyApp")
	require.NoError(t, err)
	_, err = svc.CreateDeployment(context.Background(), "acct-1", "MyApp", "Production")
	require.NoError(t, err)

	pkg, err := svc.Release(context.Background(), manage.ReleaseRequest{
		AccountID:  "acct-1",
		AppName:    "MyApp",
		DeployName: "Production",
		Upload: ingest.UploadRequest{
			Payload:    bytes.NewReader([]byte("release bytes")),
			AppVersion: "1.0.0",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "v1", pkg.Label)

	history, err := svc.GetHistory(context.Background(), "acct-1", "MyApp", "Production")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestClearHistoryRequiresOwner(t *testing.T) {
	svc, meta := newTestService(t)
	seedAccount(t, meta, "acct-1", "owner@example.com")
	seedAccount(t, meta, "acct-2", "collab@example.com")

	_, err := svc.CreateApp(context.Background(), "acct-1", "MyApp")
	require.NoError(t, err)
	_, err = svc.CreateDeployment(context.Background(), "acct-1", "MyApp", "Production")
	require.NoError(t, err)
	require.NoError(t, svc.AddCollaborator(context.Background(), "acct-1", "MyApp", "collab@example.com"))

	err = svc.ClearHistory(context.Background(), "acct-2", "MyApp", "Production")
	require.Error(t, err)
	require.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	require.NoError(t, svc.ClearHistory(context.Background(), "acct-1", "MyApp", "Production"))
}
