package httpapi_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/blobstore/memtest"
	"pushd.sh/pushd/internal/cachestore"
	"pushd.sh/pushd/internal/httpapi"
	"pushd.sh/pushd/internal/ingest"
	"pushd.sh/pushd/internal/ingest/diffpool"
	"pushd.sh/pushd/internal/manage"
	metamem "pushd.sh/pushd/internal/metastore/memtest"
	"pushd.sh/pushd/internal/model"
)

// stubAuthenticator always resolves to the account ID it was built with,
// standing in for spec §1's externally-supplied Authenticator.
type stubAuthenticator struct{ accountID string }

func (s stubAuthenticator) Authenticate(*http.Request) (string, error) { return s.accountID, nil }

// refusingAuthenticator always fails, used to exercise withAuth's 401 path.
type refusingAuthenticator struct{}

func (refusingAuthenticator) Authenticate(*http.Request) (string, error) {
	return "", apperr.New(apperr.Unauthorized, "no credentials supplied")
}

func newManagementTestRouter(t *testing.T, accountID string) (http.Handler, *metamem.Gateway) {
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
	svc := manage.New(meta, cache, ingestSvc)
	router := httpapi.NewManagementRouter(httpapi.NewManagementHandlers(svc), stubAuthenticator{accountID: accountID}, httpapi.NoopRateLimiter{})
	return router, meta
}

func seedManagementAccount(t *testing.T, meta *metamem.Gateway, id, email string) {
	t.Helper()
	meta.SeedAccount(&model.Account{ID: id, Email: email, Name: email})
}

func TestCreateAppHandlerReturnsCreatedApp(t *testing.T) {
	router, meta := newManagementTestRouter(t, "acct-1")
	seedManagementAccount(t, meta, "acct-1", "owner@example.com")

	body, err := json.Marshal(map[string]string{"name": "MyApp"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/apps", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "MyApp", resp["app"]["name"])
}

func TestManagementRouterRejectsUnauthenticatedRequests(t *testing.T) {
	meta := metamem.New()
	blobs := memtest.New()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := cachestore.NewRedisGateway(client)
	ingestSvc := ingest.New(meta, blobs, cache, nil, diffpool.New(2))
	svc := manage.New(meta, cache, ingestSvc)
	router := httpapi.NewManagementRouter(httpapi.NewManagementHandlers(svc), refusingAuthenticator{}, httpapi.NoopRateLimiter{})

	req := httptest.NewRequest(http.MethodGet, "/apps", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateDeploymentHandlerSucceedsForAppOwner(t *testing.T) {
	router, meta := newManagementTestRouter(t, "acct-1")
	seedManagementAccount(t, meta, "acct-1", "owner@example.com")

	createBody, err := json.Marshal(map[string]string{"name": "MyApp"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/apps", bytes.NewReader(createBody))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	depBody, err := json.Marshal(map[string]string{"name": "Production"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/apps/MyApp/deployments", bytes.NewReader(depBody))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Production", resp["deployment"]["name"])
}

func TestReleaseHandlerUploadsMultipartPackage(t *testing.T) {
	router, meta := newManagementTestRouter(t, "acct-1")
	seedManagementAccount(t, meta, "acct-1", "owner@example.com")

	for _, req := range []struct {
		method, path string
		body         []byte
	}{
		{http.MethodPost, "/apps", mustJSON(t, map[string]string{"name": "MyApp"})},
		{http.MethodPost, "/apps/MyApp/deployments", mustJSON(t, map[string]string{"name": "Production"})},
	} {
		r := httptest.NewRequest(req.method, req.path, bytes.NewReader(req.body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, r)
		require.True(t, rec.Code == http.StatusCreated, "setup request %s %s failed: %d %s", req.method, req.path, rec.Code, rec.Body.String())
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("package", "bundle.zip")
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake-bundle-contents"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("appVersion", "1.0.0"))
	require.NoError(t, w.WriteField("isMandatory", "false"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/apps/MyApp/deployments/Production/release", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "v1", resp["package"]["label"])
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
