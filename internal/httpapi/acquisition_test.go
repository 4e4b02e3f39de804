package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"pushd.sh/pushd/internal/acquire"
	"pushd.sh/pushd/internal/cachestore"
	"pushd.sh/pushd/internal/httpapi"
	metamem "pushd.sh/pushd/internal/metastore/memtest"
	"pushd.sh/pushd/internal/model"
)

func newAcquisitionTestRouter(t *testing.T) (http.Handler, *metamem.Gateway) {
	t.Helper()
	meta := metamem.New()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := cachestore.NewRedisGateway(client)

	svc := acquire.New(meta, cache)
	router := httpapi.NewAcquisitionRouter(httpapi.NewAcquisitionHandlers(svc), meta, cache)
	return router, meta
}

func seedAcquisitionDeployment(t *testing.T, meta *metamem.Gateway) {
	t.Helper()
	require.NoError(t, meta.CreateDeployment(context.Background(), &model.Deployment{
		ID: "dep-1", AppID: "app-1", Name: "Production", Key: "KEY1234567890ABCDEF",
	}))
	_, err := meta.CommitPackage(context.Background(), "dep-1", model.Package{
		AppVersion:  "1.0.0",
		BlobURL:     "https://blobs.example/v1",
		PackageHash: "hash-v1",
		Size:        10,
	})
	require.NoError(t, err)
}

func TestUpdateCheckHandlerReturnsUpdateInfo(t *testing.T) {
	router, meta := newAcquisitionTestRouter(t)
	seedAcquisitionDeployment(t, meta)

	req := httptest.NewRequest(http.MethodGet, "/updateCheck?deploymentKey=KEY1234567890ABCDEF&appVersion=1.0.0&packageHash=H0", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["updateInfo"]["isAvailable"])
	require.Equal(t, "v1", body["updateInfo"]["label"])
}

func TestUpdateCheckHandlerMissingDeploymentKeyIsMalformed(t *testing.T) {
	router, _ := newAcquisitionTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/updateCheck?appVersion=1.0.0", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateCheckSnakeCaseAliasConvertsKeys(t *testing.T) {
	router, meta := newAcquisitionTestRouter(t)
	seedAcquisitionDeployment(t, meta)

	req := httptest.NewRequest(http.MethodGet, "/v0.1/public/codepush/update_check?deployment_key=KEY1234567890ABCDEF&app_version=1.0.0", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	info := body["update_info"]
	require.NotNil(t, info)
	require.Equal(t, true, info["is_available"])
	require.Equal(t, "1.0.0", info["target_binary_range"])
}

func TestReportStatusDeployHandlerModernProtocol(t *testing.T) {
	router, _ := newAcquisitionTestRouter(t)

	body, err := json.Marshal(map[string]interface{}{
		"deploymentKey":  "KEY1234567890ABCDEF",
		"label":          "v2",
		"status":         "DeploymentSucceeded",
		"clientUniqueId": "device-1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/reportStatus/deploy", bytes.NewReader(body))
	req.Header.Set("X-CodePush-SDK-Version", "2.0.0")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReportStatusDownloadHandlerSnakeCaseAlias(t *testing.T) {
	router, _ := newAcquisitionTestRouter(t)

	body, err := json.Marshal(map[string]interface{}{
		"deployment_key": "KEY1234567890ABCDEF",
		"label":          "v3",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v0.1/public/codepush/report_status/download", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandlerReportsHealthy(t *testing.T) {
	router, _ := newAcquisitionTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Healthy", rec.Body.String())
}
