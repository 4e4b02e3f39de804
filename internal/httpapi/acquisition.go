package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"pushd.sh/pushd/internal/acquire"
	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/resolver"
)

// sdkVersionHeader carries the client's SDK version for reportStatusDeploy's
// protocol branch (spec §4.H); the spec leaves the transport unspecified, so
// this follows the wire header the CodePush client SDKs already send.
const sdkVersionHeader = "X-CodePush-SDK-Version"

// AcquisitionHandlers builds the client-facing update-check and
// status-report handlers against svc.
type AcquisitionHandlers struct {
	svc *acquire.Service
}

// NewAcquisitionHandlers constructs an AcquisitionHandlers.
func NewAcquisitionHandlers(svc *acquire.Service) *AcquisitionHandlers {
	return &AcquisitionHandlers{svc: svc}
}

func parseUpdateCheckRequest(r *http.Request) resolver.UpdateCheckRequest {
	q := r.URL.Query()
	isCompanion, _ := strconv.ParseBool(q.Get("isCompanion"))
	return resolver.UpdateCheckRequest{
		DeploymentKey:  q.Get("deploymentKey"),
		AppVersion:     q.Get("appVersion"),
		PackageHash:    q.Get("packageHash"),
		Label:          q.Get("label"),
		IsCompanion:    isCompanion,
		ClientUniqueID: q.Get("clientUniqueId"),
	}
}

// updateCheck handles `GET /updateCheck`, spec §6's "decide whether a
// client should update" operation.
func (h *AcquisitionHandlers) updateCheck(w http.ResponseWriter, r *http.Request) {
	req := parseUpdateCheckRequest(r)
	if req.DeploymentKey == "" {
		writeError(w, r, apperr.New(apperr.MalformedRequest, "deploymentKey is required"))
		return
	}

	cacheURL := acquire.NormalizeCacheURL(r.URL.Path, r.URL.Query())
	result, err := h.svc.UpdateCheck(r.Context(), cacheURL, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"updateInfo": result.Info})

	// The cache-read error (if any) is surfaced only after the response has
	// already been sent, per spec §4.H: a cache outage never penalises the
	// client that happened to trigger it.
	if result.CacheReadErr != nil {
		logFrom(r).Warn().Err(result.CacheReadErr).Msg("update check cache read failed")
	}
}

// updateCheckSnakeCase handles the `/v0.1/public/codepush/update_check`
// alias: same operation, with snake_case query keys and a snake_case
// response body (spec §6, §9).
func (h *AcquisitionHandlers) updateCheckSnakeCase(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	isCompanion, _ := strconv.ParseBool(q.Get("is_companion"))
	req := resolver.UpdateCheckRequest{
		DeploymentKey:  q.Get("deployment_key"),
		AppVersion:     q.Get("app_version"),
		PackageHash:    q.Get("package_hash"),
		Label:          q.Get("label"),
		IsCompanion:    isCompanion,
		ClientUniqueID: q.Get("client_unique_id"),
	}
	if req.DeploymentKey == "" {
		writeError(w, r, apperr.New(apperr.MalformedRequest, "deployment_key is required"))
		return
	}

	cacheURL := acquire.NormalizeCacheURL(r.URL.Path, r.URL.Query())
	result, err := h.svc.UpdateCheck(r.Context(), cacheURL, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	generic, err := toGenericJSON(map[string]interface{}{"updateInfo": result.Info})
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.Other, err))
		return
	}
	writeJSON(w, http.StatusOK, toSnakeCase(generic))

	if result.CacheReadErr != nil {
		logFrom(r).Warn().Err(result.CacheReadErr).Msg("update check cache read failed")
	}
}

type reportStatusDeployBody struct {
	DeploymentKey             string `json:"deploymentKey"`
	AppVersion                string `json:"appVersion"`
	Label                     string `json:"label"`
	Status                    string `json:"status"`
	ClientUniqueID            string `json:"clientUniqueId"`
	PreviousDeploymentKey     string `json:"previousDeploymentKey"`
	PreviousLabelOrAppVersion string `json:"previousLabelOrAppVersion"`
}

func (h *AcquisitionHandlers) toDeployRequest(r *http.Request, body reportStatusDeployBody) acquire.ReportStatusDeployRequest {
	return acquire.ReportStatusDeployRequest{
		DeploymentKey:             body.DeploymentKey,
		AppVersion:                body.AppVersion,
		Label:                     body.Label,
		Status:                    body.Status,
		ClientUniqueID:            body.ClientUniqueID,
		PreviousDeploymentKey:     body.PreviousDeploymentKey,
		PreviousLabelOrAppVersion: body.PreviousLabelOrAppVersion,
		SDKVersion:                r.Header.Get(sdkVersionHeader),
	}
}

// reportStatusDeploy handles `POST /reportStatus/deploy`.
func (h *AcquisitionHandlers) reportStatusDeploy(w http.ResponseWriter, r *http.Request) {
	var body reportStatusDeployBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	if err := h.svc.ReportStatusDeploy(r.Context(), h.toDeployRequest(r, body)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// reportStatusDeploySnakeCase handles the
// `/v0.1/public/codepush/report_status/deploy` alias.
func (h *AcquisitionHandlers) reportStatusDeploySnakeCase(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	converted, err := remarshal(toCamelCase(raw))
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	var body reportStatusDeployBody
	if err := json.Unmarshal(converted, &body); err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	if err := h.svc.ReportStatusDeploy(r.Context(), h.toDeployRequest(r, body)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnakeCase(map[string]interface{}{"status": "OK"}))
}

type reportStatusDownloadBody struct {
	DeploymentKey string `json:"deploymentKey"`
	Label         string `json:"label"`
}

// reportStatusDownload handles `POST /reportStatus/download`.
func (h *AcquisitionHandlers) reportStatusDownload(w http.ResponseWriter, r *http.Request) {
	var body reportStatusDownloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	if err := h.svc.ReportStatusDownload(r.Context(), body.DeploymentKey, body.Label); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// reportStatusDownloadSnakeCase handles the
// `/v0.1/public/codepush/report_status/download` alias.
func (h *AcquisitionHandlers) reportStatusDownloadSnakeCase(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	converted, err := remarshal(toCamelCase(raw))
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	var body reportStatusDownloadBody
	if err := json.Unmarshal(converted, &body); err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	if err := h.svc.ReportStatusDownload(r.Context(), body.DeploymentKey, body.Label); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnakeCase(map[string]string{"status": "OK"}))
}

// remarshal round-trips v through encoding/json; used to turn the output of
// toCamelCase (a map[string]interface{}) back into bytes a typed struct can
// be decoded from.
func remarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// toGenericJSON round-trips v through encoding/json into a plain
// map[string]interface{}/[]interface{} tree, so toSnakeCase's recursive key
// rewrite reaches fields on typed structs (whose Go field names it would
// otherwise never see) and not just literal map literals.
func toGenericJSON(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
