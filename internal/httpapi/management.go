package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"pushd.sh/pushd/internal/apperr"
	"pushd.sh/pushd/internal/ingest"
	"pushd.sh/pushd/internal/manage"
)

// ManagementHandlers builds the operator-facing app/deployment/release
// handlers against svc.
type ManagementHandlers struct {
	svc *manage.Service
}

// NewManagementHandlers constructs a ManagementHandlers.
func NewManagementHandlers(svc *manage.Service) *ManagementHandlers {
	return &ManagementHandlers{svc: svc}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.MalformedRequest, err)
	}
	return nil
}

// --- Apps ---

type createAppBody struct {
	Name string `json:"name"`
}

func (h *ManagementHandlers) createApp(w http.ResponseWriter, r *http.Request) {
	var body createAppBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	app, err := h.svc.CreateApp(r.Context(), accountIDFrom(r), body.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"app": app})
}

func (h *ManagementHandlers) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.svc.ListApps(r.Context(), accountIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"apps": apps})
}

func (h *ManagementHandlers) getApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.svc.GetApp(r.Context(), accountIDFrom(r), mux.Vars(r)["appName"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"app": app})
}

type renameAppBody struct {
	Name string `json:"name"`
}

func (h *ManagementHandlers) renameApp(w http.ResponseWriter, r *http.Request) {
	var body renameAppBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.RenameApp(r.Context(), accountIDFrom(r), mux.Vars(r)["appName"], body.Name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (h *ManagementHandlers) deleteApp(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteApp(r.Context(), accountIDFrom(r), mux.Vars(r)["appName"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (h *ManagementHandlers) transferApp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.TransferApp(r.Context(), accountIDFrom(r), vars["appName"], vars["email"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (h *ManagementHandlers) addCollaborator(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.AddCollaborator(r.Context(), accountIDFrom(r), vars["appName"], vars["email"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "OK"})
}

func (h *ManagementHandlers) removeCollaborator(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.RemoveCollaborator(r.Context(), accountIDFrom(r), vars["appName"], vars["email"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// --- Deployments ---

type createDeploymentBody struct {
	Name string `json:"name"`
}

func (h *ManagementHandlers) createDeployment(w http.ResponseWriter, r *http.Request) {
	var body createDeploymentBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	dep, err := h.svc.CreateDeployment(r.Context(), accountIDFrom(r), mux.Vars(r)["appName"], body.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"deployment": dep})
}

func (h *ManagementHandlers) listDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := h.svc.ListDeployments(r.Context(), accountIDFrom(r), mux.Vars(r)["appName"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deployments": deps})
}

func (h *ManagementHandlers) getDeployment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dep, err := h.svc.GetDeployment(r.Context(), accountIDFrom(r), vars["appName"], vars["deploymentName"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deployment": dep})
}

type renameDeploymentBody struct {
	Name string `json:"name"`
}

func (h *ManagementHandlers) renameDeployment(w http.ResponseWriter, r *http.Request) {
	var body renameDeploymentBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	if err := h.svc.RenameDeployment(r.Context(), accountIDFrom(r), vars["appName"], vars["deploymentName"], body.Name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (h *ManagementHandlers) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.DeleteDeployment(r.Context(), accountIDFrom(r), vars["appName"], vars["deploymentName"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// --- Releases ---

// maxReleaseUploadBytes caps the multipart form the release endpoint will
// buffer in memory before spilling to temp files, matching spec §4.G's
// size-cap note for uploaded bundles.
const maxReleaseUploadBytes = 200 << 20

func (h *ManagementHandlers) release(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxReleaseUploadBytes); err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	file, _, err := r.FormFile("package")
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.MalformedRequest, err))
		return
	}
	defer file.Close()

	rollout, err := optionalIntForm(r, "rollout")
	if err != nil {
		writeError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	pkg, err := h.svc.Release(r.Context(), manage.ReleaseRequest{
		AccountID:  accountIDFrom(r),
		AppName:    vars["appName"],
		DeployName: vars["deploymentName"],
		Upload: ingest.UploadRequest{
			Payload:     file,
			AppVersion:  r.FormValue("appVersion"),
			IsMandatory: r.FormValue("isMandatory") == "true",
			Rollout:     rollout,
			Description: r.FormValue("description"),
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"package": pkg})
}

type patchReleaseBody struct {
	IsDisabled  *bool   `json:"isDisabled"`
	IsMandatory *bool   `json:"isMandatory"`
	Description *string `json:"description"`
	AppVersion  *string `json:"appVersion"`
	Rollout     *int    `json:"rollout"`
	Label       string  `json:"label"`
}

func (h *ManagementHandlers) patchRelease(w http.ResponseWriter, r *http.Request) {
	var body patchReleaseBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	pkg, err := h.svc.PatchRelease(r.Context(), manage.PatchReleaseRequest{
		AccountID:  accountIDFrom(r),
		AppName:    vars["appName"],
		DeployName: vars["deploymentName"],
		Patch: ingest.PatchRequest{
			Label:       body.Label,
			IsDisabled:  body.IsDisabled,
			IsMandatory: body.IsMandatory,
			Description: body.Description,
			AppVersion:  body.AppVersion,
			Rollout:     body.Rollout,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"package": pkg})
}

type promoteBody struct {
	AppVersion  *string `json:"appVersion"`
	IsMandatory *bool   `json:"isMandatory"`
	Description *string `json:"description"`
	Rollout     *int    `json:"rollout"`
}

func (h *ManagementHandlers) promote(w http.ResponseWriter, r *http.Request) {
	var body promoteBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	pkg, err := h.svc.Promote(r.Context(), manage.PromoteRequest{
		AccountID:    accountIDFrom(r),
		AppName:      vars["appName"],
		SourceDeploy: vars["deploymentName"],
		DestDeploy:   vars["destDeploymentName"],
		Overrides: ingest.PromoteOverrides{
			AppVersion:  body.AppVersion,
			IsMandatory: body.IsMandatory,
			Description: body.Description,
			Rollout:     body.Rollout,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"package": pkg})
}

func (h *ManagementHandlers) rollback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pkg, err := h.svc.Rollback(r.Context(), manage.RollbackRequest{
		AccountID:   accountIDFrom(r),
		AppName:     vars["appName"],
		DeployName:  vars["deploymentName"],
		TargetLabel: vars["targetRelease"],
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"package": pkg})
}

func (h *ManagementHandlers) getHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	history, err := h.svc.GetHistory(r.Context(), accountIDFrom(r), vars["appName"], vars["deploymentName"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (h *ManagementHandlers) clearHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.ClearHistory(r.Context(), accountIDFrom(r), vars["appName"], vars["deploymentName"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (h *ManagementHandlers) getMetrics(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	metrics, err := h.svc.GetMetrics(r.Context(), accountIDFrom(r), vars["appName"], vars["deploymentName"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": metrics})
}

// optionalIntForm parses a form field that is either absent (nil) or an
// integer. It does no range check; internal/ingest rejects a rollout
// outside [1, 100].
func optionalIntForm(r *http.Request, key string) (*int, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.MalformedRequest, err)
	}
	return &n, nil
}
