package handler

import (
	"context"
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/release"
)

// maxMultipartMemory はmultipartフォームをメモリに保持する上限。超えた分は一時ファイルに書き出される。
const maxMultipartMemory = 8 << 20

// ReleaseServiceInterface はリリースハンドラーが必要とするサービスインターフェース。
type ReleaseServiceInterface interface {
	List(ctx context.Context) ([]*model.Release, error)
	Get(ctx context.Context, id string) (*model.Release, error)
	Add(ctx context.Context, in release.AddInput) (*model.Release, error)
	Update(ctx context.Context, id string, in release.UpdateInput) (*model.Release, error)
	Delete(ctx context.Context, id string) error
}

// ReleaseHandler はリリース履歴のHTTPハンドラー。
type ReleaseHandler struct {
	service       ReleaseServiceInterface
	maxUploadSize int64
}

// NewReleaseHandler はReleaseHandlerを生成する。
// maxUploadSizeはmultipartリクエスト全体の上限バイト数。
func NewReleaseHandler(service ReleaseServiceInterface, maxUploadSize int64) *ReleaseHandler {
	return &ReleaseHandler{service: service, maxUploadSize: maxUploadSize}
}

// releaseRequest はJSONでのリリース追加・更新リクエスト。
type releaseRequest struct {
	ChangeSummary    *string               `json:"change_summary" validate:"omitempty,max=5000"`
	DeploymentTime   *time.Time            `json:"deployment_time"`
	Phases           []releasePhaseRequest `json:"phases" validate:"omitempty,dive"`
	RemoveScreenshot bool                  `json:"remove_screenshot"`
}

type releasePhaseRequest struct {
	Name      string `json:"name" validate:"required,max=200"`
	Completed bool   `json:"completed"`
}

type releaseResponse struct {
	ID             string               `json:"id"`
	ChangeSummary  string               `json:"change_summary"`
	DeploymentTime time.Time            `json:"deployment_time"`
	ScreenshotURL  *string              `json:"screenshot_url"`
	Phases         []model.ReleasePhase `json:"phases"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// List はリリースをデプロイ日時の降順で返す。
// GET /api/releases
func (h *ReleaseHandler) List(w http.ResponseWriter, r *http.Request) {
	releases, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]releaseResponse, len(releases))
	for i, rel := range releases {
		resp[i] = toReleaseResponse(rel)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get はリリースを1件返す。
// GET /api/releases/{id}
func (h *ReleaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	rel, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReleaseResponse(rel))
}

// Add はリリースを追加する。JSONまたはスクリーンショット付きのmultipartを受け付ける。
// POST /api/releases
func (h *ReleaseHandler) Add(w http.ResponseWriter, r *http.Request) {
	req, upload, cleanup, apiErr := h.parseRequest(w, r)
	if apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}
	defer cleanup()

	in := release.AddInput{
		DeploymentTime: req.DeploymentTime,
		Phases:         toModelPhases(req.Phases),
		Screenshot:     upload,
	}
	if req.ChangeSummary != nil {
		in.ChangeSummary = *req.ChangeSummary
	}

	rel, err := h.service.Add(r.Context(), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReleaseResponse(rel))
}

// Update はリリースを部分更新する。
// PATCH /api/releases/{id}
func (h *ReleaseHandler) Update(w http.ResponseWriter, r *http.Request) {
	req, upload, cleanup, apiErr := h.parseRequest(w, r)
	if apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}
	defer cleanup()

	rel, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), release.UpdateInput{
		ChangeSummary:    req.ChangeSummary,
		DeploymentTime:   req.DeploymentTime,
		Phases:           toModelPhases(req.Phases),
		Screenshot:       upload,
		RemoveScreenshot: req.RemoveScreenshot,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReleaseResponse(rel))
}

// Delete はリリースとスクリーンショットを削除する。
// DELETE /api/releases/{id}
func (h *ReleaseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

// parseRequest はContent-Typeに応じてJSONまたはmultipartのリクエストを解析する。
// 返されるcleanupはmultipartの一時ファイルを削除する。
func (h *ReleaseHandler) parseRequest(w http.ResponseWriter, r *http.Request) (*releaseRequest, *release.Upload, func(), *model.APIError) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req releaseRequest
		if apiErr := decodeJSON(w, r, &req); apiErr != nil {
			return nil, nil, noop, apiErr
		}
		return &req, nil, noop, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, nil, noop, model.NewInvalidRequestError("multipartフォームの解析に失敗しました")
	}
	cleanup := func() { r.MultipartForm.RemoveAll() }

	req, apiErr := releaseRequestFromForm(r.MultipartForm)
	if apiErr != nil {
		cleanup()
		return nil, nil, noop, apiErr
	}

	var upload *release.Upload
	if files := r.MultipartForm.File["screenshot"]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			cleanup()
			return nil, nil, noop, model.NewInvalidRequestError("スクリーンショットを読み取れません")
		}
		upload = &release.Upload{FileName: files[0].Filename, Body: f}
		cleanup = func() {
			f.Close()
			r.MultipartForm.RemoveAll()
		}
	}
	return req, upload, cleanup, nil
}

// releaseRequestFromForm はmultipartのフォーム値をreleaseRequestに変換する。
// phasesはJSON配列の文字列で受け取る。
func releaseRequestFromForm(form *multipart.Form) (*releaseRequest, *model.APIError) {
	get := func(key string) (string, bool) {
		v, ok := form.Value[key]
		if !ok || len(v) == 0 {
			return "", false
		}
		return v[0], true
	}

	req := &releaseRequest{}
	if v, ok := get("change_summary"); ok {
		req.ChangeSummary = &v
	}
	if v, ok := get("deployment_time"); ok && strings.TrimSpace(v) != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			return nil, model.NewInvalidRequestError("deployment_timeはRFC3339形式で指定してください")
		}
		req.DeploymentTime = &t
	}
	if v, ok := get("phases"); ok && strings.TrimSpace(v) != "" {
		if err := json.Unmarshal([]byte(v), &req.Phases); err != nil {
			return nil, model.NewInvalidRequestError("phasesの解析に失敗しました")
		}
	}
	if v, ok := get("remove_screenshot"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, model.NewInvalidRequestError("remove_screenshotにはtrueまたはfalseを指定してください")
		}
		req.RemoveScreenshot = b
	}
	if apiErr := validateStruct(req); apiErr != nil {
		return nil, apiErr
	}
	return req, nil
}

func toModelPhases(phases []releasePhaseRequest) []model.ReleasePhase {
	if phases == nil {
		return nil
	}
	out := make([]model.ReleasePhase, len(phases))
	for i, p := range phases {
		out[i] = model.ReleasePhase{Name: p.Name, Completed: p.Completed}
	}
	return out
}

func toReleaseResponse(r *model.Release) releaseResponse {
	return releaseResponse{
		ID:             r.ID,
		ChangeSummary:  r.ChangeSummary,
		DeploymentTime: r.DeploymentTime,
		ScreenshotURL:  r.ScreenshotURL,
		Phases:         r.Phases,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
