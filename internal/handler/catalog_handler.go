package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/outagegrid/internal/model"
)

// CatalogServiceInterface はカテゴリ・アプリケーション管理ハンドラーが必要とするサービスインターフェース。
type CatalogServiceInterface interface {
	CatalogLister
	AddCategory(ctx context.Context, name string) (*model.Category, error)
	RenameCategory(ctx context.Context, id, name string) (*model.Category, error)
	DeleteCategory(ctx context.Context, id string) error
	ReorderCategories(ctx context.Context, entries []model.ReorderEntry) error
	AddApplication(ctx context.Context, categoryID, name string) (*model.Application, error)
	RenameApplication(ctx context.Context, id, name string) (*model.Application, error)
	DeleteApplication(ctx context.Context, id string) error
	ReorderApplications(ctx context.Context, categoryID string, entries []model.ReorderEntry) error
}

// CatalogHandler はカテゴリとアプリケーションのHTTPハンドラー。
type CatalogHandler struct {
	service CatalogServiceInterface
}

// NewCatalogHandler はCatalogHandlerを生成する。
func NewCatalogHandler(service CatalogServiceInterface) *CatalogHandler {
	return &CatalogHandler{service: service}
}

// nameRequest は追加・名前変更リクエストのボディ。
// 空白のみの名前はサービス層でINVALID_NAMEになる。
type nameRequest struct {
	Name string `json:"name" validate:"max=200"`
}

type reorderEntryRequest struct {
	ID    string `json:"id" validate:"required"`
	Order int    `json:"order" validate:"gte=0"`
}

type categoryResponse struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Order        int                   `json:"order"`
	CreatedAt    time.Time             `json:"created_at"`
	Applications []applicationResponse `json:"applications,omitempty"`
}

type applicationResponse struct {
	ID         string    `json:"id"`
	CategoryID string    `json:"category_id"`
	Name       string    `json:"name"`
	Order      int       `json:"order"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListCategories はカテゴリとアプリケーションのツリーを返す。
// GET /api/categories
func (h *CatalogHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	tree, err := h.service.ListCategoriesWithApplications(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]categoryResponse, len(tree))
	for i, c := range tree {
		resp[i] = toCategoryResponse(&c.Category)
		resp[i].Applications = make([]applicationResponse, len(c.Applications))
		for j := range c.Applications {
			resp[i].Applications[j] = toApplicationResponse(&c.Applications[j])
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddCategory はカテゴリを末尾に追加する。
// POST /api/categories
func (h *CatalogHandler) AddCategory(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	c, err := h.service.AddCategory(r.Context(), req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCategoryResponse(c))
}

// RenameCategory はカテゴリ名を変更する。
// PATCH /api/categories/{id}
func (h *CatalogHandler) RenameCategory(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	c, err := h.service.RenameCategory(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCategoryResponse(c))
}

// DeleteCategory はカテゴリと配下のアプリケーション、障害記録を削除する。
// DELETE /api/categories/{id}
func (h *CatalogHandler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteCategory(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReorderCategories はカテゴリの表示順を一括で更新する。
// PUT /api/categories/order
func (h *CatalogHandler) ReorderCategories(w http.ResponseWriter, r *http.Request) {
	entries, apiErr := decodeReorder(w, r)
	if apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}
	if err := h.service.ReorderCategories(r.Context(), entries); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddApplication はカテゴリにアプリケーションを追加する。
// POST /api/categories/{id}/applications
func (h *CatalogHandler) AddApplication(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	a, err := h.service.AddApplication(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationResponse(a))
}

// RenameApplication はアプリケーション名を変更する。
// PATCH /api/applications/{id}
func (h *CatalogHandler) RenameApplication(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	a, err := h.service.RenameApplication(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(a))
}

// DeleteApplication はアプリケーションと障害記録を削除する。
// DELETE /api/applications/{id}
func (h *CatalogHandler) DeleteApplication(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteApplication(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReorderApplications はカテゴリ内のアプリケーションの表示順を一括で更新する。
// PUT /api/categories/{id}/applications/order
func (h *CatalogHandler) ReorderApplications(w http.ResponseWriter, r *http.Request) {
	entries, apiErr := decodeReorder(w, r)
	if apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}
	if err := h.service.ReorderApplications(r.Context(), chi.URLParam(r, "id"), entries); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

func decodeReorder(w http.ResponseWriter, r *http.Request) ([]model.ReorderEntry, *model.APIError) {
	var req []reorderEntryRequest
	if apiErr := decodeBody(w, r, &req); apiErr != nil {
		return nil, apiErr
	}
	entries := make([]model.ReorderEntry, len(req))
	for i, e := range req {
		if apiErr := validateStruct(&e); apiErr != nil {
			return nil, apiErr
		}
		entries[i] = model.ReorderEntry{ID: e.ID, Order: e.Order}
	}
	return entries, nil
}

func toCategoryResponse(c *model.Category) categoryResponse {
	return categoryResponse{ID: c.ID, Name: c.Name, Order: c.Order, CreatedAt: c.CreatedAt}
}

func toApplicationResponse(a *model.Application) applicationResponse {
	return applicationResponse{
		ID:         a.ID,
		CategoryID: a.CategoryID,
		Name:       a.Name,
		Order:      a.Order,
		CreatedAt:  a.CreatedAt,
	}
}
