package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/outagegrid/internal/grid"
	"github.com/hitoshi/outagegrid/internal/model"
)

// streamKeepAlive はSSEの接続維持コメントを送る間隔。
const streamKeepAlive = 25 * time.Second

// GridServiceInterface はグリッドハンドラーが必要とするサービスインターフェース。
type GridServiceInterface interface {
	// Snapshot は指定年月のグリッド状態を返す。
	Snapshot(ctx context.Context, period model.Period) (grid.Snapshot, error)
	// Toggle はセルの状態を none → partial → full → none の順に進める。
	Toggle(ctx context.Context, period model.Period, applicationID string, day int) (model.OutageStatus, error)
	// Set はセルの状態を指定値にする。notesがnilの場合は既存のメモを変更しない。
	Set(ctx context.Context, period model.Period, applicationID string, day int, status model.OutageStatus, notes *string) error
	// Watch は指定年月のスナップショットを変更のたびに配信する。ctxの終了でチャネルが閉じられる。
	Watch(ctx context.Context, period model.Period) (<-chan grid.Snapshot, error)
}

// CatalogLister はグリッド表示に必要なカテゴリ・アプリケーションのツリーを返す。
type CatalogLister interface {
	ListCategoriesWithApplications(ctx context.Context) ([]model.CategoryWithApplications, error)
}

// StreamMetrics はストリーム接続数のメトリクス記録インターフェース。
type StreamMetrics interface {
	RecordStreamOpened()
	RecordStreamClosed()
}

// GridHandler は障害グリッドのHTTPハンドラー。
type GridHandler struct {
	service GridServiceInterface
	catalog CatalogLister
	metrics StreamMetrics
	now     func() time.Time
}

// NewGridHandler はGridHandlerを生成する。metricsはnilでもよい。
func NewGridHandler(service GridServiceInterface, catalog CatalogLister, metrics StreamMetrics) *GridHandler {
	return &GridHandler{service: service, catalog: catalog, metrics: metrics, now: time.Now}
}

// setCellRequest はセル状態の指定リクエストのボディ。
type setCellRequest struct {
	Status string  `json:"status"`
	Notes  *string `json:"notes" validate:"omitempty,max=2000"`
}

// outageResponse は障害記録のAPIレスポンス。
type outageResponse struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Day           int       `json:"day"`
	Status        string    `json:"status"`
	Notes         *string   `json:"notes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type gridApplicationResponse struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Order int               `json:"order"`
	Cells map[string]string `json:"cells"`
}

type gridCategoryResponse struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Order        int                       `json:"order"`
	Applications []gridApplicationResponse `json:"applications"`
}

// gridResponse はグリッド状態のAPIレスポンス。ストリームではこの形で配信する。
type gridResponse struct {
	Year        int              `json:"year"`
	Month       int              `json:"month"`
	DaysInMonth int              `json:"days_in_month"`
	Days        []int            `json:"days"`
	Outages     []outageResponse `json:"outages"`
}

// gridPageResponse はグリッド状態にカテゴリツリーを加えたレスポンス。
// 各アプリケーションのcellsは記録のある日付のみを "日付": "状態" で持つ。
type gridPageResponse struct {
	gridResponse
	Categories []gridCategoryResponse `json:"categories"`
}

type toggleResponse struct {
	ApplicationID string `json:"application_id"`
	Day           int    `json:"day"`
	Status        string `json:"status"`
}

// GetGrid はグリッドの状態とカテゴリツリーを返す。
// GET /api/grid?year=&month=&direction=prev|next
func (h *GridHandler) GetGrid(w http.ResponseWriter, r *http.Request) {
	period, apiErr := h.periodFromQuery(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	snap, err := h.service.Snapshot(r.Context(), period)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	tree, err := h.catalog.ListCategoriesWithApplications(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toGridPageResponse(snap, tree))
}

// Stream はグリッドのスナップショットをServer-Sent Eventsで配信する。
// GET /api/grid/stream?year=&month=
func (h *GridHandler) Stream(w http.ResponseWriter, r *http.Request) {
	period, apiErr := h.periodFromQuery(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	rc := http.NewResponseController(w)
	ctx := r.Context()
	ch, err := h.service.Watch(ctx, period)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordStreamOpened()
		defer h.metrics.RecordStreamClosed()
	}

	// 配信中は書き込みタイムアウトを無効化する
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(toGridResponse(snap))
			if err != nil {
				return
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: grid\ndata: %s\n\n", seq, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// ToggleCell はセルの状態を次の状態に進める。
// POST /api/grid/{year}/{month}/cells/{applicationId}/{day}/toggle
func (h *GridHandler) ToggleCell(w http.ResponseWriter, r *http.Request) {
	period, appID, day, apiErr := cellFromPath(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	status, err := h.service.Toggle(r.Context(), period, appID, day)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggleResponse{ApplicationID: appID, Day: day, Status: string(status)})
}

// SetCell はセルの状態を指定値にする。
// PUT /api/grid/{year}/{month}/cells/{applicationId}/{day}
func (h *GridHandler) SetCell(w http.ResponseWriter, r *http.Request) {
	period, appID, day, apiErr := cellFromPath(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	var req setCellRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, apiErr)
		return
	}
	status, err := model.ParseOutageStatus(req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.service.Set(r.Context(), period, appID, day, status, req.Notes); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggleResponse{ApplicationID: appID, Day: day, Status: string(status)})
}

// --- ヘルパー関数 ---

// periodFromQuery はyear/monthクエリから年月を組み立てる。省略時は当月。
// directionがある場合は前月・翌月に移動する。
func (h *GridHandler) periodFromQuery(r *http.Request) (model.Period, *model.APIError) {
	q := r.URL.Query()
	period := model.PeriodOf(h.now())

	if v := q.Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			return model.Period{}, model.NewInvalidPeriodError(0, period.Month)
		}
		period.Year = year
	}
	if v := q.Get("month"); v != "" {
		month, err := strconv.Atoi(v)
		if err != nil {
			return model.Period{}, model.NewInvalidPeriodError(period.Year, 0)
		}
		period.Month = month
	}
	if period.Validate() != nil {
		return model.Period{}, model.NewInvalidPeriodError(period.Year, period.Month)
	}

	if v := q.Get("direction"); v != "" {
		dir, ok := grid.ParseDirection(v)
		if !ok {
			return model.Period{}, model.NewInvalidRequestError("directionにはprevまたはnextを指定してください")
		}
		if dir == grid.Prev {
			period = period.Prev()
		} else {
			period = period.Next()
		}
	}
	return period, nil
}

// cellFromPath はパスパラメータからセルの位置を取り出す。
func cellFromPath(r *http.Request) (model.Period, string, int, *model.APIError) {
	year, errY := strconv.Atoi(chi.URLParam(r, "year"))
	month, errM := strconv.Atoi(chi.URLParam(r, "month"))
	if errY != nil || errM != nil {
		return model.Period{}, "", 0, model.NewInvalidPeriodError(year, month)
	}
	period := model.NewPeriod(year, month)
	if period.Validate() != nil {
		return model.Period{}, "", 0, model.NewInvalidPeriodError(year, month)
	}

	appID := chi.URLParam(r, "applicationId")
	if appID == "" {
		return model.Period{}, "", 0, model.NewInvalidRequestError("applicationIdが指定されていません")
	}

	day, err := strconv.Atoi(chi.URLParam(r, "day"))
	if err != nil {
		return model.Period{}, "", 0, model.NewInvalidDayError(period, 0)
	}
	return period, appID, day, nil
}

func toOutageResponse(o *model.Outage) outageResponse {
	return outageResponse{
		ID:            o.ID,
		ApplicationID: o.ApplicationID,
		Day:           o.Day,
		Status:        string(o.Status),
		Notes:         o.Notes,
		UpdatedAt:     o.UpdatedAt,
	}
}

// toGridResponse はスナップショットをAPIレスポンスに変換する。
func toGridResponse(snap grid.Snapshot) gridResponse {
	resp := gridResponse{
		Year:        snap.Period.Year,
		Month:       snap.Period.Month,
		DaysInMonth: snap.DaysInMonth,
		Days:        snap.Days,
		Outages:     make([]outageResponse, len(snap.Outages)),
	}
	for i, o := range snap.Outages {
		resp.Outages[i] = toOutageResponse(o)
	}
	return resp
}

func toGridPageResponse(snap grid.Snapshot, tree []model.CategoryWithApplications) gridPageResponse {
	resp := gridPageResponse{
		gridResponse: toGridResponse(snap),
		Categories:   make([]gridCategoryResponse, len(tree)),
	}
	for i, c := range tree {
		cat := gridCategoryResponse{
			ID:           c.ID,
			Name:         c.Name,
			Order:        c.Order,
			Applications: make([]gridApplicationResponse, len(c.Applications)),
		}
		for j, a := range c.Applications {
			cells := make(map[string]string, len(snap.Cells[a.ID]))
			for day, status := range snap.Cells[a.ID] {
				cells[strconv.Itoa(day)] = string(status)
			}
			cat.Applications[j] = gridApplicationResponse{ID: a.ID, Name: a.Name, Order: a.Order, Cells: cells}
		}
		resp.Categories[i] = cat
	}
	return resp
}
