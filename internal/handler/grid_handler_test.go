package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/outagegrid/internal/grid"
	"github.com/hitoshi/outagegrid/internal/model"
)

// --- モック定義 ---

// mockGridService はGridServiceInterfaceのモック実装。
type mockGridService struct {
	snapshotFn func(ctx context.Context, period model.Period) (grid.Snapshot, error)
	toggleFn   func(ctx context.Context, period model.Period, applicationID string, day int) (model.OutageStatus, error)
	setFn      func(ctx context.Context, period model.Period, applicationID string, day int, status model.OutageStatus, notes *string) error
	watchFn    func(ctx context.Context, period model.Period) (<-chan grid.Snapshot, error)
}

func (m *mockGridService) Snapshot(ctx context.Context, period model.Period) (grid.Snapshot, error) {
	if m.snapshotFn != nil {
		return m.snapshotFn(ctx, period)
	}
	return grid.Snapshot{Period: period, DaysInMonth: period.DaysInMonth(), Days: period.Days()}, nil
}

func (m *mockGridService) Toggle(ctx context.Context, period model.Period, applicationID string, day int) (model.OutageStatus, error) {
	if m.toggleFn != nil {
		return m.toggleFn(ctx, period, applicationID, day)
	}
	return model.OutageStatusPartial, nil
}

func (m *mockGridService) Set(ctx context.Context, period model.Period, applicationID string, day int, status model.OutageStatus, notes *string) error {
	if m.setFn != nil {
		return m.setFn(ctx, period, applicationID, day, status, notes)
	}
	return nil
}

func (m *mockGridService) Watch(ctx context.Context, period model.Period) (<-chan grid.Snapshot, error) {
	if m.watchFn != nil {
		return m.watchFn(ctx, period)
	}
	ch := make(chan grid.Snapshot)
	close(ch)
	return ch, nil
}

// mockStreamMetrics はStreamMetricsのモック実装。
type mockStreamMetrics struct {
	opened, closed int
}

func (m *mockStreamMetrics) RecordStreamOpened() { m.opened++ }
func (m *mockStreamMetrics) RecordStreamClosed() { m.closed++ }

// --- テストヘルパー ---

var june2025 = model.Period{Year: 2025, Month: 6}

func fixedNow() time.Time {
	return time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
}

func newTestGridHandler(svc GridServiceInterface, catalog CatalogLister, metrics StreamMetrics) *GridHandler {
	h := NewGridHandler(svc, catalog, metrics)
	h.now = fixedNow
	return h
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

func withCellParams(r *http.Request, year, month, appID, day string) *http.Request {
	return withChiURLParams(r, "year", year, "month", month, "applicationId", appID, "day", day)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantCode string) {
	t.Helper()
	if w.Code != wantStatus {
		t.Errorf("status = %d, want %d", w.Code, wantStatus)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != wantCode {
		t.Errorf("code = %q, want %q", got, wantCode)
	}
}

func strPtr(s string) *string { return &s }

// --- GET /api/grid テスト ---

func TestGridHandler_GetGrid_DefaultsToCurrentMonth(t *testing.T) {
	var gotPeriod model.Period
	svc := &mockGridService{
		snapshotFn: func(ctx context.Context, period model.Period) (grid.Snapshot, error) {
			gotPeriod = period
			return grid.Snapshot{
				Period:      period,
				DaysInMonth: period.DaysInMonth(),
				Days:        period.Days(),
				Outages: []*model.Outage{
					{ID: "o1", ApplicationID: "app-1", Year: 2025, Month: 6, Day: 3, Status: model.OutageStatusFull},
				},
				Cells: map[string]map[int]model.OutageStatus{"app-1": {3: model.OutageStatusFull}},
			}, nil
		},
	}
	catalog := &mockCatalogService{
		listFn: func(ctx context.Context) ([]model.CategoryWithApplications, error) {
			return []model.CategoryWithApplications{{
				Category:     model.Category{ID: "cat-1", Name: "Payments"},
				Applications: []model.Application{{ID: "app-1", CategoryID: "cat-1", Name: "Checkout"}},
			}}, nil
		},
	}
	h := newTestGridHandler(svc, catalog, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/grid", nil)
	w := httptest.NewRecorder()
	h.GetGrid(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if gotPeriod != june2025 {
		t.Errorf("period = %v, want %v", gotPeriod, june2025)
	}

	var resp gridPageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Year != 2025 || resp.Month != 6 || resp.DaysInMonth != 30 || len(resp.Days) != 30 {
		t.Errorf("grid header = %d-%d days=%d/%d", resp.Year, resp.Month, resp.DaysInMonth, len(resp.Days))
	}
	if len(resp.Outages) != 1 || resp.Outages[0].Status != "full" {
		t.Errorf("outages = %+v", resp.Outages)
	}
	if len(resp.Categories) != 1 || len(resp.Categories[0].Applications) != 1 {
		t.Fatalf("categories = %+v", resp.Categories)
	}
	if got := resp.Categories[0].Applications[0].Cells["3"]; got != "full" {
		t.Errorf("cells[3] = %q, want %q", got, "full")
	}
}

func TestGridHandler_GetGrid_Direction(t *testing.T) {
	tests := []struct {
		query string
		want  model.Period
	}{
		{"year=2025&month=1&direction=prev", model.Period{Year: 2024, Month: 12}},
		{"year=2025&month=12&direction=next", model.Period{Year: 2026, Month: 1}},
		{"year=2025&month=6", june2025},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var got model.Period
			svc := &mockGridService{
				snapshotFn: func(ctx context.Context, period model.Period) (grid.Snapshot, error) {
					got = period
					return grid.Snapshot{Period: period}, nil
				},
			}
			h := newTestGridHandler(svc, &mockCatalogService{}, nil)

			w := httptest.NewRecorder()
			h.GetGrid(w, httptest.NewRequest(http.MethodGet, "/api/grid?"+tt.query, nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if got != tt.want {
				t.Errorf("period = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGridHandler_GetGrid_InvalidQuery(t *testing.T) {
	tests := []struct {
		query    string
		wantCode string
	}{
		{"year=2025&month=13", model.ErrCodeInvalidPeriod},
		{"year=2025&month=0", model.ErrCodeInvalidPeriod},
		{"year=abc", model.ErrCodeInvalidPeriod},
		{"direction=sideways", model.ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h := newTestGridHandler(&mockGridService{}, &mockCatalogService{}, nil)
			w := httptest.NewRecorder()
			h.GetGrid(w, httptest.NewRequest(http.MethodGet, "/api/grid?"+tt.query, nil))
			assertErrorCode(t, w, http.StatusBadRequest, tt.wantCode)
		})
	}
}

func TestGridHandler_GetGrid_StoreUnavailable(t *testing.T) {
	svc := &mockGridService{
		snapshotFn: func(ctx context.Context, period model.Period) (grid.Snapshot, error) {
			return grid.Snapshot{}, model.NewStoreUnavailableError(errors.New("connection refused"))
		},
	}
	h := newTestGridHandler(svc, &mockCatalogService{}, nil)

	w := httptest.NewRecorder()
	h.GetGrid(w, httptest.NewRequest(http.MethodGet, "/api/grid", nil))

	assertErrorCode(t, w, http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable)
}

// --- POST toggle テスト ---

func TestGridHandler_ToggleCell_Success(t *testing.T) {
	svc := &mockGridService{
		toggleFn: func(ctx context.Context, period model.Period, applicationID string, day int) (model.OutageStatus, error) {
			if period != june2025 || applicationID != "app-1" || day != 15 {
				t.Errorf("Toggle(%v, %q, %d)", period, applicationID, day)
			}
			return model.OutageStatusFull, nil
		},
	}
	h := newTestGridHandler(svc, &mockCatalogService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/grid/2025/6/cells/app-1/15/toggle", nil)
	req = withCellParams(req, "2025", "6", "app-1", "15")
	w := httptest.NewRecorder()
	h.ToggleCell(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp toggleResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "full" || resp.Day != 15 || resp.ApplicationID != "app-1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestGridHandler_ToggleCell_InvalidPath(t *testing.T) {
	tests := []struct {
		name, year, month, day string
		wantCode               string
	}{
		{"month out of range", "2025", "13", "1", model.ErrCodeInvalidPeriod},
		{"year not a number", "x", "6", "1", model.ErrCodeInvalidPeriod},
		{"day not a number", "2025", "6", "first", model.ErrCodeInvalidDay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestGridHandler(&mockGridService{}, &mockCatalogService{}, nil)
			req := withCellParams(httptest.NewRequest(http.MethodPost, "/", nil), tt.year, tt.month, "app-1", tt.day)
			w := httptest.NewRecorder()
			h.ToggleCell(w, req)
			assertErrorCode(t, w, http.StatusBadRequest, tt.wantCode)
		})
	}
}

func TestGridHandler_ToggleCell_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"day outside month", model.NewInvalidDayError(june2025, 31), http.StatusBadRequest, model.ErrCodeInvalidDay},
		{"unknown application", model.NewApplicationNotFoundError("app-x"), http.StatusNotFound, model.ErrCodeApplicationNotFound},
		{"concurrent create", model.NewOutageConflictError("app-1", june2025, 15), http.StatusConflict, model.ErrCodeOutageConflict},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockGridService{
				toggleFn: func(ctx context.Context, period model.Period, applicationID string, day int) (model.OutageStatus, error) {
					return "", tt.err
				},
			}
			h := newTestGridHandler(svc, &mockCatalogService{}, nil)
			req := withCellParams(httptest.NewRequest(http.MethodPost, "/", nil), "2025", "6", "app-1", "15")
			w := httptest.NewRecorder()
			h.ToggleCell(w, req)
			assertErrorCode(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}

// --- PUT set テスト ---

func TestGridHandler_SetCell_PassesStatusAndNotes(t *testing.T) {
	var gotStatus model.OutageStatus
	var gotNotes *string
	svc := &mockGridService{
		setFn: func(ctx context.Context, period model.Period, applicationID string, day int, status model.OutageStatus, notes *string) error {
			gotStatus = status
			gotNotes = notes
			return nil
		},
	}
	h := newTestGridHandler(svc, &mockCatalogService{}, nil)

	body := `{"status": "Partial", "notes": "checkout errors"}`
	req := httptest.NewRequest(http.MethodPut, "/", bytes.NewBufferString(body))
	req = withCellParams(req, "2025", "6", "app-1", "3")
	w := httptest.NewRecorder()
	h.SetCell(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if gotStatus != model.OutageStatusPartial {
		t.Errorf("status = %q, want partial", gotStatus)
	}
	if gotNotes == nil || *gotNotes != "checkout errors" {
		t.Errorf("notes = %v, want %q", gotNotes, "checkout errors")
	}
}

func TestGridHandler_SetCell_OmittedNotesStayNil(t *testing.T) {
	called := false
	svc := &mockGridService{
		setFn: func(ctx context.Context, period model.Period, applicationID string, day int, status model.OutageStatus, notes *string) error {
			called = true
			if notes != nil {
				t.Errorf("notes = %q, want nil", *notes)
			}
			return nil
		},
	}
	h := newTestGridHandler(svc, &mockCatalogService{}, nil)

	req := httptest.NewRequest(http.MethodPut, "/", bytes.NewBufferString(`{"status":"none"}`))
	req = withCellParams(req, "2025", "6", "app-1", "3")
	w := httptest.NewRecorder()
	h.SetCell(w, req)

	if w.Code != http.StatusOK || !called {
		t.Errorf("status = %d, called = %v", w.Code, called)
	}
}

func TestGridHandler_SetCell_InvalidBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"unknown status", `{"status":"degraded"}`, model.ErrCodeInvalidStatus},
		{"malformed json", `{"status":`, model.ErrCodeInvalidRequest},
		{"unknown field", `{"status":"full","color":"red"}`, model.ErrCodeInvalidRequest},
		{"notes too long", `{"status":"full","notes":"` + strings.Repeat("a", 2001) + `"}`, model.ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockGridService{
				setFn: func(ctx context.Context, period model.Period, applicationID string, day int, status model.OutageStatus, notes *string) error {
					t.Error("Set should not be called")
					return nil
				},
			}
			h := newTestGridHandler(svc, &mockCatalogService{}, nil)
			req := httptest.NewRequest(http.MethodPut, "/", bytes.NewBufferString(tt.body))
			req = withCellParams(req, "2025", "6", "app-1", "3")
			w := httptest.NewRecorder()
			h.SetCell(w, req)
			assertErrorCode(t, w, http.StatusBadRequest, tt.wantCode)
		})
	}
}

// --- GET /api/grid/stream テスト ---

func TestGridHandler_Stream_SendsSnapshotsAsEvents(t *testing.T) {
	svc := &mockGridService{
		watchFn: func(ctx context.Context, period model.Period) (<-chan grid.Snapshot, error) {
			ch := make(chan grid.Snapshot, 2)
			ch <- grid.Snapshot{Period: period, DaysInMonth: period.DaysInMonth(), Days: period.Days()}
			ch <- grid.Snapshot{
				Period:      period,
				DaysInMonth: period.DaysInMonth(),
				Days:        period.Days(),
				Outages:     []*model.Outage{{ID: "o1", ApplicationID: "app-1", Day: 2, Status: model.OutageStatusPartial}},
			}
			close(ch)
			return ch, nil
		},
	}
	metrics := &mockStreamMetrics{}
	h := newTestGridHandler(svc, &mockCatalogService{}, metrics)

	w := httptest.NewRecorder()
	h.Stream(w, httptest.NewRequest(http.MethodGet, "/api/grid/stream?year=2025&month=6", nil))

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := w.Body.String()
	var events []gridResponse
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var ev gridResponse
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("invalid event data %q: %v", data, err)
			}
			events = append(events, ev)
		}
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if len(events[0].Outages) != 0 || len(events[1].Outages) != 1 {
		t.Errorf("outages per event = %d, %d", len(events[0].Outages), len(events[1].Outages))
	}
	if !strings.Contains(body, "event: grid\n") {
		t.Error("missing event name")
	}
	if metrics.opened != 1 || metrics.closed != 1 {
		t.Errorf("stream metrics opened=%d closed=%d, want 1/1", metrics.opened, metrics.closed)
	}
}

func TestGridHandler_Stream_WatchError(t *testing.T) {
	svc := &mockGridService{
		watchFn: func(ctx context.Context, period model.Period) (<-chan grid.Snapshot, error) {
			return nil, model.NewStoreUnavailableError(errors.New("down"))
		},
	}
	metrics := &mockStreamMetrics{}
	h := newTestGridHandler(svc, &mockCatalogService{}, metrics)

	w := httptest.NewRecorder()
	h.Stream(w, httptest.NewRequest(http.MethodGet, "/api/grid/stream", nil))

	assertErrorCode(t, w, http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable)
	if metrics.opened != 0 {
		t.Errorf("opened = %d, want 0", metrics.opened)
	}
}
