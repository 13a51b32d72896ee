package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
)

// maxImportedDetail は取り込み時に変更概要へ付け足す本文の最大文字数。
const maxImportedDetail = 1000

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// TextSanitizer はフィード本文からHTMLを取り除く。
type TextSanitizer interface {
	Sanitize(s string) string
}

// ImportMetrics は取り込み処理のメトリクス記録インターフェース。
type ImportMetrics interface {
	RecordReleasesImported(n int)
	RecordHTTPStatus(statusCode int)
}

// EntryImporter は取り込んだエントリをリリースとして保存する。
type EntryImporter interface {
	ImportEntry(ctx context.Context, guid, summary string, deployedAt time.Time) (bool, error)
}

// sourceState は取り込み元ごとの条件付きGETとフィード自動検出の結果、失敗時のバックオフ状態。
type sourceState struct {
	feedURL      string
	etag         string
	lastModified string

	consecutiveErrors int
	nextAttemptAt     time.Time
}

// Importer は外部のリリースフィード（RSS/Atom）を取得し、新しいエントリをリリースとして追加する。
// HTMLページを指定した場合は<link rel="alternate">からフィードを自動検出する。
type Importer struct {
	entries     EntryImporter
	guard       SSRFValidator
	sanitizer   TextSanitizer
	metrics     ImportMetrics
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
	now         func() time.Time

	mu      sync.Mutex
	sources map[string]*sourceState
}

// NewImporter はImporterの新しいインスタンスを生成する。metricsはnilでもよい。
func NewImporter(
	entries EntryImporter,
	guard SSRFValidator,
	sanitizer TextSanitizer,
	metrics ImportMetrics,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		entries:     entries,
		guard:       guard,
		sanitizer:   sanitizer,
		metrics:     metrics,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
		now:         time.Now,
		sources:     make(map[string]*sourceState),
	}
}

// ImportAll は全ての取り込み元を順に処理し、追加したリリース件数を返す。
// 1つの取り込み元の失敗で他の取り込みは止めない。
func (im *Importer) ImportAll(ctx context.Context, sourceURLs []string) (int, error) {
	total := 0
	var errs []error
	for _, u := range sourceURLs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := im.Import(ctx, u)
		total += n
		if err != nil {
			im.logger.Error("リリースフィードの取り込みに失敗しました",
				slog.String("source_url", u),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
	}
	return total, errors.Join(errs...)
}

// Import は1つの取り込み元を処理し、追加したリリース件数を返す。
// 取得に失敗した取り込み元は指数バックオフの間スキップする。
func (im *Importer) Import(ctx context.Context, sourceURL string) (int, error) {
	if err := im.guard.ValidateURL(sourceURL); err != nil {
		return 0, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	state := im.state(sourceURL)
	im.mu.Lock()
	next := state.nextAttemptAt
	im.mu.Unlock()
	if im.now().Before(next) {
		im.logger.Debug("バックオフ中のため取り込みをスキップします",
			slog.String("source_url", sourceURL),
			slog.Time("next_attempt_at", next),
		)
		return 0, nil
	}

	n, err := im.importSource(ctx, sourceURL, state)
	var se *storeError
	switch {
	case err == nil:
		im.recordSuccess(state)
	case errors.As(err, &se) || ctx.Err() != nil:
	default:
		im.recordFailure(sourceURL, state, err)
	}
	return n, err
}

func (im *Importer) importSource(ctx context.Context, sourceURL string, state *sourceState) (int, error) {
	start := time.Now()
	target := sourceURL
	if state.feedURL != "" {
		target = state.feedURL
	}

	resp, err := im.get(ctx, target, state)
	if err != nil {
		return 0, err
	}
	if resp.status == http.StatusNotModified {
		im.logger.Debug("リリースフィードは未変更です（304）", slog.String("feed_url", target))
		return 0, nil
	}

	if !looksLikeFeed(resp.contentType, resp.body) {
		if !strings.Contains(mediaTypeOf(resp.contentType), "html") {
			return 0, fmt.Errorf("フィードではないレスポンスです: %s", resp.contentType)
		}
		link, ok := pickFeedLink(discoverFeedLinks(resp.body, target), target)
		if !ok {
			return 0, fmt.Errorf("ページからフィードを検出できませんでした: %s", target)
		}
		if err := im.guard.ValidateURL(link.URL); err != nil {
			return 0, fmt.Errorf("SSRF検証に失敗: %w", err)
		}
		target = link.URL
		if resp, err = im.get(ctx, target, &sourceState{}); err != nil {
			return 0, err
		}
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.body))
	if err != nil {
		return 0, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	imported := 0
	for _, item := range parsed.Items {
		ok, err := im.importItem(ctx, item)
		if err != nil {
			return imported, &storeError{err: err}
		}
		if ok {
			imported++
		}
	}

	im.mu.Lock()
	state.feedURL = target
	state.etag = resp.etag
	state.lastModified = resp.lastModified
	im.mu.Unlock()

	if im.metrics != nil {
		im.metrics.RecordReleasesImported(imported)
	}
	im.logger.Info("リリースフィードの取り込みが完了しました",
		slog.String("source_url", sourceURL),
		slog.String("feed_url", target),
		slog.Int("items_total", len(parsed.Items)),
		slog.Int("releases_imported", imported),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return imported, nil
}

func (im *Importer) importItem(ctx context.Context, item *gofeed.Item) (bool, error) {
	if item == nil {
		return false, nil
	}
	guid := entryGUID(item)
	if guid == "" {
		return false, nil
	}
	summary := im.entrySummary(item)
	if summary == "" {
		return false, nil
	}
	deployedAt := im.now()
	if item.PublishedParsed != nil {
		deployedAt = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		deployedAt = *item.UpdatedParsed
	}
	return im.entries.ImportEntry(ctx, guid, summary, deployedAt)
}

// entrySummary はタイトルと本文から変更概要を組み立てる。
func (im *Importer) entrySummary(item *gofeed.Item) string {
	title := im.sanitizer.Sanitize(item.Title)
	detail := im.sanitizer.Sanitize(item.Description)
	if detail == "" {
		detail = im.sanitizer.Sanitize(item.Content)
	}
	if utf8.RuneCountInString(detail) > maxImportedDetail {
		detail = string([]rune(detail)[:maxImportedDetail]) + "…"
	}
	switch {
	case title == "":
		return detail
	case detail == "" || detail == title:
		return title
	default:
		return title + "\n" + detail
	}
}

// entryGUID は重複排除キーを返す。GUIDがなければリンクを使う。
func entryGUID(item *gofeed.Item) string {
	if g := strings.TrimSpace(item.GUID); g != "" {
		return g
	}
	return strings.TrimSpace(item.Link)
}

// recordSuccess は連続エラー回数をリセットする。
func (im *Importer) recordSuccess(state *sourceState) {
	im.mu.Lock()
	defer im.mu.Unlock()
	state.consecutiveErrors = 0
	state.nextAttemptAt = time.Time{}
}

// recordFailure は連続エラー回数を増やし、次回の取得時刻を指数バックオフで設定する。
// 404/410/401/403 は設定の誤りとみなし、最大遅延まで待つ。
func (im *Importer) recordFailure(sourceURL string, state *sourceState, err error) {
	im.mu.Lock()
	state.consecutiveErrors++
	delay := calculateBackoff(state.consecutiveErrors - 1)
	var hse *httpStatusError
	if errors.As(err, &hse) && classifyHTTPStatus(hse.status) == fetchResultStop {
		delay = maxBackoff
	}
	state.nextAttemptAt = im.now().Add(delay)
	consecutive := state.consecutiveErrors
	im.mu.Unlock()

	im.logger.Warn("リリースフィードの取得に失敗したためバックオフします",
		slog.String("source_url", sourceURL),
		slog.Int("consecutive_errors", consecutive),
		slog.Duration("backoff", delay),
	)
}

func (im *Importer) state(sourceURL string) *sourceState {
	im.mu.Lock()
	defer im.mu.Unlock()
	st, ok := im.sources[sourceURL]
	if !ok {
		st = &sourceState{}
		im.sources[sourceURL] = st
	}
	return st
}

type fetchResponse struct {
	status       int
	contentType  string
	etag         string
	lastModified string
	body         []byte
}

func (im *Importer) get(ctx context.Context, target string, state *sourceState) (*fetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "OutageGrid/1.0 Release Importer")
	req.Header.Set("Accept", "application/atom+xml, application/rss+xml, application/xml, text/xml, text/html;q=0.8, */*;q=0.5")

	im.mu.Lock()
	if state.etag != "" {
		req.Header.Set("If-None-Match", state.etag)
	}
	if state.lastModified != "" {
		req.Header.Set("If-Modified-Since", state.lastModified)
	}
	im.mu.Unlock()

	client := im.guard.NewSafeClient(im.timeout, im.maxBodySize)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if im.metrics != nil {
		im.metrics.RecordHTTPStatus(resp.StatusCode)
	}

	out := &fetchResponse{
		status:       resp.StatusCode,
		contentType:  resp.Header.Get("Content-Type"),
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	switch classifyHTTPStatus(resp.StatusCode) {
	case fetchResultNotModified:
		return out, nil
	case fetchResultOK:
	default:
		return nil, &httpStatusError{status: resp.StatusCode}
	}

	out.body, err = io.ReadAll(io.LimitReader(resp.Body, im.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	return out, nil
}
