package release

import (
	"fmt"
	"time"
)

// fetchResult はHTTPステータスコードに基づく取得結果の分類。
type fetchResult int

const (
	// fetchResultOK は取得成功（200）。
	fetchResultOK fetchResult = iota
	// fetchResultNotModified はコンテンツ未変更（304）。
	fetchResultNotModified
	// fetchResultStop は取り込み元の設定見直しが必要なステータス（404/410/401/403）。
	fetchResultStop
	// fetchResultBackoff は時間をおいて再試行するステータス（429/5xx）。
	fetchResultBackoff
	// fetchResultUnknown は未知のステータスコード。
	fetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延。停止扱いのステータスにもこの値を使う。
	maxBackoff = 12 * time.Hour
)

// classifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func classifyHTTPStatus(statusCode int) fetchResult {
	switch {
	case statusCode == 200:
		return fetchResultOK
	case statusCode == 304:
		return fetchResultNotModified
	case statusCode == 404 || statusCode == 410:
		return fetchResultStop
	case statusCode == 401 || statusCode == 403:
		return fetchResultStop
	case statusCode == 429:
		return fetchResultBackoff
	case statusCode >= 500:
		return fetchResultBackoff
	default:
		return fetchResultUnknown
	}
}

// calculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func calculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// httpStatusError は200/304以外の応答を表す。
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("予期しないHTTPステータス: %d", e.status)
}

// storeError はリリースの保存に失敗したことを表す。取り込み元のバックオフ対象にしない。
type storeError struct {
	err error
}

func (e *storeError) Error() string {
	return "リリースの保存に失敗: " + e.err.Error()
}

func (e *storeError) Unwrap() error {
	return e.err
}
