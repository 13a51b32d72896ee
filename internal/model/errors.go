// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, catalog, outage, release, system
	Action   string // ユーザー向け対処方法
	Cause    error  // ログ用の元エラー。レスポンスには含めない
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeCategoryNotFound     = "CATEGORY_NOT_FOUND"
	ErrCodeApplicationNotFound  = "APPLICATION_NOT_FOUND"
	ErrCodeOutageNotFound       = "OUTAGE_NOT_FOUND"
	ErrCodeReleaseNotFound      = "RELEASE_NOT_FOUND"
	ErrCodeInvalidName          = "INVALID_NAME"
	ErrCodeInvalidChangeSummary = "INVALID_CHANGE_SUMMARY"
	ErrCodeInvalidPeriod        = "INVALID_PERIOD"
	ErrCodeInvalidDay           = "INVALID_DAY"
	ErrCodeInvalidStatus        = "INVALID_STATUS"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeOutageConflict       = "OUTAGE_CONFLICT"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
)

// IsCode はerrがAPIErrorであり、指定のコードを持つかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewCategoryNotFoundError はカテゴリ未検出エラーを生成する。
func NewCategoryNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeCategoryNotFound,
		Message:  fmt.Sprintf("指定されたカテゴリが見つかりません: %s", id),
		Category: "catalog",
		Action:   "画面を再読み込みして、カテゴリが削除されていないか確認してください。",
	}
}

// NewApplicationNotFoundError はアプリケーション未検出エラーを生成する。
func NewApplicationNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeApplicationNotFound,
		Message:  fmt.Sprintf("指定されたアプリケーションが見つかりません: %s", id),
		Category: "catalog",
		Action:   "画面を再読み込みして、アプリケーションが削除されていないか確認してください。",
	}
}

// NewOutageNotFoundError は障害記録未検出エラーを生成する。
// 別の利用者が同じセルを先に変更した場合に発生する。
func NewOutageNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeOutageNotFound,
		Message:  fmt.Sprintf("指定された障害記録が見つかりません: %s", id),
		Category: "outage",
		Action:   "最新の状態を表示してから再度操作してください。",
	}
}

// NewReleaseNotFoundError はリリース未検出エラーを生成する。
func NewReleaseNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeReleaseNotFound,
		Message:  fmt.Sprintf("指定されたリリースが見つかりません: %s", id),
		Category: "release",
		Action:   "リリースIDを確認してください。",
	}
}

// NewInvalidNameError は名前が空の場合のエラーを生成する。
func NewInvalidNameError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidName,
		Message:  "名前が入力されていません。",
		Category: "validation",
		Action:   "空白以外の文字を含む名前を入力してください。",
	}
}

// NewInvalidChangeSummaryError は変更概要が空の場合のエラーを生成する。
func NewInvalidChangeSummaryError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidChangeSummary,
		Message:  "変更概要が入力されていません。",
		Category: "validation",
		Action:   "リリースの変更内容を入力してください。",
	}
}

// NewInvalidPeriodError は無効な年月のエラーを生成する。
func NewInvalidPeriodError(year, month int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPeriod,
		Message:  fmt.Sprintf("無効な年月です: %d-%d", year, month),
		Category: "validation",
		Action:   "月には1から12の値を指定してください。",
	}
}

// NewInvalidDayError は無効な日付のエラーを生成する。
func NewInvalidDayError(period Period, day int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDay,
		Message:  fmt.Sprintf("無効な日付です: %s-%d", period, day),
		Category: "validation",
		Action:   fmt.Sprintf("日付には1から%dの値を指定してください。", period.DaysInMonth()),
	}
}

// NewInvalidStatusError は無効なステータスのエラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なステータスです: %s", status),
		Category: "validation",
		Action:   "ステータスには none、partial、full のいずれかを指定してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewOutageConflictError は同じセルへの記録が同時に作成された場合のエラーを生成する。
func NewOutageConflictError(applicationID string, period Period, day int) *APIError {
	return &APIError{
		Code:     ErrCodeOutageConflict,
		Message:  fmt.Sprintf("同じセルの障害記録が既に存在します: %s %s-%02d", applicationID, period, day),
		Category: "outage",
		Action:   "最新の状態を表示してから再度操作してください。",
	}
}

// NewStoreUnavailableError はデータストアの読み書きに失敗した場合のエラーを生成する。
func NewStoreUnavailableError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データストアにアクセスできません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// AsStoreError はAPIError以外のエラーをStoreUnavailableに変換する。
// APIErrorの場合はそのまま返す。
func AsStoreError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return NewStoreUnavailableError(err)
}
