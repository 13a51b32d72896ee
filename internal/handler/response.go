// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/outagegrid/internal/middleware"
	"github.com/hitoshi/outagegrid/internal/model"
)

// maxJSONBodySize はJSONリクエストボディの上限。
const maxJSONBodySize = 1 << 20

var validate = newValidator()

// newValidator はエラーメッセージにJSONのフィールド名を使うvalidatorを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, middleware.StatusForCode(apiErr.Code), apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Cause != nil {
			slog.Error("service error",
				slog.String("code", apiErr.Code),
				slog.String("error", apiErr.Cause.Error()),
			)
		}
		writeAPIErrorResponse(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// decodeJSON はリクエストボディをdstにデコードし、validateタグで検証する。
// dstは構造体へのポインタであること。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *model.APIError {
	if apiErr := decodeBody(w, r, dst); apiErr != nil {
		return apiErr
	}
	return validateStruct(dst)
}

// decodeBody はリクエストボディをdstにデコードする。未知のフィールドはエラーにする。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) *model.APIError {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewInvalidRequestError("リクエストボディの解析に失敗しました")
	}
	return nil
}

// validateStruct はvalidateタグに従って構造体を検証する。
func validateStruct(v any) *model.APIError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return model.NewInvalidRequestError(fe.Field() + " が不正です（" + fe.Tag() + "）")
	}
	return model.NewInvalidRequestError(err.Error())
}
