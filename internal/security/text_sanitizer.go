// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizerは利用者やフィードから受け取った文字列からHTMLを取り除き、平文として保存できる形にする。
// SSRFGuardは外部フィード取得時のSSRFを防止する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はHTMLを含みうる文字列を平文に変換する。
// 障害記録の備考、リリースの変更概要、取り込んだフィード項目のタイトル・概要に使用する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// bluemondayのStrictPolicyで全タグを除去する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去した平文を返す。
// StrictPolicyがエスケープした文字実体参照は元の文字に戻し、各行末の空白と前後の空行を取り除く。
// 同一入力に対して常に同一出力を返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(raw))

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
