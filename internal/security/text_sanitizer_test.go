package security

import "testing"

func TestTextSanitizer_Sanitize(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"空文字列", "", ""},
		{"平文はそのまま", "DBフェイルオーバー", "DBフェイルオーバー"},
		{"前後の空白を除去", "  memo \n", "memo"},
		{"タグを除去", "<p>API <strong>down</strong></p>", "API down"},
		{"scriptは中身ごと除去", `before<script>alert("x")</script>after`, "beforeafter"},
		{"on属性を除去", `<img src="x" onerror="alert(1)">ok`, "ok"},
		{"文字実体参照を戻す", "A &amp; B", "A & B"},
		{"アンパサンドは保持", "A & B < C", "A & B < C"},
		{"行末の空白を除去", "line1   \nline2\t", "line1\nline2"},
		{"CRLFをLFに統一", "a\r\nb", "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestTextSanitizer_Idempotent は2回適用しても結果が変わらないことを検証する。
func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	inputs := []string{
		"<b>bold</b> &amp; text",
		"plain",
		"<div>\n  nested <em>tags</em>\n</div>",
	}
	for _, in := range inputs {
		once := s.Sanitize(in)
		if twice := s.Sanitize(once); twice != once {
			t.Errorf("Sanitize is not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}
