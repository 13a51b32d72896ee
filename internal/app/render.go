package app

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/outagegrid/internal/grid"
	"github.com/hitoshi/outagegrid/internal/model"
)

// セルの表示記号
const (
	symbolNone    = '.'
	symbolPartial = '~'
	symbolFull    = '#'
)

func statusSymbol(status model.OutageStatus) rune {
	switch status {
	case model.OutageStatusPartial:
		return symbolPartial
	case model.OutageStatusFull:
		return symbolFull
	default:
		return symbolNone
	}
}

// RenderGrid は1か月分のグリッドをテキストで書き出す。
// 1行目に年月、続く2行に日付の十の位と一の位、以降はカテゴリ見出しとアプリケーションごとの行。
func RenderGrid(w io.Writer, snap grid.Snapshot, tree []model.CategoryWithApplications) error {
	width := len("Application")
	for _, c := range tree {
		for _, a := range c.Applications {
			if n := utf8.RuneCountInString(a.Name) + 2; n > width {
				width = n
			}
		}
	}

	var tens, ones strings.Builder
	for _, d := range snap.Days {
		tens.WriteByte(byte('0' + d/10))
		ones.WriteByte(byte('0' + d%10))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", snap.Period)
	fmt.Fprintf(&b, "%s %s\n", pad("", width), tens.String())
	fmt.Fprintf(&b, "%s %s\n", pad("Application", width), ones.String())

	for _, c := range tree {
		fmt.Fprintf(&b, "[%s]\n", c.Name)
		for _, a := range c.Applications {
			row := make([]rune, 0, len(snap.Days))
			for _, d := range snap.Days {
				row = append(row, statusSymbol(snap.Status(a.ID, d)))
			}
			fmt.Fprintf(&b, "%s %s\n", pad("  "+a.Name, width), string(row))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func pad(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
