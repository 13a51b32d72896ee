package model

import (
	"fmt"
	"time"
)

// Period は表示対象の年月を表す。
// Monthは1-12を想定するが、ナビゲーション以外では値の範囲を強制しない。
type Period struct {
	Year  int
	Month int
}

// NewPeriod はPeriodを生成する。
func NewPeriod(year, month int) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf は指定時刻が属する年月を返す。
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// Next は翌月を返す。12月の翌月は翌年1月になる。
func (p Period) Next() Period {
	if p.Month >= 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Prev は前月を返す。1月の前月は前年12月になる。
func (p Period) Prev() Period {
	if p.Month <= 1 {
		return Period{Year: p.Year - 1, Month: 12}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

// DaysInMonth はグレゴリオ暦でのその月の日数を返す（うるう年の2月は29日）。
func (p Period) DaysInMonth() int {
	// 翌月の0日目 = 当月の末日
	return time.Date(p.Year, time.Month(p.Month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Days は1からDaysInMonthまでの日付列を返す。
func (p Period) Days() []int {
	n := p.DaysInMonth()
	days := make([]int, n)
	for i := range days {
		days[i] = i + 1
	}
	return days
}

// ContainsDay は日付がその月の範囲内かを判定する。
func (p Period) ContainsDay(day int) bool {
	return day >= 1 && day <= p.DaysInMonth()
}

// Index は月単位の通し番号を返す。期間の大小比較に使う。
func (p Period) Index() int {
	return p.Year*12 + (p.Month - 1)
}

// Validate はAPI入力としての年月を検証する。
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 || p.Year < 1 || p.Year > 9999 {
		return NewInvalidPeriodError(p.Year, p.Month)
	}
	return nil
}

// String は "YYYY-MM" 形式の文字列を返す。通知ペイロードにも使用する。
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// ParsePeriod は "YYYY-MM" 形式の文字列をPeriodに変換する。
func ParsePeriod(s string) (Period, error) {
	var p Period
	if _, err := fmt.Sscanf(s, "%d-%d", &p.Year, &p.Month); err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}
