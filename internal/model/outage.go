package model

import (
	"strings"
	"time"
)

// OutageStatus はセルの障害状態を表す。
type OutageStatus string

const (
	// OutageStatusNone は障害なし。レコードが存在しないことで表現され、保存はされない。
	OutageStatusNone OutageStatus = "none"
	// OutageStatusPartial は部分障害。
	OutageStatusPartial OutageStatus = "partial"
	// OutageStatusFull は全面障害。
	OutageStatusFull OutageStatus = "full"
)

// IsValid は定義済みのステータスかを判定する。
func (s OutageStatus) IsValid() bool {
	switch s {
	case OutageStatusNone, OutageStatusPartial, OutageStatusFull:
		return true
	}
	return false
}

// ParseOutageStatus は文字列をOutageStatusに変換する。大文字小文字は区別しない。
func ParseOutageStatus(s string) (OutageStatus, error) {
	status := OutageStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", NewInvalidStatusError(s)
	}
	return status, nil
}

// Outage は1アプリケーションの1日分の障害記録を表す。
// (ApplicationID, Year, Month, Day) ごとに高々1件しか存在しない。
type Outage struct {
	ID            string
	ApplicationID string
	Year          int
	Month         int
	Day           int
	Status        OutageStatus
	Notes         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Period は記録が属する年月を返す。
func (o *Outage) Period() Period {
	return Period{Year: o.Year, Month: o.Month}
}

// OutagePatch は障害記録の部分更新内容を表す。nilのフィールドは更新しない。
type OutagePatch struct {
	Status *OutageStatus
	Notes  *string
}
