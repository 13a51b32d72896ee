package model

import "time"

// Release はリリース履歴の1件を表す。
type Release struct {
	ID             string
	ChangeSummary  string
	DeploymentTime time.Time
	ScreenshotURL  *string
	Phases         []ReleasePhase
	SourceGUID     *string // フィード取り込み時の重複排除キー
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReleasePhase はリリースに至るまでの工程と完了状態を表す。
type ReleasePhase struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// DefaultReleasePhases は工程が未記録のリリースに適用する既定の工程一覧を返す。
func DefaultReleasePhases() []ReleasePhase {
	return []ReleasePhase{
		{Name: "Prompt Understanding", Completed: true},
		{Name: "Coding", Completed: true},
		{Name: "Testing", Completed: true},
		{Name: "Code Review", Completed: true},
		{Name: "Deployment Initiated", Completed: true},
	}
}
