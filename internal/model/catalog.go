package model

import "time"

// Category はアプリケーションをまとめる分類を表す。
type Category struct {
	ID        string
	Name      string
	Order     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Application は稼働状況を記録する対象のアプリケーションを表す。
// CategoryIDは所属カテゴリへの参照のみで、所有関係は持たない。
type Application struct {
	ID         string
	CategoryID string
	Name       string
	Order      int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CategoryWithApplications はカテゴリと配下のアプリケーション一覧を表す。
// Applicationsはorder昇順に並ぶ。
type CategoryWithApplications struct {
	Category
	Applications []Application
}

// ReorderEntry は一括並び替えの1要素を表す。
type ReorderEntry struct {
	ID    string
	Order int
}
