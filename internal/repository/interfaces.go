// Package repository はデータ永続化のインターフェースを定義する。
//
// 読み取り系メソッドは対象が見つからない場合に (nil, nil) を返す。
// 更新・削除系メソッドは対象が存在しない場合に model.APIError（*_NOT_FOUND）を返す。
package repository

import (
	"context"

	"github.com/hitoshi/outagegrid/internal/model"
)

// CategoryRepository はカテゴリの永続化インターフェース。
type CategoryRepository interface {
	// List は全カテゴリをorder昇順で返す。
	List(ctx context.Context) ([]*model.Category, error)

	// FindByID は指定IDのカテゴリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Category, error)

	// Create はカテゴリを作成する。
	Create(ctx context.Context, category *model.Category) error

	// Rename はカテゴリ名を変更する。
	Rename(ctx context.Context, id, name string) error

	// Delete はカテゴリを削除する。
	// 配下のapplications、outagesはCASCADE削除される。
	Delete(ctx context.Context, id string) error

	// Reorder はカテゴリの表示順を一括で更新する。
	// 全件が同一トランザクションで適用され、1件でも存在しないIDがあれば何も更新しない。
	Reorder(ctx context.Context, entries []model.ReorderEntry) error
}

// ApplicationRepository はアプリケーションの永続化インターフェース。
type ApplicationRepository interface {
	// List は全アプリケーションをorder昇順で返す。
	List(ctx context.Context) ([]*model.Application, error)

	// ListByCategory は指定カテゴリのアプリケーションをorder昇順で返す。
	ListByCategory(ctx context.Context, categoryID string) ([]*model.Application, error)

	// FindByID は指定IDのアプリケーションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Application, error)

	// Create はアプリケーションを作成する。
	// 存在しないカテゴリを指定した場合はCATEGORY_NOT_FOUNDを返す。
	Create(ctx context.Context, app *model.Application) error

	// Rename はアプリケーション名を変更する。
	Rename(ctx context.Context, id, name string) error

	// Delete はアプリケーションを削除する。関連するoutagesはCASCADE削除される。
	Delete(ctx context.Context, id string) error

	// Reorder は指定カテゴリ内のアプリケーションの表示順を一括で更新する。
	// 全件が同一トランザクションで適用される。
	Reorder(ctx context.Context, categoryID string, entries []model.ReorderEntry) error
}

// OutageRepository は障害記録の永続化インターフェース。
type OutageRepository interface {
	// ListByPeriod は指定年月の障害記録を全件返す。
	ListByPeriod(ctx context.Context, period model.Period) ([]*model.Outage, error)

	// Create は障害記録を作成する。
	// 同じ (application_id, year, month, day) の記録が既に存在する場合はOUTAGE_CONFLICTを返す。
	Create(ctx context.Context, outage *model.Outage) error

	// Update は障害記録を部分更新する。
	Update(ctx context.Context, id string, patch model.OutagePatch) error

	// Delete は障害記録を削除する。
	Delete(ctx context.Context, id string) error

	// DeleteBefore は指定年月より前の障害記録を削除し、削除件数を返す。
	DeleteBefore(ctx context.Context, period model.Period) (int64, error)
}

// ReleaseRepository はリリース履歴の永続化インターフェース。
type ReleaseRepository interface {
	// List は全リリースをdeployment_time降順で返す。
	List(ctx context.Context) ([]*model.Release, error)

	// FindByID は指定IDのリリースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Release, error)

	// FindBySourceGUID は取り込み元GUIDでリリースを検索する。見つからない場合はnilを返す。
	FindBySourceGUID(ctx context.Context, guid string) (*model.Release, error)

	// Create はリリースを作成する。
	Create(ctx context.Context, release *model.Release) error

	// Update はリリースの変更概要、デプロイ日時、スクリーンショット、工程を上書きする。
	Update(ctx context.Context, release *model.Release) error

	// Delete はリリースを削除する。
	Delete(ctx context.Context, id string) error
}

// Store はバックエンドごとのリポジトリ実装をまとめたもの。
type Store struct {
	Categories   CategoryRepository
	Applications ApplicationRepository
	Outages      OutageRepository
	Releases     ReleaseRepository
}
