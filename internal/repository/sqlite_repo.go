package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/hitoshi/outagegrid/internal/model"
)

// SQLiteバックエンド用の行型。テーブル定義はAutoMigrateSQLiteで作成する。

type categoryRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	SortOrder int    `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (categoryRow) TableName() string { return "categories" }

type applicationRow struct {
	ID         string       `gorm:"primaryKey"`
	CategoryID string       `gorm:"not null;index:idx_applications_category"`
	Category   *categoryRow `gorm:"foreignKey:CategoryID;constraint:OnDelete:CASCADE"`
	Name       string       `gorm:"not null"`
	SortOrder  int          `gorm:"not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (applicationRow) TableName() string { return "applications" }

type outageRow struct {
	ID            string          `gorm:"primaryKey"`
	ApplicationID string          `gorm:"not null;uniqueIndex:uq_outages_cell"`
	Application   *applicationRow `gorm:"foreignKey:ApplicationID;constraint:OnDelete:CASCADE"`
	Year          int             `gorm:"not null;uniqueIndex:uq_outages_cell;index:idx_outages_period"`
	Month         int             `gorm:"not null;uniqueIndex:uq_outages_cell;index:idx_outages_period"`
	Day           int             `gorm:"not null;uniqueIndex:uq_outages_cell"`
	Status        string          `gorm:"not null"`
	Notes         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (outageRow) TableName() string { return "outages" }

type releaseRow struct {
	ID             string    `gorm:"primaryKey"`
	ChangeSummary  string    `gorm:"not null"`
	DeploymentTime time.Time `gorm:"not null;index"`
	ScreenshotURL  *string
	Phases         []model.ReleasePhase `gorm:"serializer:json"`
	SourceGUID     *string              `gorm:"uniqueIndex"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (releaseRow) TableName() string { return "releases" }

// AutoMigrateSQLite はSQLiteバックエンドのテーブルを作成・更新する。
func AutoMigrateSQLite(db *gorm.DB) error {
	if err := db.AutoMigrate(&categoryRow{}, &applicationRow{}, &outageRow{}, &releaseRow{}); err != nil {
		return fmt.Errorf("SQLiteのマイグレーションに失敗しました: %w", err)
	}
	return nil
}

// NewSQLiteStore はSQLiteバックエンドのStoreを生成する。
func NewSQLiteStore(db *gorm.DB) *Store {
	return &Store{
		Categories:   &SQLiteCategoryRepo{db: db},
		Applications: &SQLiteApplicationRepo{db: db},
		Outages:      &SQLiteOutageRepo{db: db},
		Releases:     &SQLiteReleaseRepo{db: db},
	}
}

// isUniqueViolation はgormのエラーが一意制約違反かを判定する。
func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation はgormのエラーが外部キー制約違反かを判定する。
func isForeignKeyViolation(err error) bool {
	return errors.Is(err, gorm.ErrForeignKeyViolated) ||
		strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// --- カテゴリ ---

// SQLiteCategoryRepo はgorm + SQLiteを使用したカテゴリリポジトリ。
type SQLiteCategoryRepo struct {
	db *gorm.DB
}

func toCategory(r categoryRow) *model.Category {
	return &model.Category{ID: r.ID, Name: r.Name, Order: r.SortOrder, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

// List は全カテゴリをorder昇順で返す。
func (r *SQLiteCategoryRepo) List(ctx context.Context) ([]*model.Category, error) {
	var rows []categoryRow
	if err := r.db.WithContext(ctx).Order("sort_order ASC, created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("カテゴリ一覧の取得に失敗しました: %w", err)
	}
	categories := make([]*model.Category, len(rows))
	for i, row := range rows {
		categories[i] = toCategory(row)
	}
	return categories, nil
}

// FindByID は指定IDのカテゴリを取得する。見つからない場合はnilを返す。
func (r *SQLiteCategoryRepo) FindByID(ctx context.Context, id string) (*model.Category, error) {
	var row categoryRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	switch {
	case err == nil:
		return toCategory(row), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("カテゴリの取得に失敗しました: %w", err)
	}
}

// Create はカテゴリを作成する。
func (r *SQLiteCategoryRepo) Create(ctx context.Context, c *model.Category) error {
	row := categoryRow{ID: c.ID, Name: c.Name, SortOrder: c.Order, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("カテゴリの作成に失敗しました: %w", err)
	}
	return nil
}

// Rename はカテゴリ名を変更する。
func (r *SQLiteCategoryRepo) Rename(ctx context.Context, id, name string) error {
	result := r.db.WithContext(ctx).Model(&categoryRow{}).Where("id = ?", id).
		Updates(map[string]any{"name": name, "updated_at": now()})
	if result.Error != nil {
		return fmt.Errorf("カテゴリ名の変更に失敗しました: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.NewCategoryNotFoundError(id)
	}
	return nil
}

// Delete はカテゴリを削除する。配下のapplications、outagesは外部キーのCASCADEで削除される。
func (r *SQLiteCategoryRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&categoryRow{})
	if result.Error != nil {
		return fmt.Errorf("カテゴリの削除に失敗しました: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.NewCategoryNotFoundError(id)
	}
	return nil
}

// Reorder はカテゴリの表示順を同一トランザクションで一括更新する。
func (r *SQLiteCategoryRepo) Reorder(ctx context.Context, entries []model.ReorderEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := now()
		for _, e := range entries {
			result := tx.Model(&categoryRow{}).Where("id = ?", e.ID).
				Updates(map[string]any{"sort_order": e.Order, "updated_at": ts})
			if result.Error != nil {
				return fmt.Errorf("カテゴリの並び替えに失敗しました: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return model.NewCategoryNotFoundError(e.ID)
			}
		}
		return nil
	})
}

// --- アプリケーション ---

// SQLiteApplicationRepo はgorm + SQLiteを使用したアプリケーションリポジトリ。
type SQLiteApplicationRepo struct {
	db *gorm.DB
}

func toApplication(r applicationRow) *model.Application {
	return &model.Application{
		ID: r.ID, CategoryID: r.CategoryID, Name: r.Name, Order: r.SortOrder,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func toApplications(rows []applicationRow) []*model.Application {
	apps := make([]*model.Application, len(rows))
	for i, row := range rows {
		apps[i] = toApplication(row)
	}
	return apps
}

// List は全アプリケーションをorder昇順で返す。
func (r *SQLiteApplicationRepo) List(ctx context.Context) ([]*model.Application, error) {
	var rows []applicationRow
	if err := r.db.WithContext(ctx).Order("sort_order ASC, created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("アプリケーション一覧の取得に失敗しました: %w", err)
	}
	return toApplications(rows), nil
}

// ListByCategory は指定カテゴリのアプリケーションをorder昇順で返す。
func (r *SQLiteApplicationRepo) ListByCategory(ctx context.Context, categoryID string) ([]*model.Application, error) {
	var rows []applicationRow
	err := r.db.WithContext(ctx).Where("category_id = ?", categoryID).
		Order("sort_order ASC, created_at ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("カテゴリ別アプリケーション一覧の取得に失敗しました: %w", err)
	}
	return toApplications(rows), nil
}

// FindByID は指定IDのアプリケーションを取得する。見つからない場合はnilを返す。
func (r *SQLiteApplicationRepo) FindByID(ctx context.Context, id string) (*model.Application, error) {
	var row applicationRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	switch {
	case err == nil:
		return toApplication(row), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("アプリケーションの取得に失敗しました: %w", err)
	}
}

// Create はアプリケーションを作成する。
func (r *SQLiteApplicationRepo) Create(ctx context.Context, a *model.Application) error {
	row := applicationRow{
		ID: a.ID, CategoryID: a.CategoryID, Name: a.Name, SortOrder: a.Order,
		CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
	err := r.db.WithContext(ctx).Create(&row).Error
	if err != nil && isForeignKeyViolation(err) {
		return model.NewCategoryNotFoundError(a.CategoryID)
	}
	if err != nil {
		return fmt.Errorf("アプリケーションの作成に失敗しました: %w", err)
	}
	return nil
}

// Rename はアプリケーション名を変更する。
func (r *SQLiteApplicationRepo) Rename(ctx context.Context, id, name string) error {
	result := r.db.WithContext(ctx).Model(&applicationRow{}).Where("id = ?", id).
		Updates(map[string]any{"name": name, "updated_at": now()})
	if result.Error != nil {
		return fmt.Errorf("アプリケーション名の変更に失敗しました: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.NewApplicationNotFoundError(id)
	}
	return nil
}

// Delete はアプリケーションを削除する。
func (r *SQLiteApplicationRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&applicationRow{})
	if result.Error != nil {
		return fmt.Errorf("アプリケーションの削除に失敗しました: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.NewApplicationNotFoundError(id)
	}
	return nil
}

// Reorder は指定カテゴリ内のアプリケーションの表示順を同一トランザクションで一括更新する。
func (r *SQLiteApplicationRepo) Reorder(ctx context.Context, categoryID string, entries []model.ReorderEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := now()
		for _, e := range entries {
			result := tx.Model(&applicationRow{}).
				Where("id = ? AND category_id = ?", e.ID, categoryID).
				Updates(map[string]any{"sort_order": e.Order, "updated_at": ts})
			if result.Error != nil {
				return fmt.Errorf("アプリケーションの並び替えに失敗しました: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return model.NewApplicationNotFoundError(e.ID)
			}
		}
		return nil
	})
}

// --- 障害記録 ---

// SQLiteOutageRepo はgorm + SQLiteを使用した障害記録リポジトリ。
type SQLiteOutageRepo struct {
	db *gorm.DB
}

// ListByPeriod は指定年月の障害記録を全件返す。
func (r *SQLiteOutageRepo) ListByPeriod(ctx context.Context, period model.Period) ([]*model.Outage, error) {
	var rows []outageRow
	err := r.db.WithContext(ctx).Where("year = ? AND month = ?", period.Year, period.Month).
		Order("application_id, day").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("障害記録一覧の取得に失敗しました: %w", err)
	}

	outages := make([]*model.Outage, len(rows))
	for i, row := range rows {
		outages[i] = &model.Outage{
			ID: row.ID, ApplicationID: row.ApplicationID,
			Year: row.Year, Month: row.Month, Day: row.Day,
			Status: model.OutageStatus(row.Status), Notes: row.Notes,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
		}
	}
	return outages, nil
}

// Create は障害記録を作成する。
func (r *SQLiteOutageRepo) Create(ctx context.Context, o *model.Outage) error {
	row := outageRow{
		ID: o.ID, ApplicationID: o.ApplicationID,
		Year: o.Year, Month: o.Month, Day: o.Day,
		Status: string(o.Status), Notes: o.Notes,
		CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
	err := r.db.WithContext(ctx).Create(&row).Error
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return model.NewOutageConflictError(o.ApplicationID, o.Period(), o.Day)
	case isForeignKeyViolation(err):
		return model.NewApplicationNotFoundError(o.ApplicationID)
	default:
		return fmt.Errorf("障害記録の作成に失敗しました: %w", err)
	}
}

// Update は障害記録を部分更新する。Notesに空文字列を指定した場合はNULLに戻す。
func (r *SQLiteOutageRepo) Update(ctx context.Context, id string, patch model.OutagePatch) error {
	fields := map[string]any{"updated_at": now()}
	if patch.Status != nil {
		fields["status"] = string(*patch.Status)
	}
	if patch.Notes != nil {
		if *patch.Notes == "" {
			fields["notes"] = nil
		} else {
			fields["notes"] = *patch.Notes
		}
	}

	result := r.db.WithContext(ctx).Model(&outageRow{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("障害記録の更新に失敗しました: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.NewOutageNotFoundError(id)
	}
	return nil
}

// Delete は障害記録を削除する。
func (r *SQLiteOutageRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&outageRow{})
	if result.Error != nil {
		return fmt.Errorf("障害記録の削除に失敗しました: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.NewOutageNotFoundError(id)
	}
	return nil
}

// DeleteBefore は指定年月より前の障害記録を削除し、削除件数を返す。
func (r *SQLiteOutageRepo) DeleteBefore(ctx context.Context, period model.Period) (int64, error) {
	result := r.db.WithContext(ctx).Where("year * 12 + (month - 1) < ?", period.Index()).Delete(&outageRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("古い障害記録の削除に失敗しました: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// --- リリース ---

// SQLiteReleaseRepo はgorm + SQLiteを使用したリリース履歴リポジトリ。
type SQLiteReleaseRepo struct {
	db *gorm.DB
}

func toRelease(r releaseRow) *model.Release {
	return &model.Release{
		ID: r.ID, ChangeSummary: r.ChangeSummary, DeploymentTime: r.DeploymentTime,
		ScreenshotURL: r.ScreenshotURL, Phases: r.Phases, SourceGUID: r.SourceGUID,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// List は全リリースをdeployment_time降順で返す。
func (r *SQLiteReleaseRepo) List(ctx context.Context) ([]*model.Release, error) {
	var rows []releaseRow
	if err := r.db.WithContext(ctx).Order("deployment_time DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("リリース一覧の取得に失敗しました: %w", err)
	}
	releases := make([]*model.Release, len(rows))
	for i, row := range rows {
		releases[i] = toRelease(row)
	}
	return releases, nil
}

func (r *SQLiteReleaseRepo) findOne(ctx context.Context, query string, arg any) (*model.Release, error) {
	var row releaseRow
	err := r.db.WithContext(ctx).Where(query, arg).First(&row).Error
	switch {
	case err == nil:
		return toRelease(row), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// FindByID は指定IDのリリースを取得する。見つからない場合はnilを返す。
func (r *SQLiteReleaseRepo) FindByID(ctx context.Context, id string) (*model.Release, error) {
	rel, err := r.findOne(ctx, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("リリースの取得に失敗しました: %w", err)
	}
	return rel, nil
}

// FindBySourceGUID は取り込み元GUIDでリリースを検索する。見つからない場合はnilを返す。
func (r *SQLiteReleaseRepo) FindBySourceGUID(ctx context.Context, guid string) (*model.Release, error) {
	rel, err := r.findOne(ctx, "source_guid = ?", guid)
	if err != nil {
		return nil, fmt.Errorf("取り込み元GUIDによるリリースの検索に失敗しました: %w", err)
	}
	return rel, nil
}

// Create はリリースを作成する。
func (r *SQLiteReleaseRepo) Create(ctx context.Context, rel *model.Release) error {
	row := releaseRow{
		ID: rel.ID, ChangeSummary: rel.ChangeSummary, DeploymentTime: rel.DeploymentTime,
		ScreenshotURL: rel.ScreenshotURL, Phases: rel.Phases, SourceGUID: rel.SourceGUID,
		CreatedAt: rel.CreatedAt, UpdatedAt: rel.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("リリースの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はリリースの変更概要、デプロイ日時、スクリーンショット、工程を上書きする。
func (r *SQLiteReleaseRepo) Update(ctx context.Context, rel *model.Release) error {
	result := r.db.WithContext(ctx).Model(&releaseRow{ID: rel.ID}).
		Select("change_summary", "deployment_time", "screenshot_url", "phases", "updated_at").
		Updates(releaseRow{
			ChangeSummary:  rel.ChangeSummary,
			DeploymentTime: rel.DeploymentTime,
			ScreenshotURL:  rel.ScreenshotURL,
			Phases:         rel.Phases,
			UpdatedAt:      rel.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("リリースの更新に失敗しました: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.NewReleaseNotFoundError(rel.ID)
	}
	return nil
}

// Delete はリリースを削除する。
func (r *SQLiteReleaseRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&releaseRow{})
	if result.Error != nil {
		return fmt.Errorf("リリースの削除に失敗しました: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.NewReleaseNotFoundError(id)
	}
	return nil
}

// compile-time interface check
var (
	_ CategoryRepository    = (*SQLiteCategoryRepo)(nil)
	_ ApplicationRepository = (*SQLiteApplicationRepo)(nil)
	_ OutageRepository      = (*SQLiteOutageRepo)(nil)
	_ ReleaseRepository     = (*SQLiteReleaseRepo)(nil)
)
