// Package catalog はカテゴリとアプリケーションの管理を提供する。
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/repository"
)

// Service はカテゴリとアプリケーションのサービス層。
// 追加時の表示順の採番、名前の検証、一括並び替えを提供する。
type Service struct {
	categories   repository.CategoryRepository
	applications repository.ApplicationRepository
	newID        func() string
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(categories repository.CategoryRepository, applications repository.ApplicationRepository) *Service {
	return &Service{
		categories:   categories,
		applications: applications,
		newID:        uuid.NewString,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// NextOrder は兄弟要素の表示順から新しい要素の表示順を求める。
// 兄弟がなければ0、あれば最大値+1を返す。
func NextOrder(orders []int) int {
	if len(orders) == 0 {
		return 0
	}
	highest := orders[0]
	for _, o := range orders[1:] {
		if o > highest {
			highest = o
		}
	}
	return highest + 1
}

// normalizeName は前後の空白を除いた名前を返す。空になる場合はINVALID_NAMEを返す。
func normalizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", model.NewInvalidNameError()
	}
	return trimmed, nil
}

// validateReorder は並び替え指定の重複と負の表示順を検出する。
func validateReorder(entries []model.ReorderEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return model.NewInvalidRequestError("idが指定されていません")
		}
		if e.Order < 0 {
			return model.NewInvalidRequestError(fmt.Sprintf("orderに負の値は指定できません: %s", e.ID))
		}
		if _, dup := seen[e.ID]; dup {
			return model.NewInvalidRequestError(fmt.Sprintf("idが重複しています: %s", e.ID))
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

// ListCategoriesWithApplications はカテゴリの表示順、カテゴリ内ではアプリケーションの表示順で並べたツリーを返す。
func (s *Service) ListCategoriesWithApplications(ctx context.Context) ([]model.CategoryWithApplications, error) {
	categories, err := s.categories.List(ctx)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	apps, err := s.applications.List(ctx)
	if err != nil {
		return nil, model.AsStoreError(err)
	}

	byCategory := make(map[string][]model.Application, len(categories))
	for _, a := range apps {
		byCategory[a.CategoryID] = append(byCategory[a.CategoryID], *a)
	}

	tree := make([]model.CategoryWithApplications, len(categories))
	for i, c := range categories {
		children := byCategory[c.ID]
		if children == nil {
			children = []model.Application{}
		}
		tree[i] = model.CategoryWithApplications{Category: *c, Applications: children}
	}
	return tree, nil
}

// --- カテゴリ ---

// AddCategory はカテゴリを末尾に追加する。
func (s *Service) AddCategory(ctx context.Context, name string) (*model.Category, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}

	existing, err := s.categories.List(ctx)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	orders := make([]int, len(existing))
	for i, c := range existing {
		orders[i] = c.Order
	}

	ts := s.now()
	category := &model.Category{
		ID:        s.newID(),
		Name:      name,
		Order:     NextOrder(orders),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := s.categories.Create(ctx, category); err != nil {
		return nil, model.AsStoreError(err)
	}
	return category, nil
}

// RenameCategory はカテゴリ名を変更し、変更後のカテゴリを返す。
func (s *Service) RenameCategory(ctx context.Context, id, name string) (*model.Category, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if err := s.categories.Rename(ctx, id, name); err != nil {
		return nil, model.AsStoreError(err)
	}

	category, err := s.categories.FindByID(ctx, id)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if category == nil {
		return nil, model.NewCategoryNotFoundError(id)
	}
	return category, nil
}

// DeleteCategory はカテゴリを削除する。配下のアプリケーションと障害記録はストアがCASCADE削除する。
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	return model.AsStoreError(s.categories.Delete(ctx, id))
}

// ReorderCategories はカテゴリの表示順を一括更新する。
func (s *Service) ReorderCategories(ctx context.Context, entries []model.ReorderEntry) error {
	if err := validateReorder(entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return model.AsStoreError(s.categories.Reorder(ctx, entries))
}

// --- アプリケーション ---

// AddApplication はカテゴリの末尾にアプリケーションを追加する。
func (s *Service) AddApplication(ctx context.Context, categoryID, name string) (*model.Application, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}

	category, err := s.categories.FindByID(ctx, categoryID)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if category == nil {
		return nil, model.NewCategoryNotFoundError(categoryID)
	}

	siblings, err := s.applications.ListByCategory(ctx, categoryID)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	orders := make([]int, len(siblings))
	for i, a := range siblings {
		orders[i] = a.Order
	}

	ts := s.now()
	app := &model.Application{
		ID:         s.newID(),
		CategoryID: categoryID,
		Name:       name,
		Order:      NextOrder(orders),
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if err := s.applications.Create(ctx, app); err != nil {
		return nil, model.AsStoreError(err)
	}
	return app, nil
}

// RenameApplication はアプリケーション名を変更し、変更後のアプリケーションを返す。
func (s *Service) RenameApplication(ctx context.Context, id, name string) (*model.Application, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if err := s.applications.Rename(ctx, id, name); err != nil {
		return nil, model.AsStoreError(err)
	}

	app, err := s.applications.FindByID(ctx, id)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if app == nil {
		return nil, model.NewApplicationNotFoundError(id)
	}
	return app, nil
}

// DeleteApplication はアプリケーションを削除する。
func (s *Service) DeleteApplication(ctx context.Context, id string) error {
	return model.AsStoreError(s.applications.Delete(ctx, id))
}

// ReorderApplications はカテゴリ内のアプリケーションの表示順を一括更新する。
func (s *Service) ReorderApplications(ctx context.Context, categoryID string, entries []model.ReorderEntry) error {
	if err := validateReorder(entries); err != nil {
		return err
	}

	category, err := s.categories.FindByID(ctx, categoryID)
	if err != nil {
		return model.AsStoreError(err)
	}
	if category == nil {
		return model.NewCategoryNotFoundError(categoryID)
	}
	if len(entries) == 0 {
		return nil
	}
	return model.AsStoreError(s.applications.Reorder(ctx, categoryID, entries))
}
