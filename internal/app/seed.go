package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/outagegrid/internal/grid"
	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/repository"
)

// SeedFile は初期データYAMLの内容。
//
//	categories:
//	  - name: Core
//	    applications: [Billing, Auth]
//	outages:
//	  - category: Core
//	    application: Billing
//	    date: 2025-06-03
//	    status: partial
//	    notes: DB failover
type SeedFile struct {
	Categories []SeedCategory `yaml:"categories" validate:"dive"`
	Outages    []SeedOutage   `yaml:"outages"    validate:"dive"`
}

// SeedCategory はカテゴリと配下のアプリケーション名。
type SeedCategory struct {
	Name         string   `yaml:"name"         validate:"required,max=200"`
	Applications []string `yaml:"applications" validate:"dive,required,max=200"`
}

// SeedOutage はアプリケーション名で指定する障害記録。
type SeedOutage struct {
	Category    string  `yaml:"category"    validate:"required"`
	Application string  `yaml:"application" validate:"required"`
	Date        string  `yaml:"date"        validate:"required,datetime=2006-01-02"`
	Status      string  `yaml:"status"      validate:"omitempty,oneof=none partial full"`
	Notes       *string `yaml:"notes"`
}

// SeedResult は投入結果の件数。既存のカテゴリ・アプリケーションは数えない。
type SeedResult struct {
	Categories   int
	Applications int
	Outages      int
}

// SeedCatalog は初期データ投入に必要なカタログ操作。
type SeedCatalog interface {
	ListCategoriesWithApplications(ctx context.Context) ([]model.CategoryWithApplications, error)
	AddCategory(ctx context.Context, name string) (*model.Category, error)
	AddApplication(ctx context.Context, categoryID, name string) (*model.Application, error)
}

// ParseSeedFile はYAMLを読み込んで検証する。未知のキーはエラーにする。
func ParseSeedFile(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f SeedFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("シードファイルの解析に失敗しました: %w", err)
	}
	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("シードファイルの内容が不正です: %w", err)
	}
	return &f, nil
}

// Seeder はシードファイルの内容をストアへ投入する。
// 同名のカテゴリ・アプリケーションは再利用するため、同じファイルを繰り返し投入しても重複しない。
type Seeder struct {
	catalog SeedCatalog
	outages repository.OutageRepository
	opts    []grid.Option
}

// NewSeeder はSeederを生成する。optsは障害記録を書き込むManagerに渡される。
func NewSeeder(catalog SeedCatalog, outages repository.OutageRepository, opts ...grid.Option) *Seeder {
	return &Seeder{catalog: catalog, outages: outages, opts: opts}
}

// Seed はカテゴリ、アプリケーション、障害記録の順に投入する。
func (s *Seeder) Seed(ctx context.Context, f *SeedFile) (SeedResult, error) {
	var res SeedResult

	tree, err := s.catalog.ListCategoriesWithApplications(ctx)
	if err != nil {
		return res, err
	}
	// カテゴリ名 → (ID, アプリケーション名 → ID)
	type categoryIndex struct {
		id   string
		apps map[string]string
	}
	index := make(map[string]*categoryIndex, len(tree))
	for _, c := range tree {
		ci := &categoryIndex{id: c.ID, apps: make(map[string]string, len(c.Applications))}
		for _, a := range c.Applications {
			ci.apps[a.Name] = a.ID
		}
		index[c.Name] = ci
	}

	for _, sc := range f.Categories {
		name := strings.TrimSpace(sc.Name)
		ci, ok := index[name]
		if !ok {
			c, err := s.catalog.AddCategory(ctx, name)
			if err != nil {
				return res, fmt.Errorf("カテゴリ %q の追加に失敗しました: %w", name, err)
			}
			ci = &categoryIndex{id: c.ID, apps: make(map[string]string)}
			index[c.Name] = ci
			res.Categories++
		}
		for _, appName := range sc.Applications {
			appName = strings.TrimSpace(appName)
			if _, ok := ci.apps[appName]; ok {
				continue
			}
			a, err := s.catalog.AddApplication(ctx, ci.id, appName)
			if err != nil {
				return res, fmt.Errorf("アプリケーション %q の追加に失敗しました: %w", appName, err)
			}
			ci.apps[a.Name] = a.ID
			res.Applications++
		}
	}

	managers := make(map[model.Period]*grid.Manager)
	for _, so := range f.Outages {
		ci, ok := index[strings.TrimSpace(so.Category)]
		if !ok {
			return res, model.NewCategoryNotFoundError(so.Category)
		}
		appID, ok := ci.apps[strings.TrimSpace(so.Application)]
		if !ok {
			return res, model.NewApplicationNotFoundError(so.Application)
		}
		date, err := time.Parse(time.DateOnly, so.Date)
		if err != nil {
			return res, fmt.Errorf("日付 %q の解析に失敗しました: %w", so.Date, err)
		}
		status := model.OutageStatus(so.Status)
		if status == "" {
			status = model.OutageStatusPartial
		}

		period := model.PeriodOf(date)
		m, ok := managers[period]
		if !ok {
			m = grid.NewManager(s.outages, period, s.opts...)
			if err := m.LoadOutages(ctx); err != nil {
				return res, err
			}
			managers[period] = m
		}
		if err := m.SetOutageStatus(ctx, appID, date.Day(), status, so.Notes); err != nil {
			return res, fmt.Errorf("%s %s の障害記録の投入に失敗しました: %w", so.Application, so.Date, err)
		}
		res.Outages++
	}

	return res, nil
}
