package app

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/hitoshi/outagegrid/internal/catalog"
	"github.com/hitoshi/outagegrid/internal/database"
	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/repository"
)

const testSeedYAML = `
categories:
  - name: Core
    applications: [Billing, Auth]
  - name: Edge
    applications:
      - CDN
outages:
  - category: Core
    application: Billing
    date: 2025-06-03
    status: partial
    notes: DB failover
  - category: Edge
    application: CDN
    date: 2025-07-31
    status: full
`

func newSeedStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("SQLiteのオープンに失敗: %v", err)
	}
	if err := repository.AutoMigrateSQLite(db); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })
	return repository.NewSQLiteStore(db)
}

func TestParseSeedFile(t *testing.T) {
	f, err := ParseSeedFile(strings.NewReader(testSeedYAML))
	if err != nil {
		t.Fatalf("ParseSeedFile returned error: %v", err)
	}
	if len(f.Categories) != 2 || len(f.Outages) != 2 {
		t.Fatalf("categories=%d outages=%d, want 2 and 2", len(f.Categories), len(f.Outages))
	}
	if f.Outages[0].Date != "2025-06-03" {
		t.Errorf("Date = %q, want 2025-06-03", f.Outages[0].Date)
	}
	if f.Outages[0].Notes == nil || *f.Outages[0].Notes != "DB failover" {
		t.Errorf("Notes = %v, want DB failover", f.Outages[0].Notes)
	}
}

func TestParseSeedFile_Empty(t *testing.T) {
	f, err := ParseSeedFile(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ParseSeedFile returned error: %v", err)
	}
	if len(f.Categories) != 0 {
		t.Errorf("categories = %d, want 0", len(f.Categories))
	}
}

func TestParseSeedFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "categoriez: []\n"},
		{"missing category name", "categories:\n  - applications: [A]\n"},
		{"bad status", "outages:\n  - {category: C, application: A, date: 2025-06-01, status: broken}\n"},
		{"bad date", "outages:\n  - {category: C, application: A, date: 06/01/2025}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSeedFile(strings.NewReader(tt.yaml)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSeeder_Seed_CreatesCatalogAndOutages(t *testing.T) {
	ctx := context.Background()
	store := newSeedStore(t)
	svc := catalog.NewService(store.Categories, store.Applications)

	f, err := ParseSeedFile(strings.NewReader(testSeedYAML))
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewSeeder(svc, store.Outages).Seed(ctx, f)
	if err != nil {
		t.Fatalf("Seed returned error: %v", err)
	}
	if res != (SeedResult{Categories: 2, Applications: 3, Outages: 2}) {
		t.Errorf("result = %+v", res)
	}

	tree, err := svc.ListCategoriesWithApplications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree) != 2 || tree[0].Name != "Core" || tree[1].Name != "Edge" {
		t.Fatalf("unexpected tree: %+v", tree)
	}
	if got := tree[0].Applications; len(got) != 2 || got[0].Name != "Billing" || got[0].Order != 0 || got[1].Order != 1 {
		t.Errorf("unexpected applications: %+v", got)
	}

	june, err := store.Outages.ListByPeriod(ctx, model.Period{Year: 2025, Month: 6})
	if err != nil {
		t.Fatal(err)
	}
	if len(june) != 1 || june[0].Day != 3 || june[0].Status != model.OutageStatusPartial {
		t.Fatalf("unexpected June outages: %+v", june)
	}
	if june[0].Notes == nil || *june[0].Notes != "DB failover" {
		t.Errorf("Notes = %v, want DB failover", june[0].Notes)
	}
	july, err := store.Outages.ListByPeriod(ctx, model.Period{Year: 2025, Month: 7})
	if err != nil {
		t.Fatal(err)
	}
	if len(july) != 1 || july[0].Day != 31 || july[0].Status != model.OutageStatusFull {
		t.Errorf("unexpected July outages: %+v", july)
	}
}

func TestSeeder_Seed_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newSeedStore(t)
	svc := catalog.NewService(store.Categories, store.Applications)
	seeder := NewSeeder(svc, store.Outages)

	for i := 0; i < 2; i++ {
		f, err := ParseSeedFile(strings.NewReader(testSeedYAML))
		if err != nil {
			t.Fatal(err)
		}
		res, err := seeder.Seed(ctx, f)
		if err != nil {
			t.Fatalf("Seed #%d returned error: %v", i+1, err)
		}
		if i == 1 && (res.Categories != 0 || res.Applications != 0) {
			t.Errorf("second seed created catalog entries: %+v", res)
		}
	}

	cats, err := store.Categories.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cats) != 2 {
		t.Errorf("categories = %d, want 2", len(cats))
	}
	june, err := store.Outages.ListByPeriod(ctx, model.Period{Year: 2025, Month: 6})
	if err != nil {
		t.Fatal(err)
	}
	if len(june) != 1 {
		t.Errorf("June outages = %d, want 1", len(june))
	}
}

func TestSeeder_Seed_UnknownApplication(t *testing.T) {
	store := newSeedStore(t)
	svc := catalog.NewService(store.Categories, store.Applications)

	f := &SeedFile{
		Categories: []SeedCategory{{Name: "Core"}},
		Outages:    []SeedOutage{{Category: "Core", Application: "Missing", Date: "2025-06-01"}},
	}
	_, err := NewSeeder(svc, store.Outages).Seed(context.Background(), f)
	if !model.IsCode(err, model.ErrCodeApplicationNotFound) {
		t.Errorf("err = %v, want %s", err, model.ErrCodeApplicationNotFound)
	}
}

func TestSeeder_Seed_InvalidDay(t *testing.T) {
	store := newSeedStore(t)
	svc := catalog.NewService(store.Categories, store.Applications)

	f := &SeedFile{
		Categories: []SeedCategory{{Name: "Core", Applications: []string{"Billing"}}},
		Outages:    []SeedOutage{{Category: "Core", Application: "Billing", Date: "2025-02-30"}},
	}
	if _, err := NewSeeder(svc, store.Outages).Seed(context.Background(), f); err == nil {
		t.Error("expected error for an impossible date")
	}
}
