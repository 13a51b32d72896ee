package catalog_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/hitoshi/outagegrid/internal/catalog"
	"github.com/hitoshi/outagegrid/internal/database"
	"github.com/hitoshi/outagegrid/internal/grid"
	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/repository"
)

func newSQLiteStore(t *testing.T) *repository.Store {
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

// TestScenario_PaymentsCheckoutToggle はカテゴリ作成からセルのトグルまでの一連の流れを検証する。
func TestScenario_PaymentsCheckoutToggle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	svc := catalog.NewService(store.Categories, store.Applications)

	payments, err := svc.AddCategory(ctx, "Payments")
	if err != nil {
		t.Fatalf("AddCategory returned error: %v", err)
	}
	checkout, err := svc.AddApplication(ctx, payments.ID, "Checkout")
	if err != nil {
		t.Fatalf("AddApplication returned error: %v", err)
	}
	if checkout.Order != 0 {
		t.Errorf("first application order = %d, want 0", checkout.Order)
	}

	m := grid.NewManager(store.Outages, model.Period{Year: 2025, Month: 6})
	if err := m.LoadOutages(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ToggleOutageStatus(ctx, checkout.ID, 15); err != nil {
		t.Fatalf("ToggleOutageStatus returned error: %v", err)
	}

	o := m.Outage(checkout.ID, 15)
	if o == nil || o.Status != model.OutageStatusPartial || o.Notes != nil {
		t.Errorf("Outage(checkout, 15) = %+v, want partial without notes", o)
	}
}

// TestService_OrderingAndCascade は表示順の採番と並び替え、カテゴリ削除のCASCADEを実ストアで検証する。
func TestService_OrderingAndCascade(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	svc := catalog.NewService(store.Categories, store.Applications)

	c1, _ := svc.AddCategory(ctx, "Core")
	c2, _ := svc.AddCategory(ctx, "Edge")
	if c1.Order != 0 || c2.Order != 1 {
		t.Fatalf("category orders = %d, %d", c1.Order, c2.Order)
	}

	var appIDs []string
	for _, name := range []string{"API", "Worker", "Scheduler"} {
		a, err := svc.AddApplication(ctx, c1.ID, name)
		if err != nil {
			t.Fatal(err)
		}
		appIDs = append(appIDs, a.ID)
	}
	other, _ := svc.AddApplication(ctx, c2.ID, "CDN")
	if other.Order != 0 {
		t.Errorf("order in another category = %d, want 0", other.Order)
	}

	err := svc.ReorderApplications(ctx, c1.ID, []model.ReorderEntry{
		{ID: appIDs[2], Order: 0}, {ID: appIDs[0], Order: 1}, {ID: appIDs[1], Order: 2},
	})
	if err != nil {
		t.Fatalf("ReorderApplications returned error: %v", err)
	}
	if err := svc.ReorderCategories(ctx, []model.ReorderEntry{{ID: c2.ID, Order: 0}, {ID: c1.ID, Order: 1}}); err != nil {
		t.Fatal(err)
	}

	tree, err := svc.ListCategoriesWithApplications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tree[0].ID != c2.ID || tree[1].ID != c1.ID {
		t.Fatalf("category order = [%s %s]", tree[0].Name, tree[1].Name)
	}
	var names []string
	for _, a := range tree[1].Applications {
		names = append(names, a.Name)
	}
	if len(names) != 3 || names[0] != "Scheduler" || names[1] != "API" || names[2] != "Worker" {
		t.Errorf("application order = %v", names)
	}

	if err := svc.DeleteCategory(ctx, c1.ID); err != nil {
		t.Fatal(err)
	}
	apps, _ := store.Applications.ListByCategory(ctx, c1.ID)
	if len(apps) != 0 {
		t.Errorf("applications remain after category delete: %d", len(apps))
	}
	if err := svc.DeleteCategory(ctx, c1.ID); !model.IsCode(err, model.ErrCodeCategoryNotFound) {
		t.Errorf("second delete error = %v, want CATEGORY_NOT_FOUND", err)
	}
}
