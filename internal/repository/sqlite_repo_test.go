package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/hitoshi/outagegrid/internal/database"
	"github.com/hitoshi/outagegrid/internal/model"
)

// newTestSQLiteStore はテストごとに独立したインメモリSQLiteのStoreを生成する。
func newTestSQLiteStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("SQLiteのオープンに失敗: %v", err)
	}
	if err := AutoMigrateSQLite(db); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	return NewSQLiteStore(db)
}

func seedCategory(t *testing.T, s *Store, id string, order int) {
	t.Helper()
	ts := time.Now().UTC()
	err := s.Categories.Create(context.Background(), &model.Category{ID: id, Name: "cat-" + id, Order: order, CreatedAt: ts, UpdatedAt: ts})
	if err != nil {
		t.Fatalf("カテゴリ作成に失敗: %v", err)
	}
}

func seedApplication(t *testing.T, s *Store, id, categoryID string, order int) {
	t.Helper()
	ts := time.Now().UTC()
	err := s.Applications.Create(context.Background(), &model.Application{
		ID: id, CategoryID: categoryID, Name: "app-" + id, Order: order, CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatalf("アプリケーション作成に失敗: %v", err)
	}
}

func newOutage(id, appID string, year, month, day int, status model.OutageStatus) *model.Outage {
	ts := time.Now().UTC()
	return &model.Outage{
		ID: id, ApplicationID: appID, Year: year, Month: month, Day: day,
		Status: status, CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestNewSQLiteStore_ImplementsInterfaces(t *testing.T) {
	s := NewSQLiteStore(nil)
	if s.Categories == nil || s.Applications == nil || s.Outages == nil || s.Releases == nil {
		t.Fatal("NewSQLiteStore returned a store with nil repositories")
	}
}

func TestSQLiteCategoryRepo_ListOrderAndFind(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	seedCategory(t, s, "b", 1)
	seedCategory(t, s, "a", 0)
	seedCategory(t, s, "c", 2)

	list, err := s.Categories.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	var ids []string
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("List order mismatch (-want +got):\n%s", diff)
	}

	got, err := s.Categories.FindByID(ctx, "missing")
	if err != nil || got != nil {
		t.Errorf("FindByID(missing) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestSQLiteCategoryRepo_RenameAndDeleteNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.Categories.Rename(ctx, "missing", "x"); !model.IsCode(err, model.ErrCodeCategoryNotFound) {
		t.Errorf("Rename(missing) error = %v, want CATEGORY_NOT_FOUND", err)
	}
	if err := s.Categories.Delete(ctx, "missing"); !model.IsCode(err, model.ErrCodeCategoryNotFound) {
		t.Errorf("Delete(missing) error = %v, want CATEGORY_NOT_FOUND", err)
	}

	seedCategory(t, s, "c1", 0)
	if err := s.Categories.Rename(ctx, "c1", "Payments"); err != nil {
		t.Fatalf("Rename returned error: %v", err)
	}
	got, _ := s.Categories.FindByID(ctx, "c1")
	if got == nil || got.Name != "Payments" {
		t.Errorf("Rename not applied: %+v", got)
	}
}

// TestSQLiteCategoryRepo_DeleteCascades はカテゴリ削除で配下のアプリケーションと障害記録が消えることを検証する。
func TestSQLiteCategoryRepo_DeleteCascades(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	seedCategory(t, s, "c1", 0)
	seedApplication(t, s, "a1", "c1", 0)
	if err := s.Outages.Create(ctx, newOutage("o1", "a1", 2025, 3, 15, model.OutageStatusFull)); err != nil {
		t.Fatalf("Create outage returned error: %v", err)
	}

	if err := s.Categories.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	apps, err := s.Applications.List(ctx)
	if err != nil {
		t.Fatalf("List applications returned error: %v", err)
	}
	if len(apps) != 0 {
		t.Errorf("applications remain after cascade: %d", len(apps))
	}
	outages, err := s.Outages.ListByPeriod(ctx, model.Period{Year: 2025, Month: 3})
	if err != nil {
		t.Fatalf("ListByPeriod returned error: %v", err)
	}
	if len(outages) != 0 {
		t.Errorf("outages remain after cascade: %d", len(outages))
	}
}

// TestSQLiteCategoryRepo_ReorderAtomic は存在しないIDを含む並び替えが全件ロールバックされることを検証する。
func TestSQLiteCategoryRepo_ReorderAtomic(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	seedCategory(t, s, "a", 0)
	seedCategory(t, s, "b", 1)

	err := s.Categories.Reorder(ctx, []model.ReorderEntry{{ID: "a", Order: 5}, {ID: "missing", Order: 6}})
	if !model.IsCode(err, model.ErrCodeCategoryNotFound) {
		t.Fatalf("Reorder error = %v, want CATEGORY_NOT_FOUND", err)
	}
	got, _ := s.Categories.FindByID(ctx, "a")
	if got.Order != 0 {
		t.Errorf("partial reorder was committed: order=%d", got.Order)
	}

	if err := s.Categories.Reorder(ctx, []model.ReorderEntry{{ID: "a", Order: 1}, {ID: "b", Order: 0}}); err != nil {
		t.Fatalf("Reorder returned error: %v", err)
	}
	list, _ := s.Categories.List(ctx)
	if list[0].ID != "b" || list[1].ID != "a" {
		t.Errorf("order after reorder = [%s %s], want [b a]", list[0].ID, list[1].ID)
	}
}

func TestSQLiteApplicationRepo_CreateUnknownCategory(t *testing.T) {
	s := newTestSQLiteStore(t)
	ts := time.Now().UTC()

	err := s.Applications.Create(context.Background(), &model.Application{
		ID: "a1", CategoryID: "missing", Name: "API", CreatedAt: ts, UpdatedAt: ts,
	})
	if !model.IsCode(err, model.ErrCodeCategoryNotFound) {
		t.Errorf("Create error = %v, want CATEGORY_NOT_FOUND", err)
	}
}

// TestSQLiteApplicationRepo_ReorderScopedToCategory は別カテゴリのアプリケーションを並び替えられないことを検証する。
func TestSQLiteApplicationRepo_ReorderScopedToCategory(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	seedCategory(t, s, "c1", 0)
	seedCategory(t, s, "c2", 1)
	seedApplication(t, s, "a1", "c1", 0)
	seedApplication(t, s, "a2", "c1", 1)
	seedApplication(t, s, "b1", "c2", 0)

	err := s.Applications.Reorder(ctx, "c1", []model.ReorderEntry{{ID: "a1", Order: 3}, {ID: "b1", Order: 4}})
	if !model.IsCode(err, model.ErrCodeApplicationNotFound) {
		t.Fatalf("Reorder error = %v, want APPLICATION_NOT_FOUND", err)
	}

	if err := s.Applications.Reorder(ctx, "c1", []model.ReorderEntry{{ID: "a1", Order: 1}, {ID: "a2", Order: 0}}); err != nil {
		t.Fatalf("Reorder returned error: %v", err)
	}
	apps, _ := s.Applications.ListByCategory(ctx, "c1")
	if len(apps) != 2 || apps[0].ID != "a2" || apps[1].ID != "a1" {
		t.Errorf("ListByCategory after reorder unexpected: %+v", apps)
	}
}

// TestSQLiteOutageRepo_UniqueCell は同一セルへの2件目の作成がOUTAGE_CONFLICTになることを検証する。
func TestSQLiteOutageRepo_UniqueCell(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	seedCategory(t, s, "c1", 0)
	seedApplication(t, s, "a1", "c1", 0)

	if err := s.Outages.Create(ctx, newOutage("o1", "a1", 2025, 3, 15, model.OutageStatusPartial)); err != nil {
		t.Fatalf("first Create returned error: %v", err)
	}
	err := s.Outages.Create(ctx, newOutage("o2", "a1", 2025, 3, 15, model.OutageStatusFull))
	if !model.IsCode(err, model.ErrCodeOutageConflict) {
		t.Errorf("second Create error = %v, want OUTAGE_CONFLICT", err)
	}

	err = s.Outages.Create(ctx, newOutage("o3", "missing", 2025, 3, 15, model.OutageStatusFull))
	if !model.IsCode(err, model.ErrCodeApplicationNotFound) {
		t.Errorf("Create for unknown app error = %v, want APPLICATION_NOT_FOUND", err)
	}
}

func TestSQLiteOutageRepo_UpdateAndDelete(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	period := model.Period{Year: 2025, Month: 3}

	seedCategory(t, s, "c1", 0)
	seedApplication(t, s, "a1", "c1", 0)
	if err := s.Outages.Create(ctx, newOutage("o1", "a1", 2025, 3, 15, model.OutageStatusPartial)); err != nil {
		t.Fatal(err)
	}

	full := model.OutageStatusFull
	notes := "DB failover"
	if err := s.Outages.Update(ctx, "o1", model.OutagePatch{Status: &full, Notes: &notes}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	list, _ := s.Outages.ListByPeriod(ctx, period)
	if len(list) != 1 || list[0].Status != model.OutageStatusFull || list[0].Notes == nil || *list[0].Notes != notes {
		t.Fatalf("Update not applied: %+v", list)
	}

	empty := ""
	if err := s.Outages.Update(ctx, "o1", model.OutagePatch{Notes: &empty}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	list, _ = s.Outages.ListByPeriod(ctx, period)
	if list[0].Notes != nil {
		t.Errorf("empty notes should be stored as NULL, got %q", *list[0].Notes)
	}

	if err := s.Outages.Update(ctx, "missing", model.OutagePatch{Status: &full}); !model.IsCode(err, model.ErrCodeOutageNotFound) {
		t.Errorf("Update(missing) error = %v, want OUTAGE_NOT_FOUND", err)
	}
	if err := s.Outages.Delete(ctx, "o1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := s.Outages.Delete(ctx, "o1"); !model.IsCode(err, model.ErrCodeOutageNotFound) {
		t.Errorf("second Delete error = %v, want OUTAGE_NOT_FOUND", err)
	}
}

// TestSQLiteOutageRepo_ListByPeriodAndDeleteBefore は年月による絞り込みと保持期間削除を検証する。
func TestSQLiteOutageRepo_ListByPeriodAndDeleteBefore(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	seedCategory(t, s, "c1", 0)
	seedApplication(t, s, "a1", "c1", 0)
	for i, p := range []model.Period{{Year: 2024, Month: 11}, {Year: 2024, Month: 12}, {Year: 2025, Month: 1}, {Year: 2025, Month: 2}} {
		o := newOutage(uuid.NewString(), "a1", p.Year, p.Month, 1+i, model.OutageStatusFull)
		if err := s.Outages.Create(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.Outages.ListByPeriod(ctx, model.Period{Year: 2025, Month: 1})
	if err != nil {
		t.Fatalf("ListByPeriod returned error: %v", err)
	}
	if len(list) != 1 || list[0].Day != 3 {
		t.Errorf("ListByPeriod(2025-01) unexpected: %+v", list)
	}

	deleted, err := s.Outages.DeleteBefore(ctx, model.Period{Year: 2025, Month: 1})
	if err != nil {
		t.Fatalf("DeleteBefore returned error: %v", err)
	}
	if deleted != 2 {
		t.Errorf("DeleteBefore deleted %d, want 2", deleted)
	}
	list, _ = s.Outages.ListByPeriod(ctx, model.Period{Year: 2024, Month: 12})
	if len(list) != 0 {
		t.Errorf("2024-12 outages remain: %d", len(list))
	}
}

func TestSQLiteReleaseRepo_CRUD(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	guid := "tag:example.com,2025:v1"
	older := &model.Release{ID: "r1", ChangeSummary: "v1", DeploymentTime: base, SourceGUID: &guid, CreatedAt: base, UpdatedAt: base}
	newer := &model.Release{ID: "r2", ChangeSummary: "v2", DeploymentTime: base.Add(24 * time.Hour),
		Phases: model.DefaultReleasePhases(), CreatedAt: base, UpdatedAt: base}
	for _, r := range []*model.Release{older, newer} {
		if err := s.Releases.Create(ctx, r); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	list, err := s.Releases.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" {
		t.Fatalf("List should be ordered by deployment time desc: %+v", list)
	}
	if diff := cmp.Diff(model.DefaultReleasePhases(), list[0].Phases); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}

	found, err := s.Releases.FindBySourceGUID(ctx, guid)
	if err != nil || found == nil || found.ID != "r1" {
		t.Errorf("FindBySourceGUID = (%+v, %v), want r1", found, err)
	}

	url := "/assets/screenshots/1_a.png"
	older.ChangeSummary = "v1 hotfix"
	older.ScreenshotURL = &url
	older.UpdatedAt = time.Now().UTC()
	if err := s.Releases.Update(ctx, older); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	got, _ := s.Releases.FindByID(ctx, "r1")
	if got.ChangeSummary != "v1 hotfix" || got.ScreenshotURL == nil || *got.ScreenshotURL != url {
		t.Errorf("Update not applied: %+v", got)
	}

	if err := s.Releases.Update(ctx, &model.Release{ID: "missing"}); !model.IsCode(err, model.ErrCodeReleaseNotFound) {
		t.Errorf("Update(missing) error = %v, want RELEASE_NOT_FOUND", err)
	}
	if err := s.Releases.Delete(ctx, "r1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if got, _ := s.Releases.FindByID(ctx, "r1"); got != nil {
		t.Errorf("release remains after delete: %+v", got)
	}
}
