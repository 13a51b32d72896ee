package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/outagegrid/internal/model"
)

// PostgresApplicationRepo はPostgreSQLを使用したアプリケーションリポジトリ。
type PostgresApplicationRepo struct {
	db *sql.DB
}

// NewPostgresApplicationRepo はPostgresApplicationRepoを生成する。
func NewPostgresApplicationRepo(db *sql.DB) *PostgresApplicationRepo {
	return &PostgresApplicationRepo{db: db}
}

const applicationColumns = `id, category_id, name, sort_order, created_at, updated_at`

// List は全アプリケーションをorder昇順で返す。
func (r *PostgresApplicationRepo) List(ctx context.Context) ([]*model.Application, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+applicationColumns+`
		 FROM applications ORDER BY sort_order ASC, created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("アプリケーション一覧の取得に失敗しました: %w", err)
	}
	return scanApplications(rows)
}

// ListByCategory は指定カテゴリのアプリケーションをorder昇順で返す。
func (r *PostgresApplicationRepo) ListByCategory(ctx context.Context, categoryID string) ([]*model.Application, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+applicationColumns+`
		 FROM applications WHERE category_id = $1
		 ORDER BY sort_order ASC, created_at ASC, id ASC`,
		categoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("カテゴリ別アプリケーション一覧の取得に失敗しました: %w", err)
	}
	return scanApplications(rows)
}

func scanApplications(rows *sql.Rows) ([]*model.Application, error) {
	defer rows.Close()

	var apps []*model.Application
	for rows.Next() {
		a := &model.Application{}
		if err := rows.Scan(&a.ID, &a.CategoryID, &a.Name, &a.Order, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("アプリケーション行の読み取りに失敗しました: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アプリケーション一覧の走査に失敗しました: %w", err)
	}
	return apps, nil
}

// FindByID は指定IDのアプリケーションを取得する。見つからない場合はnilを返す。
func (r *PostgresApplicationRepo) FindByID(ctx context.Context, id string) (*model.Application, error) {
	a := &model.Application{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.CategoryID, &a.Name, &a.Order, &a.CreatedAt, &a.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アプリケーションの取得に失敗しました: %w", err)
	}
	return a, nil
}

// Create はアプリケーションを作成する。
func (r *PostgresApplicationRepo) Create(ctx context.Context, a *model.Application) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO applications (id, category_id, name, sort_order, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.CategoryID, a.Name, a.Order, a.CreatedAt, a.UpdatedAt,
	)
	if isPQCode(err, pqForeignKeyViolation) {
		return model.NewCategoryNotFoundError(a.CategoryID)
	}
	if err != nil {
		return fmt.Errorf("アプリケーションの作成に失敗しました: %w", err)
	}
	return nil
}

// Rename はアプリケーション名を変更する。
func (r *PostgresApplicationRepo) Rename(ctx context.Context, id, name string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE applications SET name = $2, updated_at = $3 WHERE id = $1`,
		id, name, now(),
	)
	if err != nil {
		return fmt.Errorf("アプリケーション名の変更に失敗しました: %w", err)
	}
	return requireAffected(result, model.NewApplicationNotFoundError(id))
}

// Delete はアプリケーションを削除する。関連するoutagesはCASCADE削除される。
func (r *PostgresApplicationRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("アプリケーションの削除に失敗しました: %w", err)
	}
	return requireAffected(result, model.NewApplicationNotFoundError(id))
}

// Reorder は指定カテゴリ内のアプリケーションの表示順を同一トランザクションで一括更新する。
// 他カテゴリのアプリケーションIDが含まれる場合はAPPLICATION_NOT_FOUNDとして全体を取り消す。
func (r *PostgresApplicationRepo) Reorder(ctx context.Context, categoryID string, entries []model.ReorderEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	for _, e := range entries {
		result, err := tx.ExecContext(ctx,
			`UPDATE applications SET sort_order = $3, updated_at = $4
			 WHERE id = $1 AND category_id = $2`,
			e.ID, categoryID, e.Order, ts,
		)
		if err != nil {
			return fmt.Errorf("アプリケーションの並び替えに失敗しました: %w", err)
		}
		if err := requireAffected(result, model.NewApplicationNotFoundError(e.ID)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ApplicationRepository = (*PostgresApplicationRepo)(nil)
