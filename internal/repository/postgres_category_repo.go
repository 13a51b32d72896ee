package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/outagegrid/internal/model"
)

// PostgresCategoryRepo はPostgreSQLを使用したカテゴリリポジトリ。
type PostgresCategoryRepo struct {
	db *sql.DB
}

// NewPostgresCategoryRepo はPostgresCategoryRepoを生成する。
func NewPostgresCategoryRepo(db *sql.DB) *PostgresCategoryRepo {
	return &PostgresCategoryRepo{db: db}
}

// List は全カテゴリをorder昇順で返す。
func (r *PostgresCategoryRepo) List(ctx context.Context) ([]*model.Category, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, sort_order, created_at, updated_at
		 FROM categories ORDER BY sort_order ASC, created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("カテゴリ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var categories []*model.Category
	for rows.Next() {
		c := &model.Category{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Order, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("カテゴリ行の読み取りに失敗しました: %w", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カテゴリ一覧の走査に失敗しました: %w", err)
	}
	return categories, nil
}

// FindByID は指定IDのカテゴリを取得する。見つからない場合はnilを返す。
func (r *PostgresCategoryRepo) FindByID(ctx context.Context, id string) (*model.Category, error) {
	c := &model.Category{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, sort_order, created_at, updated_at FROM categories WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.Order, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カテゴリの取得に失敗しました: %w", err)
	}
	return c, nil
}

// Create はカテゴリを作成する。
func (r *PostgresCategoryRepo) Create(ctx context.Context, c *model.Category) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO categories (id, name, sort_order, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, c.Order, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("カテゴリの作成に失敗しました: %w", err)
	}
	return nil
}

// Rename はカテゴリ名を変更する。
func (r *PostgresCategoryRepo) Rename(ctx context.Context, id, name string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE categories SET name = $2, updated_at = $3 WHERE id = $1`,
		id, name, now(),
	)
	if err != nil {
		return fmt.Errorf("カテゴリ名の変更に失敗しました: %w", err)
	}
	return requireAffected(result, model.NewCategoryNotFoundError(id))
}

// Delete はカテゴリを削除する。配下のapplications、outagesはCASCADE削除される。
func (r *PostgresCategoryRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("カテゴリの削除に失敗しました: %w", err)
	}
	return requireAffected(result, model.NewCategoryNotFoundError(id))
}

// Reorder はカテゴリの表示順を同一トランザクションで一括更新する。
func (r *PostgresCategoryRepo) Reorder(ctx context.Context, entries []model.ReorderEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	for _, e := range entries {
		result, err := tx.ExecContext(ctx,
			`UPDATE categories SET sort_order = $2, updated_at = $3 WHERE id = $1`,
			e.ID, e.Order, ts,
		)
		if err != nil {
			return fmt.Errorf("カテゴリの並び替えに失敗しました: %w", err)
		}
		if err := requireAffected(result, model.NewCategoryNotFoundError(e.ID)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CategoryRepository = (*PostgresCategoryRepo)(nil)
