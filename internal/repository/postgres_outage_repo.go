package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/outagegrid/internal/model"
)

// PostgresOutageRepo はPostgreSQLを使用した障害記録リポジトリ。
// (application_id, year, month, day) の一意制約により同一セルの重複作成を防ぐ。
type PostgresOutageRepo struct {
	db *sql.DB
}

// NewPostgresOutageRepo はPostgresOutageRepoを生成する。
func NewPostgresOutageRepo(db *sql.DB) *PostgresOutageRepo {
	return &PostgresOutageRepo{db: db}
}

// ListByPeriod は指定年月の障害記録を全件返す。
func (r *PostgresOutageRepo) ListByPeriod(ctx context.Context, period model.Period) ([]*model.Outage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, application_id, year, month, day, status, notes, created_at, updated_at
		 FROM outages WHERE year = $1 AND month = $2
		 ORDER BY application_id, day`,
		period.Year, period.Month,
	)
	if err != nil {
		return nil, fmt.Errorf("障害記録一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var outages []*model.Outage
	for rows.Next() {
		o := &model.Outage{}
		var status string
		var notes sql.NullString
		if err := rows.Scan(
			&o.ID, &o.ApplicationID, &o.Year, &o.Month, &o.Day,
			&status, &notes, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("障害記録行の読み取りに失敗しました: %w", err)
		}
		o.Status = model.OutageStatus(status)
		o.Notes = nullStringPtr(notes)
		outages = append(outages, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("障害記録一覧の走査に失敗しました: %w", err)
	}
	return outages, nil
}

// Create は障害記録を作成する。
// 一意制約違反はOUTAGE_CONFLICT、存在しないアプリケーションはAPPLICATION_NOT_FOUNDに変換する。
func (r *PostgresOutageRepo) Create(ctx context.Context, o *model.Outage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO outages (id, application_id, year, month, day, status, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.ApplicationID, o.Year, o.Month, o.Day,
		string(o.Status), nullString(o.Notes), o.CreatedAt, o.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isPQCode(err, pqUniqueViolation):
		return model.NewOutageConflictError(o.ApplicationID, o.Period(), o.Day)
	case isPQCode(err, pqForeignKeyViolation):
		return model.NewApplicationNotFoundError(o.ApplicationID)
	default:
		return fmt.Errorf("障害記録の作成に失敗しました: %w", err)
	}
}

// Update は障害記録を部分更新する。Notesに空文字列を指定した場合はNULLに戻す。
func (r *PostgresOutageRepo) Update(ctx context.Context, id string, patch model.OutagePatch) error {
	sets := []string{"updated_at = $2"}
	args := []any{id, now()}

	if patch.Status != nil {
		args = append(args, string(*patch.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if patch.Notes != nil {
		var notes sql.NullString
		if *patch.Notes != "" {
			notes = sql.NullString{String: *patch.Notes, Valid: true}
		}
		args = append(args, notes)
		sets = append(sets, fmt.Sprintf("notes = $%d", len(args)))
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE outages SET `+strings.Join(sets, ", ")+` WHERE id = $1`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("障害記録の更新に失敗しました: %w", err)
	}
	return requireAffected(result, model.NewOutageNotFoundError(id))
}

// Delete は障害記録を削除する。
func (r *PostgresOutageRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM outages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("障害記録の削除に失敗しました: %w", err)
	}
	return requireAffected(result, model.NewOutageNotFoundError(id))
}

// DeleteBefore は指定年月より前の障害記録を削除し、削除件数を返す。
func (r *PostgresOutageRepo) DeleteBefore(ctx context.Context, period model.Period) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM outages WHERE year * 12 + (month - 1) < $1`,
		period.Index(),
	)
	if err != nil {
		return 0, fmt.Errorf("古い障害記録の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ OutageRepository = (*PostgresOutageRepo)(nil)
