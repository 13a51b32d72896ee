package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/outagegrid/internal/model"
)

// PostgresReleaseRepo はPostgreSQLを使用したリリース履歴リポジトリ。
type PostgresReleaseRepo struct {
	db *sql.DB
}

// NewPostgresReleaseRepo はPostgresReleaseRepoを生成する。
func NewPostgresReleaseRepo(db *sql.DB) *PostgresReleaseRepo {
	return &PostgresReleaseRepo{db: db}
}

const releaseColumns = `id, change_summary, deployment_time, screenshot_url, phases, source_guid, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelease(s rowScanner) (*model.Release, error) {
	rel := &model.Release{}
	var screenshotURL, sourceGUID sql.NullString
	var phases []byte
	if err := s.Scan(
		&rel.ID, &rel.ChangeSummary, &rel.DeploymentTime,
		&screenshotURL, &phases, &sourceGUID, &rel.CreatedAt, &rel.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rel.ScreenshotURL = nullStringPtr(screenshotURL)
	rel.SourceGUID = nullStringPtr(sourceGUID)
	if len(phases) > 0 {
		if err := json.Unmarshal(phases, &rel.Phases); err != nil {
			return nil, fmt.Errorf("工程データの解析に失敗しました: %w", err)
		}
	}
	return rel, nil
}

// marshalPhases は工程一覧をJSONB列の値に変換する。nilはNULLとして保存する。
func marshalPhases(phases []model.ReleasePhase) (sql.NullString, error) {
	if phases == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(phases)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// List は全リリースをdeployment_time降順で返す。
func (r *PostgresReleaseRepo) List(ctx context.Context) ([]*model.Release, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+releaseColumns+` FROM releases ORDER BY deployment_time DESC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("リリース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var releases []*model.Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("リリース行の読み取りに失敗しました: %w", err)
		}
		releases = append(releases, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リリース一覧の走査に失敗しました: %w", err)
	}
	return releases, nil
}

// FindByID は指定IDのリリースを取得する。見つからない場合はnilを返す。
func (r *PostgresReleaseRepo) FindByID(ctx context.Context, id string) (*model.Release, error) {
	rel, err := scanRelease(r.db.QueryRowContext(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リリースの取得に失敗しました: %w", err)
	}
	return rel, nil
}

// FindBySourceGUID は取り込み元GUIDでリリースを検索する。見つからない場合はnilを返す。
func (r *PostgresReleaseRepo) FindBySourceGUID(ctx context.Context, guid string) (*model.Release, error) {
	rel, err := scanRelease(r.db.QueryRowContext(ctx,
		`SELECT `+releaseColumns+` FROM releases WHERE source_guid = $1`, guid,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("取り込み元GUIDによるリリースの検索に失敗しました: %w", err)
	}
	return rel, nil
}

// Create はリリースを作成する。
func (r *PostgresReleaseRepo) Create(ctx context.Context, rel *model.Release) error {
	phases, err := marshalPhases(rel.Phases)
	if err != nil {
		return fmt.Errorf("工程データの変換に失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO releases (`+releaseColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rel.ID, rel.ChangeSummary, rel.DeploymentTime, nullString(rel.ScreenshotURL),
		phases, nullString(rel.SourceGUID), rel.CreatedAt, rel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("リリースの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はリリースの変更概要、デプロイ日時、スクリーンショット、工程を上書きする。
func (r *PostgresReleaseRepo) Update(ctx context.Context, rel *model.Release) error {
	phases, err := marshalPhases(rel.Phases)
	if err != nil {
		return fmt.Errorf("工程データの変換に失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE releases SET
		    change_summary = $2, deployment_time = $3, screenshot_url = $4,
		    phases = $5, updated_at = $6
		 WHERE id = $1`,
		rel.ID, rel.ChangeSummary, rel.DeploymentTime, nullString(rel.ScreenshotURL),
		phases, rel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("リリースの更新に失敗しました: %w", err)
	}
	return requireAffected(result, model.NewReleaseNotFoundError(rel.ID))
}

// Delete はリリースを削除する。
func (r *PostgresReleaseRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM releases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("リリースの削除に失敗しました: %w", err)
	}
	return requireAffected(result, model.NewReleaseNotFoundError(id))
}

// NewPostgresStore はPostgreSQLバックエンドのStoreを生成する。
func NewPostgresStore(db *sql.DB) *Store {
	return &Store{
		Categories:   NewPostgresCategoryRepo(db),
		Applications: NewPostgresApplicationRepo(db),
		Outages:      NewPostgresOutageRepo(db),
		Releases:     NewPostgresReleaseRepo(db),
	}
}

// compile-time interface check
var _ ReleaseRepository = (*PostgresReleaseRepo)(nil)
