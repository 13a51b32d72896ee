// Package cleanup は古い障害記録の自動削除ジョブを提供する。
// 保持月数を超過した年月の障害記録を日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/outagegrid/internal/model"
)

// OutageDeleter は指定年月より前の障害記録を削除する。
// repository.OutageRepository がそのまま満たす。
type OutageDeleter interface {
	DeleteBefore(ctx context.Context, period model.Period) (int64, error)
}

// CleanupJob は保持期間を超過した障害記録の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	outages         OutageDeleter
	logger          *slog.Logger
	now             func() time.Time
	RetentionMonths int // 当月より前に保持する月数。0以下の場合は削除しない
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(outages OutageDeleter, logger *slog.Logger, retentionMonths int) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		outages:         outages,
		logger:          logger,
		now:             time.Now,
		RetentionMonths: retentionMonths,
	}
}

// Cutoff は削除の境界となる年月を返す。この年月より前の記録が削除対象になる。
func (j *CleanupJob) Cutoff() model.Period {
	p := model.PeriodOf(j.now())
	for i := 0; i < j.RetentionMonths; i++ {
		p = p.Prev()
	}
	return p
}

// Run は保持期間を超過した障害記録を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.RetentionMonths <= 0 {
		j.logger.Debug("障害記録の保持期間が無制限のためクリーンアップをスキップします")
		return nil
	}

	start := time.Now()
	cutoff := j.Cutoff()

	deletedCount, err := j.outages.DeleteBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("障害記録クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_months", j.RetentionMonths),
		)
		return fmt.Errorf("障害記録クリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("障害記録クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_months", j.RetentionMonths),
		slog.String("cutoff", cutoff.String()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
