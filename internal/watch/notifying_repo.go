package watch

import (
	"context"

	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/repository"
)

// NotifyingOutageRepo は書き込み成功後にHubへ変更を通知するOutageRepositoryのデコレータ。
// データベース側で変更通知を持たないSQLiteバックエンドで使用する。
type NotifyingOutageRepo struct {
	repository.OutageRepository
	hub *Hub
}

// NewNotifyingOutageRepo はNotifyingOutageRepoを生成する。
func NewNotifyingOutageRepo(inner repository.OutageRepository, hub *Hub) *NotifyingOutageRepo {
	return &NotifyingOutageRepo{OutageRepository: inner, hub: hub}
}

// Create は障害記録を作成し、その年月の購読者に通知する。
func (r *NotifyingOutageRepo) Create(ctx context.Context, outage *model.Outage) error {
	if err := r.OutageRepository.Create(ctx, outage); err != nil {
		return err
	}
	r.hub.Publish(outage.Period())
	return nil
}

// Update は障害記録を更新する。IDから年月を特定できないため全購読者に通知する。
func (r *NotifyingOutageRepo) Update(ctx context.Context, id string, patch model.OutagePatch) error {
	if err := r.OutageRepository.Update(ctx, id, patch); err != nil {
		return err
	}
	r.hub.PublishAll()
	return nil
}

// Delete は障害記録を削除し、全購読者に通知する。
func (r *NotifyingOutageRepo) Delete(ctx context.Context, id string) error {
	if err := r.OutageRepository.Delete(ctx, id); err != nil {
		return err
	}
	r.hub.PublishAll()
	return nil
}

// DeleteBefore は古い障害記録を削除し、1件以上削除した場合は全購読者に通知する。
func (r *NotifyingOutageRepo) DeleteBefore(ctx context.Context, period model.Period) (int64, error) {
	n, err := r.OutageRepository.DeleteBefore(ctx, period)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.hub.PublishAll()
	}
	return n, nil
}

// compile-time interface check
var _ repository.OutageRepository = (*NotifyingOutageRepo)(nil)
