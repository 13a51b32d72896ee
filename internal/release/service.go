// Package release はリリース履歴の登録・更新と、スクリーンショット保存、
// 外部フィードからの取り込みを提供する。
package release

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/outagegrid/internal/model"
	"github.com/hitoshi/outagegrid/internal/repository"
)

// AssetStore はスクリーンショット画像の保存先。
type AssetStore interface {
	// Save は画像を保存し、配信用のURLを返す。
	Save(fileName string, body io.Reader) (string, error)
	// Remove は配信用URLに対応する画像を削除する。
	Remove(url string) error
}

// Upload はアップロードされたスクリーンショット。
type Upload struct {
	FileName string
	Body     io.Reader
}

// AddInput はリリース追加の入力。
type AddInput struct {
	ChangeSummary  string
	DeploymentTime *time.Time // nilの場合は現在時刻
	Phases         []model.ReleasePhase
	Screenshot     *Upload
	SourceGUID     *string
}

// UpdateInput はリリース更新の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	ChangeSummary    *string
	DeploymentTime   *time.Time
	Phases           []model.ReleasePhase
	Screenshot       *Upload
	RemoveScreenshot bool
}

// Service はリリース履歴のドメインロジックを提供する。
type Service struct {
	repo   repository.ReleaseRepository
	assets AssetStore
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// assetsがnilの場合、スクリーンショット付きの追加・更新はINVALID_REQUESTになる。
func NewService(repo repository.ReleaseRepository, assets AssetStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		assets: assets,
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// List はリリースをデプロイ日時の降順で返す。
// 工程が未記録のリリースには既定の工程を補う。
func (s *Service) List(ctx context.Context) ([]*model.Release, error) {
	releases, err := s.repo.List(ctx)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	for _, r := range releases {
		fillDefaultPhases(r)
	}
	return releases, nil
}

// Get は指定IDのリリースを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Release, error) {
	r, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if r == nil {
		return nil, model.NewReleaseNotFoundError(id)
	}
	fillDefaultPhases(r)
	return r, nil
}

// Add はリリースを追加する。
func (s *Service) Add(ctx context.Context, in AddInput) (*model.Release, error) {
	summary := strings.TrimSpace(in.ChangeSummary)
	if summary == "" {
		return nil, model.NewInvalidChangeSummaryError()
	}

	now := s.now()
	deployedAt := now
	if in.DeploymentTime != nil {
		deployedAt = *in.DeploymentTime
	}
	phases := in.Phases
	if len(phases) == 0 {
		phases = model.DefaultReleasePhases()
	}

	var screenshotURL *string
	if in.Screenshot != nil {
		u, err := s.saveScreenshot(in.Screenshot)
		if err != nil {
			return nil, err
		}
		screenshotURL = &u
	}

	r := &model.Release{
		ID:             s.newID(),
		ChangeSummary:  summary,
		DeploymentTime: deployedAt,
		ScreenshotURL:  screenshotURL,
		Phases:         phases,
		SourceGUID:     in.SourceGUID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, r); err != nil {
		if screenshotURL != nil {
			s.removeAsset(*screenshotURL, r.ID)
		}
		return nil, model.AsStoreError(err)
	}
	return r, nil
}

// Update はリリースを部分更新する。
// スクリーンショットを差し替えた場合、古い画像はベストエフォートで削除する。
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*model.Release, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.ChangeSummary != nil {
		summary := strings.TrimSpace(*in.ChangeSummary)
		if summary == "" {
			return nil, model.NewInvalidChangeSummaryError()
		}
		r.ChangeSummary = summary
	}
	if in.DeploymentTime != nil {
		r.DeploymentTime = *in.DeploymentTime
	}
	if in.Phases != nil {
		r.Phases = in.Phases
	}

	previous := r.ScreenshotURL
	switch {
	case in.Screenshot != nil:
		u, err := s.saveScreenshot(in.Screenshot)
		if err != nil {
			return nil, err
		}
		r.ScreenshotURL = &u
	case in.RemoveScreenshot:
		r.ScreenshotURL = nil
	}
	r.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, r); err != nil {
		if in.Screenshot != nil {
			s.removeAsset(*r.ScreenshotURL, id)
		}
		return nil, model.AsStoreError(err)
	}

	if previous != nil && (r.ScreenshotURL == nil || *r.ScreenshotURL != *previous) {
		s.removeAsset(*previous, id)
	}
	return r, nil
}

// Delete はリリースを削除し、スクリーンショットをベストエフォートで削除する。
// 画像の削除に失敗してもリリースの削除は取り消さない。
func (s *Service) Delete(ctx context.Context, id string) error {
	r, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return model.AsStoreError(err)
	}
	if r == nil {
		return model.NewReleaseNotFoundError(id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return model.AsStoreError(err)
	}
	if r.ScreenshotURL != nil {
		s.removeAsset(*r.ScreenshotURL, id)
	}
	return nil
}

// ImportEntry は取り込み元GUIDで重複を排除してリリースを追加する。
// 既に取り込み済みの場合はfalseを返す。
func (s *Service) ImportEntry(ctx context.Context, guid, summary string, deployedAt time.Time) (bool, error) {
	existing, err := s.repo.FindBySourceGUID(ctx, guid)
	if err != nil {
		return false, model.AsStoreError(err)
	}
	if existing != nil {
		return false, nil
	}
	if _, err := s.Add(ctx, AddInput{
		ChangeSummary:  summary,
		DeploymentTime: &deployedAt,
		SourceGUID:     &guid,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) saveScreenshot(up *Upload) (string, error) {
	if s.assets == nil {
		return "", model.NewInvalidRequestError("スクリーンショットの保存先が設定されていません")
	}
	u, err := s.assets.Save(up.FileName, up.Body)
	if err != nil {
		return "", err
	}
	return u, nil
}

func (s *Service) removeAsset(url, releaseID string) {
	if s.assets == nil {
		return
	}
	if err := s.assets.Remove(url); err != nil {
		s.logger.Warn("スクリーンショットの削除に失敗しました",
			slog.String("release_id", releaseID),
			slog.String("screenshot_url", url),
			slog.String("error", err.Error()),
		)
	}
}

func fillDefaultPhases(r *model.Release) {
	if len(r.Phases) == 0 {
		r.Phases = model.DefaultReleasePhases()
	}
}
