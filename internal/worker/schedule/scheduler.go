// Package schedule はバックグラウンドジョブの定期実行を提供する。
// cron式（秒フィールド付き）または @every 記法でジョブを登録し、
// 前回の実行が終わっていない場合は次の起動をスキップする。
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc はスケジューラから呼び出されるジョブ本体。
type JobFunc func(ctx context.Context) error

// Job は登録するジョブの定義。
type Job struct {
	Name       string
	Spec       string // "0 0 3 * * *" または "@every 30m"
	Run        JobFunc
	RunOnStart bool // スケジューラ起動直後に1回実行する
}

// Scheduler はcronによるジョブのスケジューリングを行う。
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	jobs    []Job
	running bool
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// locがnilの場合はUTCで評価する。
func NewScheduler(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// EverySpec は実行間隔を @every 記法のスケジュールに変換する。1秒未満は1秒に切り上げる。
func EverySpec(interval time.Duration) string {
	seconds := int(interval.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return fmt.Sprintf("@every %ds", seconds)
}

// Add はジョブを登録する。スケジュールが解釈できない場合はエラーを返す。
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and func are required")
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) }); err != nil {
		return fmt.Errorf("ジョブ %s のスケジュール %q が不正です: %w", job.Name, job.Spec, err)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

// Len は登録済みジョブ数を返す。
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Run はスケジューラを起動し、コンテキストがキャンセルされるまでブロックする。
// 停止時は実行中のジョブの完了を待つ。
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.ctx = ctx
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	s.logger.Info("ジョブスケジューラを開始しました",
		slog.Int("job_count", len(jobs)),
	)

	// 起動直後に1回実行
	for _, job := range jobs {
		if job.RunOnStart {
			s.execute(job)
		}
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.logger.Info("ジョブスケジューラを停止しました")
	return nil
}

// execute はジョブを1回実行し、結果をログに記録する。
func (s *Scheduler) execute(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("ジョブの実行に失敗しました",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("ジョブが完了しました",
		slog.String("job", job.Name),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// cronLogger はcron.Loggerをslogに接続する。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]any{slog.String("error", err.Error())}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}
