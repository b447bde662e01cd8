package photo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"usbcam/internal/logger"
)

// DefaultPruneSchedule は古い静止画を削除する既定のスケジュール
const DefaultPruneSchedule = "@daily"

// Retention は保存日数を過ぎた静止画を定期的に削除する
type Retention struct {
	store  *Store
	maxAge time.Duration
	cron   *cron.Cron
	logger *slog.Logger
}

// NewRetention は新しいRetentionを作成する
func NewRetention(store *Store, days int, schedule string, log *slog.Logger) (*Retention, error) {
	if days <= 0 {
		return nil, fmt.Errorf("無効な保存日数: %d", days)
	}
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "retention")

	cronLogger := &logger.CronLogger{Logger: log}
	r := &Retention{
		store:  store,
		maxAge: time.Duration(days) * 24 * time.Hour,
		logger: log,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
		),
	}
	if _, err := r.cron.AddFunc(schedule, func() { _, _ = r.RunOnce() }); err != nil {
		return nil, fmt.Errorf("無効なスケジュール %q: %w", schedule, err)
	}
	return r, nil
}

// Start はスケジュールを開始する
func (r *Retention) Start() {
	r.logger.Info("静止画の定期削除を開始しました", "max_age", r.maxAge)
	r.cron.Start()
}

// Stop はスケジュールを停止し、実行中の削除の完了を待つ
func (r *Retention) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce は古い静止画の削除を1回実行する
func (r *Retention) RunOnce() (int, error) {
	n, err := r.store.Prune(r.maxAge)
	if err != nil {
		r.logger.Error("静止画の削除に失敗", "error", err)
	}
	return n, err
}
