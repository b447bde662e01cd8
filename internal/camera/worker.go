package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Worker はセッション専用の直列実行コンテキスト
// ハードウェア呼び出しとコールバックは全てこの上で順番に実行される
type Worker struct {
	name   string
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu      sync.RWMutex
	stopped bool
}

// StartWorker は新しいワーカーを起動する
func StartWorker(name string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		name:   name,
		tasks:  make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("worker", name),
	}
	go w.loop()
	w.logger.Debug("ワーカーを開始しました")
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case fn := <-w.tasks:
			w.run(fn)
		case <-w.quit:
			// 以降のPostを拒否してから、積まれたタスクを処理して終了する
			w.mu.Lock()
			w.stopped = true
			w.mu.Unlock()
			for {
				select {
				case fn := <-w.tasks:
					w.run(fn)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ワーカータスクでpanicが発生しました", "panic", r)
		}
	}()
	fn()
}

// Post はタスクを積む。停止済みなら false を返す
func (w *Worker) Post(fn func()) bool {
	if w == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	select {
	case w.tasks <- fn:
		return true
	case <-w.quit:
		return false
	}
}

// Call はタスクをワーカー上で実行し、その結果を待つ
// ワーカー上から呼ぶとデッドロックする
func (w *Worker) Call(ctx context.Context, fn func() error) error {
	if w == nil {
		return ErrWorkerStopped
	}
	result := make(chan error, 1)
	if !w.Post(func() { result <- fn() }) {
		return ErrWorkerStopped
	}
	select {
	case err := <-result:
		return err
	case <-w.done:
		// 停止時の排出で実行済みの可能性がある
		select {
		case err := <-result:
			return err
		default:
			return ErrWorkerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done はワーカー終了時に閉じられるチャンネルを返す
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Stop は積まれたタスクを処理させた上でワーカーを停止し、終了を待つ
// 未起動・停止済みでも呼び出してよい
func (w *Worker) Stop(timeout time.Duration) error {
	if w == nil {
		return nil
	}
	w.once.Do(func() { close(w.quit) })

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		w.logger.Debug("ワーカーを停止しました")
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s (%s)", ErrWorkerStuck, w.name, timeout)
	}
}
