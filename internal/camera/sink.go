package camera

import (
	"context"
	"sync"
)

// FrameSink はプレビューフレームを繰り返し受け取る結果の受け口
// Send は受け口を開いたまま値を届け、Fail と Close は配信を終了させる
type FrameSink interface {
	Send(frame string)
	Fail(err error)
	Close()
}

// ChannelSink はチャンネルで読み出せるFrameSink実装
// 読み手が遅い場合は古いフレームを捨てて最新を残す
type ChannelSink struct {
	frames chan string
	done   chan struct{}
	mu     sync.Mutex
	err    error
	closed bool
}

// NewChannelSink はバッファ数 size のChannelSinkを作成する
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 1
	}
	return &ChannelSink{
		frames: make(chan string, size),
		done:   make(chan struct{}),
	}
}

// Send はフレームを届ける。終了済みなら何もしない
func (s *ChannelSink) Send(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- frame:
	default:
		// バッファが一杯なら古いフレームを破棄
		select {
		case <-s.frames:
		default:
		}
		select {
		case s.frames <- frame:
		default:
		}
	}
}

// Fail はエラーで配信を終了する
func (s *ChannelSink) Fail(err error) {
	s.finish(err)
}

// Close はエラーなしで配信を終了する
func (s *ChannelSink) Close() {
	s.finish(nil)
}

func (s *ChannelSink) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Frames はフレームを読み出すチャンネルを返す
func (s *ChannelSink) Frames() <-chan string {
	return s.frames
}

// Done は配信終了時に閉じられるチャンネルを返す
func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}

// Err は終了理由を返す。正常終了・配信中は nil
func (s *ChannelSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// oneShot は成功かエラーを一度だけ届ける受け口
type oneShot[T any] struct {
	ch   chan oneShotResult[T]
	once sync.Once
}

type oneShotResult[T any] struct {
	value T
	err   error
}

func newOneShot[T any]() *oneShot[T] {
	return &oneShot[T]{ch: make(chan oneShotResult[T], 1)}
}

func (o *oneShot[T]) succeed(v T) {
	o.once.Do(func() { o.ch <- oneShotResult[T]{value: v} })
}

func (o *oneShot[T]) fail(err error) {
	o.once.Do(func() { o.ch <- oneShotResult[T]{err: err} })
}

func (o *oneShot[T]) wait(ctx context.Context) (T, error) {
	select {
	case r := <-o.ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
