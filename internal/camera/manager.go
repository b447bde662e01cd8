package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// デフォルトのタイムアウト
const (
	DefaultStopTimeout     = 3 * time.Second
	DefaultDiscoverTimeout = 5 * time.Second
)

// PhotoSaver は静止画の保存先
type PhotoSaver interface {
	// Save はJPEGバイト列を保存し、保存先のパスを返す
	Save(data []byte) (string, error)
}

// Manager は外部カメラのセッションを1つだけ保持する
// 公開メソッドは任意のゴルーチンから呼び出してよい
type Manager struct {
	enumerator      *Enumerator
	backend         Backend
	encoder         FrameEncoder
	saver           PhotoSaver
	logger          *slog.Logger
	metrics         *metrics
	tracer          trace.Tracer
	stopTimeout     time.Duration
	discoverTimeout time.Duration
	stillSize       Resolution

	mu      sync.Mutex
	sess    *session
	closing chan struct{}
}

// Option はManagerの設定
type Option func(*managerOptions)

type managerOptions struct {
	encoder         FrameEncoder
	saver           PhotoSaver
	logger          *slog.Logger
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
	stopTimeout     time.Duration
	discoverTimeout time.Duration
	stillSize       Resolution
}

// WithEncoder はフレームエンコーダを指定する
func WithEncoder(e FrameEncoder) Option {
	return func(o *managerOptions) { o.encoder = e }
}

// WithPhotoSaver は静止画の保存先を指定する
func WithPhotoSaver(s PhotoSaver) Option {
	return func(o *managerOptions) { o.saver = s }
}

// WithLogger はロガーを指定する
func WithLogger(l *slog.Logger) Option {
	return func(o *managerOptions) { o.logger = l }
}

// WithMeterProvider はメトリクスの出力先を指定する
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *managerOptions) { o.meterProvider = mp }
}

// WithTracerProvider はトレースの出力先を指定する
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *managerOptions) { o.tracerProvider = tp }
}

// WithStopTimeout はワーカー停止の待ち時間を指定する
func WithStopTimeout(d time.Duration) Option {
	return func(o *managerOptions) { o.stopTimeout = d }
}

// WithDiscoverTimeout はデバイス列挙の待ち時間を指定する
func WithDiscoverTimeout(d time.Duration) Option {
	return func(o *managerOptions) { o.discoverTimeout = d }
}

// WithStillSize は静止画の解像度を指定する。0ならセッションの解像度を使う
func WithStillSize(width, height int) Option {
	return func(o *managerOptions) { o.stillSize = Resolution{Width: width, Height: height} }
}

// NewManager は新しいManagerを作成する
func NewManager(backend Backend, opts ...Option) *Manager {
	o := managerOptions{
		stopTimeout:     DefaultStopTimeout,
		discoverTimeout: DefaultDiscoverTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.encoder == nil {
		o.encoder = NewJPEGEncoder(DefaultJPEGQuality)
	}
	if o.saver == nil {
		o.saver = discardSaver{}
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.stopTimeout <= 0 {
		o.stopTimeout = DefaultStopTimeout
	}
	if o.discoverTimeout <= 0 {
		o.discoverTimeout = DefaultDiscoverTimeout
	}

	logger := o.logger.With("component", "camera")
	return &Manager{
		enumerator:      NewEnumerator(backend),
		backend:         backend,
		encoder:         o.encoder,
		saver:           o.saver,
		logger:          logger,
		metrics:         newMetrics(o.meterProvider, logger),
		tracer:          o.tracerProvider.Tracer(instrumentationName),
		stopTimeout:     o.stopTimeout,
		discoverTimeout: o.discoverTimeout,
		stillSize:       o.stillSize,
	}
}

// ListDevices は接続されているデバイスを列挙する
func (m *Manager) ListDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	return m.enumerator.ListDevices(ctx)
}

// Status は現在のセッション状態を返す
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := m.sess
	var device string
	if s != nil {
		device = s.desc.ID
	}
	m.mu.Unlock()

	if s == nil {
		return Status{Phase: PhaseClosed}
	}
	return Status{
		Phase:     Phase(s.published.Load()),
		SessionID: s.id,
		Device:    device,
		Config:    s.cfg,
	}
}

// Open は外部カメラを選択して排他的に開き、プレビュー用パイプラインを構成する
// CLOSED以外から呼ぶと ErrAlreadyOpen を返す
func (m *Manager) Open(ctx context.Context, cfg SessionConfig) (err error) {
	ctx, span := m.tracer.Start(ctx, "camera.Open")
	defer func() { endSpan(span, err) }()

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("camera.width", cfg.Width),
		attribute.Int("camera.height", cfg.Height),
		attribute.Int("camera.fps", cfg.FPS),
	)

	s, err := m.reserve(ctx, cfg)
	if err != nil {
		return err
	}

	reply := newOneShot[struct{}]()
	go m.runOpen(s, reply)

	if _, err := reply.wait(ctx); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			m.releaseFailedOpen(s)
		}
		return err
	}
	return nil
}

// reserve は新しいセッションを OPENING で登録する
// close処理中であれば完了を待つ
func (m *Manager) reserve(ctx context.Context, cfg SessionConfig) (*session, error) {
	for {
		m.mu.Lock()
		closing := m.closing
		if closing == nil {
			if cur := m.sess; cur != nil {
				m.mu.Unlock()
				if Phase(cur.published.Load()) == PhaseError {
					return nil, fmt.Errorf("%w: エラー状態のセッションは先にcloseしてください", ErrAlreadyOpen)
				}
				return nil, ErrAlreadyOpen
			}
			s := m.newSession(cfg)
			m.sess = s
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		select {
		case <-closing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) newSession(cfg SessionConfig) *session {
	id := uuid.NewString()
	s := &session{
		id:        id,
		cfg:       cfg,
		backend:   m.backend,
		encoder:   m.encoder,
		saver:     m.saver,
		logger:    m.logger.With("session", id),
		metrics:   m.metrics,
		stillSize: m.stillSize,
		maxImages: 2,
	}
	s.setPhase(PhaseOpening)
	return s
}

// runOpen はデバイス選択からワーカー起動までを呼び出し元とは別のゴルーチンで行う
func (m *Manager) runOpen(s *session, reply *oneShot[struct{}]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.discoverTimeout)
	defer cancel()

	desc, err := m.enumerator.SelectExternalDevice(ctx, s.cfg.DeviceID)
	if err != nil {
		// 何も確保していないので CLOSED のまま終える
		m.mu.Lock()
		if m.sess == s && m.closing == nil {
			m.sess = nil
		}
		m.mu.Unlock()
		s.published.Store(int32(PhaseClosed))
		m.metrics.sessionOpened(err)
		s.logger.Warn("外部カメラの選択に失敗", "error", err)
		reply.fail(err)
		return
	}

	m.mu.Lock()
	if m.sess != s || m.closing != nil {
		m.mu.Unlock()
		reply.fail(ErrClosed)
		return
	}
	s.desc = desc
	s.logger = s.logger.With("device", desc.ID)
	s.worker = StartWorker("camera-"+desc.ID, s.logger)
	w := s.worker
	m.mu.Unlock()

	s.logger.Info("カメラを開きます", "role", desc.Role, "name", desc.Name)
	if !w.Post(func() { s.beginOpen(reply) }) {
		reply.fail(ErrClosed)
	}
}

// releaseFailedOpen はopenに失敗したセッションのワーカーを停止する
// セッション自体は ERROR のまま残り、closeで破棄される
func (m *Manager) releaseFailedOpen(s *session) {
	m.mu.Lock()
	if m.sess != s || m.closing != nil {
		m.mu.Unlock()
		return
	}
	w := s.worker
	m.mu.Unlock()

	if err := w.Stop(m.stopTimeout); err != nil {
		s.logger.Error("ワーカーの停止に失敗", "error", err)
	}
}

// current は操作対象のセッションとそのワーカーを返す
// close処理中は nil を返す
func (m *Manager) current() (*session, *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.closing != nil {
		return nil, nil
	}
	return m.sess, m.sess.worker
}

// StartPreview はプレビューを開始し、以降のフレームを sink に届ける
func (m *Manager) StartPreview(ctx context.Context, sink FrameSink) error {
	s, w := m.current()
	if s == nil {
		return ErrNotOpen
	}
	err := w.Call(ctx, func() error { return s.startPreview(sink) })
	if errors.Is(err, ErrWorkerStopped) {
		return ErrNotOpen
	}
	return err
}

// StopPreview はプレビューを停止する。開始していなければ何もしない
func (m *Manager) StopPreview(ctx context.Context) error {
	s, w := m.current()
	if s == nil {
		return nil
	}
	err := w.Call(ctx, s.stopPreview)
	if errors.Is(err, ErrWorkerStopped) {
		return nil
	}
	return err
}

// TakePhoto は静止画を撮影して保存し、保存先のパスを返す
// プレビュー中であれば撮影の間だけ停止し、完了後に再開する
func (m *Manager) TakePhoto(ctx context.Context) (path string, err error) {
	ctx, span := m.tracer.Start(ctx, "camera.TakePhoto")
	defer func() { endSpan(span, err) }()

	s, w := m.current()
	if s == nil {
		return "", ErrNotOpen
	}

	reply := newOneShot[string]()
	if err := w.Call(ctx, func() error { return s.beginCapture(reply) }); err != nil {
		if errors.Is(err, ErrWorkerStopped) {
			return "", ErrNotOpen
		}
		return "", err
	}

	path, err = reply.wait(ctx)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("camera.photo.path", path))
	return path, nil
}

// Close はセッションを破棄して CLOSED に戻す
// どの状態からでも呼び出してよく、二度目以降の呼び出しは何もしない
// デバイスの解放に失敗した場合のみエラーを返す
func (m *Manager) Close(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "camera.Close")
	defer func() { endSpan(span, err) }()

	m.mu.Lock()
	if closing := m.closing; closing != nil {
		// 並行したcloseの完了を待つ
		m.mu.Unlock()
		select {
		case <-closing:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	closing := make(chan struct{})
	m.closing = closing
	w := s.worker
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.sess == s {
			m.sess = nil
		}
		m.closing = nil
		m.mu.Unlock()
		close(closing)
	}()

	s.logger.Info("カメラを閉じます", "phase", Phase(s.published.Load()))

	// ワーカー上でハードウェアを解放する
	var devErr error
	callCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	callErr := w.Call(callCtx, func() error {
		devErr = s.teardown()
		return nil
	})
	cancel()

	if err := w.Stop(m.stopTimeout); err != nil {
		s.logger.Error("ワーカーが停止しないため参照を破棄します", "error", err)
		s.published.Store(int32(PhaseClosed))
		return err
	}

	// ワーカーは終了済みなので、以降は呼び出し元が状態を引き継ぐ
	if callErr != nil {
		if err := s.teardown(); err != nil {
			devErr = err
		}
	}
	s.clearSink()
	s.setPhase(PhaseClosed)

	if devErr != nil {
		s.logger.Error("デバイスの解放に失敗", "error", devErr)
		return fmt.Errorf("デバイスの解放に失敗: %w", hardwareErr("close", devErr))
	}
	s.logger.Info("カメラを閉じました")
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// discardSaver は保存先が未指定のときに使う
type discardSaver struct{}

func (discardSaver) Save([]byte) (string, error) {
	return "", errors.New("静止画の保存先が設定されていません")
}
