//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vladimirvivien/go4vl/device"
)

// DefaultDevicePattern はV4L2デバイスの検索パターン
const DefaultDevicePattern = "/dev/video*"

// V4L2Backend はLinuxのV4L2デバイスを扱うBackend実装
// フレームはMJPEGで取得する
type V4L2Backend struct {
	pattern string
	logger  *slog.Logger
}

// NewV4L2Backend は新しいV4L2Backendを作成する
func NewV4L2Backend(pattern string, logger *slog.Logger) *V4L2Backend {
	if pattern == "" {
		pattern = DefaultDevicePattern
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &V4L2Backend{pattern: pattern, logger: logger.With("backend", "v4l2")}
}

// ListDevices はシステム内のV4L2キャプチャデバイスを列挙する
func (b *V4L2Backend) ListDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	matches, err := filepath.Glob(b.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	devices := make([]DeviceDescriptor, 0, len(matches))
	seenBus := make(map[string]bool)
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}

		desc, bus, ok := b.describe(path)
		if !ok {
			continue
		}
		// 同じ物理デバイスの複数ノードは最も小さい番号だけを使う
		if bus != "" && seenBus[bus] {
			continue
		}
		seenBus[bus] = true
		devices = append(devices, desc)
	}
	return devices, nil
}

func (b *V4L2Backend) describe(path string) (DeviceDescriptor, string, bool) {
	dev, err := device.Open(path)
	if err != nil {
		b.logger.Debug("デバイス情報を取得できません", "device", path, "error", err)
		return DeviceDescriptor{}, "", false
	}
	defer func() {
		_ = dev.Close()
	}()

	capability := dev.Capability()
	if !capability.IsVideoCaptureSupported() {
		return DeviceDescriptor{}, "", false
	}

	name := capability.Card
	if name == "" {
		name = fmt.Sprintf("カメラ %d", extractDeviceNumber(path))
	}
	return DeviceDescriptor{
		ID:   path,
		Role: roleFromBus(capability.BusInfo),
		Name: name,
	}, capability.BusInfo, true
}

// roleFromBus はバス情報から向きを推定する
// USB接続のカメラは外部カメラとして扱う
func roleFromBus(bus string) Role {
	if strings.HasPrefix(bus, "usb-") {
		return RoleExternal
	}
	return RoleUnknown
}

// OpenDevice はデバイスを非同期に開く
// 開いたハンドルは形式の問い合わせに使い、ストリームは開始のたびに別に開く
func (b *V4L2Backend) OpenDevice(id string, handler EventHandler) error {
	go func() {
		logger := b.logger.With("device", id)
		node, err := openGo4vlNode(id, logger)
		if err != nil {
			handler(Event{Kind: EventError, Code: openErrorCode(err), Err: classifyOpenError(id, err)})
			return
		}
		handler(Event{Kind: EventOpened, Device: newV4L2Device(id, node, handler, logger)})
	}()
	return nil
}

func classifyOpenError(id string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, id, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("%w: %s: %v", ErrDisconnected, id, err)
	default:
		return err
	}
}

func openErrorCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}

// 前のストリームの終了を待つ上限
const streamStopTimeout = 3 * time.Second

// videoNode は開かれたV4L2デバイスノード
type videoNode interface {
	// CheckFormat はMJPEGでwidth x heightを取得できるか確かめる
	CheckFormat(width, height int) error

	// OpenStream はspecの形式でストリームを開始する
	// ctxがキャンセルされるとストリームは停止し、Framesのチャネルが閉じられる
	OpenStream(ctx context.Context, spec PipelineSpec) (frameStream, error)

	Close() error
}

// frameStream は1回分のストリーム
// Framesが閉じられるまで読み続けること。閉じられた後にCloseする
type frameStream interface {
	Frames() <-chan []byte
	Size() (width, height int)
	Close() error
}

// v4l2Stream はストリーム中のパイプライン
type v4l2Stream struct {
	pipeline *v4l2Pipeline
	single   bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *v4l2Stream) wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("前のストリームが %s 以内に終了しません", timeout)
	}
}

type v4l2Device struct {
	id      string
	node    videoNode
	handler EventHandler
	logger  *slog.Logger

	// startStreamとCloseを直列にする
	startMu sync.Mutex

	mu     sync.Mutex
	active *v4l2Stream
	last   *v4l2Stream
	closed bool
}

func newV4L2Device(id string, node videoNode, handler EventHandler, logger *slog.Logger) *v4l2Device {
	return &v4l2Device{id: id, node: node, handler: handler, logger: logger}
}

func (d *v4l2Device) ID() string { return d.id }

func (d *v4l2Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// CreatePipeline はパイプラインの形式をデバイスに問い合わせて構成する
func (d *v4l2Device) CreatePipeline(spec PipelineSpec, handler EventHandler) error {
	if d.isClosed() {
		return fmt.Errorf("デバイス %s は閉じられています", d.id)
	}

	p := &v4l2Pipeline{device: d, spec: spec, handler: handler}
	go func() {
		if spec.Width <= 0 || spec.Height <= 0 {
			handler(Event{Kind: EventConfigureFailed, Pipeline: p, Err: fmt.Errorf("無効な解像度: %dx%d", spec.Width, spec.Height)})
			return
		}
		if err := d.node.CheckFormat(spec.Width, spec.Height); err != nil {
			handler(Event{Kind: EventConfigureFailed, Pipeline: p, Err: err})
			return
		}
		handler(Event{Kind: EventConfigured, Pipeline: p})
	}()
	return nil
}

// startStream はパイプラインのストリームを開始する
// 同時にストリームできるパイプラインは1つだけ
// 前のストリームは終了を待ってから新しく開く
func (d *v4l2Device) startStream(p *v4l2Pipeline, single bool) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("デバイス %s は閉じられています", d.id)
	}
	if active := d.active; active != nil {
		d.mu.Unlock()
		if active.pipeline == p && !active.single && !single {
			return nil
		}
		return fmt.Errorf("デバイス %s は別のパイプラインでストリーム中です", d.id)
	}
	last := d.last
	d.mu.Unlock()

	if last != nil {
		if err := last.wait(streamStopTimeout); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := d.node.OpenStream(ctx, p.spec)
	if err != nil {
		cancel()
		return fmt.Errorf("ストリームの開始に失敗: %w", err)
	}

	s := &v4l2Stream{pipeline: p, single: single, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	d.mu.Lock()
	d.active = s
	d.last = s
	d.mu.Unlock()

	go d.readFrames(s, stream)
	return nil
}

// readFrames はチャネルが閉じられるまでフレームを読む
// 停止要求の後に届いたフレームは捨てる
func (d *v4l2Device) readFrames(s *v4l2Stream, stream frameStream) {
	defer close(s.done)
	defer func() {
		if err := stream.Close(); err != nil {
			d.logger.Warn("ストリームを閉じられません", "error", err)
		}
	}()

	width, height := stream.Size()
	for frame := range stream.Frames() {
		if s.ctx.Err() != nil || len(frame) == 0 {
			continue
		}
		if !s.pipeline.push(&jpegImage{data: frame, width: width, height: height}) {
			continue
		}
		if s.single {
			d.release(s)
		}
		s.pipeline.handler(Event{Kind: EventImageAvailable, Pipeline: s.pipeline})
	}

	if s.ctx.Err() == nil {
		// 停止を要求していないのにストリームが終わった
		d.release(s)
		d.handler(Event{Kind: EventDisconnected, Device: d})
	}
}

// release はストリームを停止させる。終了は待たない
func (d *v4l2Device) release(s *v4l2Stream) {
	d.mu.Lock()
	if d.active == s {
		d.active = nil
	}
	d.mu.Unlock()
	s.cancel()
}

func (d *v4l2Device) stopStream(p *v4l2Pipeline) error {
	d.mu.Lock()
	s := d.active
	if s == nil || s.pipeline != p {
		d.mu.Unlock()
		return ErrAlreadyStopped
	}
	d.active = nil
	d.mu.Unlock()

	s.cancel()
	return nil
}

func (d *v4l2Device) Close() error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	active, last := d.active, d.last
	d.active = nil
	d.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	if last != nil {
		if err := last.wait(streamStopTimeout); err != nil {
			d.logger.Warn("ストリームの終了を待てません", "error", err)
		}
	}
	return d.node.Close()
}

type v4l2Pipeline struct {
	device  *v4l2Device
	spec    PipelineSpec
	handler EventHandler

	mu     sync.Mutex
	buffer []*jpegImage
	closed bool
}

func (p *v4l2Pipeline) Kind() PipelineKind { return p.spec.Kind }

func (p *v4l2Pipeline) SetRepeating() error {
	if p.isClosed() {
		return errors.New("パイプラインは閉じられています")
	}
	return p.device.startStream(p, false)
}

func (p *v4l2Pipeline) StopRepeating() error {
	return p.device.stopStream(p)
}

func (p *v4l2Pipeline) Capture() error {
	if p.isClosed() {
		return errors.New("パイプラインは閉じられています")
	}
	return p.device.startStream(p, true)
}

func (p *v4l2Pipeline) AcquireLatestImage() (Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("パイプラインは閉じられています")
	}
	if len(p.buffer) == 0 {
		return nil, nil
	}
	latest := p.buffer[len(p.buffer)-1]
	p.buffer = nil
	return latest, nil
}

func (p *v4l2Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.buffer = nil
	p.mu.Unlock()

	if err := p.device.stopStream(p); err != nil && !errors.Is(err, ErrAlreadyStopped) {
		return err
	}
	return nil
}

func (p *v4l2Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// push は画像を積み、保持数を超えた古い画像を捨てる
func (p *v4l2Pipeline) push(img *jpegImage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	limit := p.spec.MaxImages
	if limit <= 0 {
		limit = 1
	}
	p.buffer = append(p.buffer, img)
	if len(p.buffer) > limit {
		p.buffer = p.buffer[len(p.buffer)-limit:]
	}
	return true
}

// jpegImage はMJPEGストリームの1フレーム
type jpegImage struct {
	data   []byte
	width  int
	height int
}

func (i *jpegImage) Format() PixelFormat { return FormatJPEG }
func (i *jpegImage) Width() int          { return i.width }
func (i *jpegImage) Height() int         { return i.height }
func (i *jpegImage) Planes() []Plane     { return []Plane{{Data: i.data}} }
func (i *jpegImage) Release()            { i.data = nil }
