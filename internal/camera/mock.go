package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
)

// MockBackend はテスト・開発用のBackend実装
// 呼び出しへの応答イベントは別ゴルーチンから、テスト操作によるイベントは呼び出し元から通知する
type MockBackend struct {
	mu      sync.Mutex
	devices []DeviceDescriptor

	// テスト制御用
	listErr       error
	openErrs      map[string]error
	openFailCode  int
	configureErrs map[PipelineKind]error
	captureErr    error
	closeErr      error
	captureGate   chan struct{}

	current       *mockDevice
	openDevices   int
	openPipelines int
	liveImages    int
}

// NewMockBackend は新しいMockBackendを作成する
func NewMockBackend(devices ...DeviceDescriptor) *MockBackend {
	return &MockBackend{
		devices:       append([]DeviceDescriptor(nil), devices...),
		openErrs:      make(map[string]error),
		configureErrs: make(map[PipelineKind]error),
	}
}

// ListDevices はモックデバイス一覧を返す
func (b *MockBackend) ListDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]DeviceDescriptor(nil), b.devices...), nil
}

// OpenDevice はモックデバイスを開く
func (b *MockBackend) OpenDevice(id string, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.openErrs[id]; ok {
		return err
	}
	found := false
	for _, d := range b.devices {
		if d.ID == id {
			found = true
			break
		}
	}
	if !found {
		return &HardwareError{Op: "open", Code: 4, Err: fmt.Errorf("デバイスが見つかりません: %s", id)}
	}
	if b.current != nil && !b.current.closed {
		return &HardwareError{Op: "open", Code: 1, Err: fmt.Errorf("デバイス %s は使用中です", id)}
	}

	dev := &mockDevice{backend: b, id: id, handler: handler}
	b.current = dev
	b.openDevices++

	if code := b.openFailCode; code != 0 {
		go handler(Event{Kind: EventError, Device: dev, Code: code})
		return nil
	}
	go handler(Event{Kind: EventOpened, Device: dev})
	return nil
}

// AddDevice はテスト用にデバイスを追加する
func (b *MockBackend) AddDevice(d DeviceDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.devices {
		if existing.ID == d.ID {
			return
		}
	}
	b.devices = append(b.devices, d)
}

// RemoveDevice はテスト用にデバイスを削除する
func (b *MockBackend) RemoveDevice(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.devices {
		if d.ID == id {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return
		}
	}
}

// SetListError は列挙失敗を設定する
func (b *MockBackend) SetListError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

// SetOpenError はOpenDeviceの同期エラーを設定する
func (b *MockBackend) SetOpenError(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.openErrs, id)
		return
	}
	b.openErrs[id] = err
}

// SetOpenFailure はopen後に非同期でエラーコードを通知させる。0で解除
func (b *MockBackend) SetOpenFailure(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openFailCode = code
}

// SetConfigureError は指定用途のパイプライン構成を失敗させる
func (b *MockBackend) SetConfigureError(kind PipelineKind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.configureErrs, kind)
		return
	}
	b.configureErrs[kind] = err
}

// SetCaptureError は静止画撮影を失敗させる
func (b *MockBackend) SetCaptureError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captureErr = err
}

// SetCloseError はデバイス解放を失敗させる
func (b *MockBackend) SetCloseError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeErr = err
}

// HoldCaptures は以降の静止画撮影の完了を ReleaseCaptures まで保留する
func (b *MockBackend) HoldCaptures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.captureGate == nil {
		b.captureGate = make(chan struct{})
	}
}

// ReleaseCaptures は保留中の静止画撮影を完了させる
func (b *MockBackend) ReleaseCaptures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.captureGate != nil {
		close(b.captureGate)
		b.captureGate = nil
	}
}

// PushFrame はリピート中のプレビューパイプラインにフレームを投入する
// リピート中のパイプラインがなければ画像を解放して false を返す
func (b *MockBackend) PushFrame(img *MockImage) bool {
	b.mu.Lock()
	img.attach(b)
	p := b.repeatingPreviewLocked()
	if p == nil {
		b.mu.Unlock()
		img.Release()
		return false
	}
	p.enqueueLocked(img)
	handler := p.handler
	b.mu.Unlock()

	handler(Event{Kind: EventImageAvailable, Pipeline: p})
	return true
}

// Disconnect は開かれているデバイスの切断を通知する
func (b *MockBackend) Disconnect() bool {
	b.mu.Lock()
	dev := b.current
	b.mu.Unlock()
	if dev == nil || dev.isClosed() {
		return false
	}
	dev.handler(Event{Kind: EventDisconnected, Device: dev})
	return true
}

// FailDevice は開かれているデバイスのエラーを通知する
func (b *MockBackend) FailDevice(code int) bool {
	b.mu.Lock()
	dev := b.current
	b.mu.Unlock()
	if dev == nil || dev.isClosed() {
		return false
	}
	dev.handler(Event{Kind: EventError, Device: dev, Code: code})
	return true
}

// OpenDeviceCount は解放されていないデバイスハンドル数を返す
func (b *MockBackend) OpenDeviceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openDevices
}

// OpenPipelineCount は解放されていないパイプライン数を返す
func (b *MockBackend) OpenPipelineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openPipelines
}

// LiveImageCount は解放されていない画像数を返す
func (b *MockBackend) LiveImageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.liveImages
}

// RepeatingCount はリピート中のパイプライン数を返す
func (b *MockBackend) RepeatingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return 0
	}
	n := 0
	for _, p := range b.current.pipelines {
		if p.repeating && !p.closed {
			n++
		}
	}
	return n
}

func (b *MockBackend) repeatingPreviewLocked() *mockPipeline {
	if b.current == nil || b.current.closed {
		return nil
	}
	for _, p := range b.current.pipelines {
		if p.spec.Kind == PipelinePreview && p.repeating && !p.closed {
			return p
		}
	}
	return nil
}

type mockDevice struct {
	backend   *MockBackend
	id        string
	handler   EventHandler
	pipelines []*mockPipeline
	closed    bool
}

func (d *mockDevice) ID() string { return d.id }

func (d *mockDevice) isClosed() bool {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	return d.closed
}

func (d *mockDevice) CreatePipeline(spec PipelineSpec, handler EventHandler) error {
	b := d.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.closed {
		return fmt.Errorf("デバイス %s は閉じられています", d.id)
	}
	p := &mockPipeline{
		device:  d,
		spec:    spec,
		handler: handler,
		done:    make(chan struct{}),
	}
	if err, ok := b.configureErrs[spec.Kind]; ok {
		// 構成に失敗したパイプラインは最初から閉じた扱い
		p.closed = true
		close(p.done)
		go handler(Event{Kind: EventConfigureFailed, Pipeline: p, Err: err})
		return nil
	}
	d.pipelines = append(d.pipelines, p)
	b.openPipelines++
	go handler(Event{Kind: EventConfigured, Pipeline: p})
	return nil
}

func (d *mockDevice) Close() error {
	b := d.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	b.openDevices--
	for _, p := range d.pipelines {
		p.closeLocked()
	}
	return b.closeErr
}

type mockPipeline struct {
	device    *mockDevice
	spec      PipelineSpec
	handler   EventHandler
	repeating bool
	closed    bool
	buffer    []*MockImage
	done      chan struct{}
}

func (p *mockPipeline) Kind() PipelineKind { return p.spec.Kind }

func (p *mockPipeline) SetRepeating() error {
	b := p.device.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.closed {
		return errors.New("パイプラインは閉じられています")
	}
	p.repeating = true
	return nil
}

func (p *mockPipeline) StopRepeating() error {
	b := p.device.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if !p.repeating || p.closed {
		return ErrAlreadyStopped
	}
	p.repeating = false
	return nil
}

func (p *mockPipeline) Capture() error {
	b := p.device.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.closed {
		return errors.New("パイプラインは閉じられています")
	}
	if b.captureErr != nil {
		go p.handler(Event{Kind: EventError, Pipeline: p, Code: 3, Err: b.captureErr})
		return nil
	}

	gate := b.captureGate
	go func() {
		if gate != nil {
			select {
			case <-gate:
			case <-p.done:
				return
			}
		}
		img := NewMockJPEG(p.spec.Width, p.spec.Height)
		b.mu.Lock()
		img.attach(b)
		if p.closed {
			b.mu.Unlock()
			img.Release()
			return
		}
		p.enqueueLocked(img)
		b.mu.Unlock()
		p.handler(Event{Kind: EventImageAvailable, Pipeline: p})
	}()
	return nil
}

func (p *mockPipeline) AcquireLatestImage() (Image, error) {
	b := p.device.backend
	b.mu.Lock()
	if p.closed {
		b.mu.Unlock()
		return nil, errors.New("パイプラインは閉じられています")
	}
	if len(p.buffer) == 0 {
		b.mu.Unlock()
		return nil, nil
	}
	latest := p.buffer[len(p.buffer)-1]
	stale := p.buffer[:len(p.buffer)-1]
	p.buffer = nil
	b.mu.Unlock()

	for _, img := range stale {
		img.Release()
	}
	return latest, nil
}

func (p *mockPipeline) Close() error {
	b := p.device.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *mockPipeline) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	p.repeating = false
	close(p.done)
	p.device.backend.openPipelines--
	stale := p.buffer
	p.buffer = nil
	for _, img := range stale {
		img.releaseLocked()
	}
}

// enqueueLocked は画像を積み、バッファ数を超えた古い画像を捨てる
func (p *mockPipeline) enqueueLocked(img *MockImage) {
	limit := p.spec.MaxImages
	if limit <= 0 {
		limit = 1
	}
	p.buffer = append(p.buffer, img)
	for len(p.buffer) > limit {
		p.buffer[0].releaseLocked()
		p.buffer = p.buffer[1:]
	}
}

// MockImage はテスト用の生画像
type MockImage struct {
	format   PixelFormat
	width    int
	height   int
	planes   []Plane
	backend  *MockBackend
	released bool
}

// NewMockFrame は値 seed で塗りつぶした YUV_420_888 画像を作成する
func NewMockFrame(width, height int, seed byte) *MockImage {
	cw, ch := (width+1)/2, (height+1)/2
	y := bytes.Repeat([]byte{seed}, width*height)
	u := bytes.Repeat([]byte{128}, cw*ch)
	v := bytes.Repeat([]byte{128}, cw*ch)
	return &MockImage{
		format: FormatYUV420,
		width:  width,
		height: height,
		planes: []Plane{
			{Data: y, RowStride: width, PixelStride: 1},
			{Data: u, RowStride: cw, PixelStride: 1},
			{Data: v, RowStride: cw, PixelStride: 1},
		},
	}
}

// NewMockJPEG はJPEG形式の画像を作成する
func NewMockJPEG(width, height int) *MockImage {
	if width <= 0 {
		width = 16
	}
	if height <= 0 {
		height = 16
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = byte(i % 251)
	}
	var buf bytes.Buffer
	// 固定サイズのGray画像なので失敗しない
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: DefaultJPEGQuality})
	return &MockImage{
		format: FormatJPEG,
		width:  width,
		height: height,
		planes: []Plane{{Data: buf.Bytes()}},
	}
}

func (m *MockImage) Format() PixelFormat { return m.format }
func (m *MockImage) Width() int          { return m.width }
func (m *MockImage) Height() int         { return m.height }
func (m *MockImage) Planes() []Plane     { return m.planes }

// Release は画像を解放する。二重解放は無視する
func (m *MockImage) Release() {
	if m.backend == nil {
		m.released = true
		return
	}
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	m.releaseLocked()
}

// Released は解放済みかを返す
func (m *MockImage) Released() bool {
	if m.backend == nil {
		return m.released
	}
	m.backend.mu.Lock()
	defer m.backend.mu.Unlock()
	return m.released
}

func (m *MockImage) attach(b *MockBackend) {
	if m.backend != nil {
		return
	}
	m.backend = b
	b.liveImages++
}

func (m *MockImage) releaseLocked() {
	if m.released {
		return
	}
	m.released = true
	if m.backend != nil {
		m.backend.liveImages--
	}
}
