package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// session は1回のopenからcloseまでのカメラセッション状態
//
// phase 以下のフィールドはワーカー上でのみ読み書きする。
// ワーカー停止後は停止を待った呼び出し元が引き継ぐ。
type session struct {
	id  string
	cfg SessionConfig

	backend   Backend
	encoder   FrameEncoder
	saver     PhotoSaver
	logger    *slog.Logger
	metrics   *metrics
	stillSize Resolution
	maxImages int

	// Manager.mu で保護する
	desc   DeviceDescriptor
	worker *Worker

	// 外部公開用の写し
	published atomic.Int32

	phase          Phase
	resume         Phase
	device         Device
	preview        Pipeline
	still          Pipeline
	frameSink      FrameSink
	pendingOpen    *oneShot[struct{}]
	pendingCapture *oneShot[string]
	torndown       bool
}

// Resolution は幅と高さ
type Resolution struct {
	Width  int
	Height int
}

func (s *session) setPhase(p Phase) {
	if s.phase != p {
		s.logger.Debug("状態遷移", "from", s.phase, "to", p)
	}
	s.phase = p
	s.published.Store(int32(p))
}

// post はハードウェアイベントをワーカーへのメッセージとして積む
func (s *session) post(ev Event) {
	if !s.worker.Post(func() { s.onEvent(ev) }) {
		s.logger.Debug("停止済みのためイベントを破棄しました", "event", ev.Kind)
		discardEvent(ev)
	}
}

// discardEvent はイベントが運んできた資源を解放する
func discardEvent(ev Event) {
	switch ev.Kind {
	case EventOpened:
		_ = ev.Device.Close()
	case EventConfigured:
		_ = ev.Pipeline.Close()
	}
}

func (s *session) onEvent(ev Event) {
	if s.torndown {
		discardEvent(ev)
		return
	}
	switch ev.Kind {
	case EventOpened:
		s.onOpened(ev.Device)
	case EventConfigured:
		s.onConfigured(ev.Pipeline)
	case EventConfigureFailed:
		s.onConfigureFailed(ev.Pipeline, ev.Err)
	case EventImageAvailable:
		s.onImageAvailable(ev.Pipeline)
	case EventDisconnected:
		if s.isStaleDevice(ev.Device) {
			return
		}
		s.metrics.hardwareFault("disconnected")
		s.fail(fmt.Errorf("%w: %s", ErrDisconnected, s.desc.ID), ev.Device)
	case EventError:
		if ev.Pipeline != nil {
			s.onPipelineError(ev)
			return
		}
		if s.isStaleDevice(ev.Device) {
			return
		}
		s.metrics.hardwareFault("device_error")
		s.fail(&HardwareError{Op: "device", Code: ev.Code, Err: ev.Err}, ev.Device)
	}
}

// isStaleDevice は現在のセッションと無関係なデバイスからのイベントか判定する
func (s *session) isStaleDevice(dev Device) bool {
	if s.device != nil {
		return dev != nil && dev != s.device
	}
	// open完了前のエラーは受け付ける
	return s.phase != PhaseOpening
}

// beginOpen はデバイスの排他オープンを要求する
func (s *session) beginOpen(reply *oneShot[struct{}]) {
	s.pendingOpen = reply
	if err := s.backend.OpenDevice(s.desc.ID, s.post); err != nil {
		s.fail(hardwareErr("open", err), nil)
	}
}

func (s *session) onOpened(dev Device) {
	if s.phase != PhaseOpening || s.device != nil {
		s.logger.Warn("想定外のオープン通知のためデバイスを解放します", "phase", s.phase)
		_ = dev.Close()
		return
	}
	s.device = dev
	s.setPhase(PhaseOpenIdle)

	spec := PipelineSpec{
		Kind:      PipelinePreview,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		FPS:       s.cfg.FPS,
		MaxImages: s.maxImages,
	}
	if err := dev.CreatePipeline(spec, s.post); err != nil {
		s.fail(hardwareErr("create_preview", err), nil)
	}
}

func (s *session) onConfigured(p Pipeline) {
	switch p.Kind() {
	case PipelinePreview:
		if s.device == nil || s.preview != nil {
			_ = p.Close()
			return
		}
		s.preview = p
		s.logger.Info("カメラを開きました", "device", s.desc.ID, "width", s.cfg.Width, "height", s.cfg.Height, "fps", s.cfg.FPS)
		if s.pendingOpen != nil {
			s.pendingOpen.succeed(struct{}{})
			s.pendingOpen = nil
			s.metrics.sessionOpened(nil)
		}
	case PipelineStill:
		if s.phase != PhaseCapturing || s.still != nil {
			_ = p.Close()
			return
		}
		s.still = p
		if err := p.Capture(); err != nil {
			s.finishCapture("", hardwareErr("capture", err))
		}
	}
}

func (s *session) onConfigureFailed(p Pipeline, cause error) {
	err := &HardwareError{Op: "configure_" + p.Kind().String(), Err: cause}
	switch p.Kind() {
	case PipelinePreview:
		if s.preview != nil || s.device == nil {
			return
		}
		s.fail(err, nil)
	case PipelineStill:
		if s.phase == PhaseCapturing && s.still == nil {
			s.finishCapture("", err)
		}
	}
}

func (s *session) onPipelineError(ev Event) {
	err := &HardwareError{Op: ev.Pipeline.Kind().String(), Code: ev.Code, Err: ev.Err}
	switch {
	case s.still != nil && ev.Pipeline == s.still:
		s.finishCapture("", err)
	case s.preview != nil && ev.Pipeline == s.preview:
		s.metrics.hardwareFault("pipeline_error")
		s.fail(err, nil)
	}
}

// onImageAvailable は最新フレームだけを取り出してエンコードする
func (s *session) onImageAvailable(p Pipeline) {
	switch {
	case s.preview != nil && p == s.preview:
		s.deliverFrame()
	case s.still != nil && p == s.still:
		s.completeCapture()
	default:
		// 古いパイプラインの画像は取り出して捨てる
		if img, err := p.AcquireLatestImage(); err == nil && img != nil {
			img.Release()
		}
	}
}

func (s *session) deliverFrame() {
	img, err := s.preview.AcquireLatestImage()
	if err != nil {
		s.logger.Warn("フレームの取得に失敗", "error", err)
		return
	}
	if img == nil {
		return
	}
	if s.phase != PhaseStreaming || s.frameSink == nil {
		img.Release()
		return
	}

	frame, err := s.encoder.EncodeFrame(img)
	img.Release()
	if err != nil {
		s.metrics.frameEncodeFailed()
		s.logger.Warn("フレームのエンコードに失敗したため破棄します", "error", err)
		return
	}
	s.frameSink.Send(frame)
	s.metrics.frameDelivered()
}

func (s *session) startPreview(sink FrameSink) error {
	switch s.phase {
	case PhaseOpenIdle:
	case PhaseStreaming:
		return ErrAlreadyStreaming
	case PhaseCapturing:
		if s.resume == PhaseStreaming {
			return ErrAlreadyStreaming
		}
		return ErrCaptureInProgress
	case PhaseError:
		return fmt.Errorf("%w: セッションはエラー状態です", ErrNotOpen)
	default:
		return ErrNotOpen
	}
	if s.preview == nil {
		return ErrPipelineUnavailable
	}

	// フレームが届く前に受け口を登録しておく
	s.frameSink = sink
	if err := s.preview.SetRepeating(); err != nil {
		s.frameSink = nil
		return hardwareErr("set_repeating", err)
	}
	s.setPhase(PhaseStreaming)
	s.logger.Info("プレビューを開始しました")
	return nil
}

func (s *session) stopPreview() error {
	switch s.phase {
	case PhaseStreaming:
		if err := s.preview.StopRepeating(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
			s.logger.Warn("リピートリクエストの停止に失敗", "error", err)
		}
		s.setPhase(PhaseOpenIdle)
		s.logger.Info("プレビューを停止しました")
	case PhaseCapturing:
		if s.resume == PhaseStreaming {
			s.resume = PhaseOpenIdle
		}
	}
	s.clearSink()
	return nil
}

func (s *session) clearSink() {
	if s.frameSink != nil {
		s.frameSink.Close()
		s.frameSink = nil
	}
}

// beginCapture は単発の静止画パイプラインを構成する
// 結果は reply に届く
func (s *session) beginCapture(reply *oneShot[string]) error {
	switch s.phase {
	case PhaseOpenIdle, PhaseStreaming:
	case PhaseCapturing:
		return ErrCaptureInProgress
	case PhaseError:
		return fmt.Errorf("%w: セッションはエラー状態です", ErrNotOpen)
	default:
		return ErrNotOpen
	}
	if s.device == nil {
		return ErrNotOpen
	}

	s.resume = s.phase
	if s.phase == PhaseStreaming {
		if err := s.preview.StopRepeating(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
			return hardwareErr("stop_repeating", err)
		}
	}
	s.setPhase(PhaseCapturing)
	s.pendingCapture = reply

	width, height := s.stillSize.Width, s.stillSize.Height
	if width <= 0 || height <= 0 {
		width, height = s.cfg.Width, s.cfg.Height
	}
	spec := PipelineSpec{Kind: PipelineStill, Width: width, Height: height, MaxImages: 1}
	if err := s.device.CreatePipeline(spec, s.post); err != nil {
		s.finishCapture("", hardwareErr("create_still", err))
	}
	return nil
}

func (s *session) completeCapture() {
	img, err := s.still.AcquireLatestImage()
	if err != nil {
		s.finishCapture("", hardwareErr("acquire_still", err))
		return
	}
	if img == nil {
		return
	}

	data, err := s.encoder.EncodeStill(img)
	img.Release()
	if err != nil {
		s.finishCapture("", err)
		return
	}

	path, err := s.saver.Save(data)
	if err != nil {
		s.finishCapture("", fmt.Errorf("静止画の保存に失敗: %w", err))
		return
	}
	s.finishCapture(path, nil)
}

// finishCapture は単発パイプラインを必ず解放し、撮影前の状態に戻す
func (s *session) finishCapture(path string, err error) {
	if s.still != nil {
		if cerr := s.still.Close(); cerr != nil {
			s.logger.Warn("静止画パイプラインの解放に失敗", "error", cerr)
		}
		s.still = nil
	}

	if s.phase == PhaseCapturing {
		next := s.resume
		if next == PhaseStreaming {
			next = s.resumePreview()
		}
		s.setPhase(next)
	}

	s.metrics.photoTaken(err)
	if err != nil {
		s.logger.Error("静止画撮影に失敗", "error", err)
	} else {
		s.logger.Info("静止画を保存しました", "path", path)
	}

	reply := s.pendingCapture
	s.pendingCapture = nil
	if reply == nil {
		return
	}
	if err != nil {
		reply.fail(err)
		return
	}
	reply.succeed(path)
}

// resumePreview は撮影前のリピートリクエストを再開し、戻り先の状態を返す
func (s *session) resumePreview() Phase {
	if s.preview == nil || s.frameSink == nil {
		return PhaseOpenIdle
	}
	if err := s.preview.SetRepeating(); err != nil {
		s.logger.Error("プレビューの再開に失敗", "error", err)
		s.frameSink.Fail(hardwareErr("resume_preview", err))
		s.frameSink = nil
		return PhaseOpenIdle
	}
	return PhaseStreaming
}

// fail はセッション継続不能なエラーを処理する
// 資源を解放してERRORへ遷移し、待っている受け口全てにエラーを届ける
func (s *session) fail(err error, dev Device) {
	s.logger.Error("セッションでエラーが発生しました", "error", err, "phase", s.phase)

	if dev != nil && dev != s.device {
		_ = dev.Close()
	}
	if derr := s.releaseHardware(); derr != nil {
		s.logger.Warn("デバイスの解放に失敗", "error", derr)
	}
	s.setPhase(PhaseError)

	if s.pendingOpen != nil {
		s.pendingOpen.fail(err)
		s.pendingOpen = nil
		s.metrics.sessionOpened(err)
	}
	if s.pendingCapture != nil {
		s.pendingCapture.fail(err)
		s.pendingCapture = nil
		s.metrics.photoTaken(err)
	}
	if s.frameSink != nil {
		s.frameSink.Fail(err)
		s.frameSink = nil
	}
}

// releaseHardware はパイプライン、デバイスの順に解放する
// 個々の失敗は記録して続行し、デバイス解放の失敗のみ返す
func (s *session) releaseHardware() error {
	if s.preview != nil {
		if err := s.preview.StopRepeating(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
			s.logger.Warn("リピートリクエストの停止に失敗", "error", err)
		}
	}
	if s.still != nil {
		if err := s.still.Close(); err != nil {
			s.logger.Warn("静止画パイプラインの解放に失敗", "error", err)
		}
		s.still = nil
	}
	if s.preview != nil {
		if err := s.preview.Close(); err != nil {
			s.logger.Warn("プレビューパイプラインの解放に失敗", "error", err)
		}
		s.preview = nil
	}
	var devErr error
	if s.device != nil {
		devErr = s.device.Close()
		s.device = nil
	}
	return devErr
}

// teardown はclose時にワーカー上で実行する解放処理
func (s *session) teardown() error {
	s.torndown = true
	devErr := s.releaseHardware()
	if s.pendingOpen != nil {
		s.pendingOpen.fail(ErrClosed)
		s.pendingOpen = nil
	}
	if s.pendingCapture != nil {
		s.pendingCapture.fail(ErrClosed)
		s.pendingCapture = nil
	}
	return devErr
}
