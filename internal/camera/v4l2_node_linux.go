//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// go4vlNode はgo4vlで開いたデバイスノード
// ストリームは開始のたびにデバイスを開き直す
type go4vlNode struct {
	path   string
	dev    *device.Device
	logger *slog.Logger
}

func openGo4vlNode(path string, logger *slog.Logger) (*go4vlNode, error) {
	dev, err := device.Open(path, device.WithIOType(v4l2.IOTypeMMAP))
	if err != nil {
		return nil, err
	}
	if !dev.Capability().IsVideoCaptureSupported() {
		_ = dev.Close()
		return nil, fmt.Errorf("%s はキャプチャに対応していません", path)
	}
	return &go4vlNode{path: path, dev: dev, logger: logger}, nil
}

func (n *go4vlNode) CheckFormat(width, height int) error {
	sizes, err := v4l2.GetFormatFrameSizes(n.dev.Fd(), v4l2.PixelFmtMJPEG)
	if err != nil {
		if errors.Is(err, v4l2.ErrorBadArgument) {
			return fmt.Errorf("%s はMJPEGに対応していません: %w", n.path, err)
		}
		// 解像度を列挙できないドライバはストリーム開始時の形式で判断する
		return nil
	}
	if !frameSizeSupported(sizes, width, height) {
		return fmt.Errorf("%s はMJPEG %dx%d に対応していません", n.path, width, height)
	}
	return nil
}

// frameSizeSupported はwidth x heightが列挙された解像度のいずれかに含まれるか判定する
func frameSizeSupported(sizes []v4l2.FrameSizeEnum, width, height int) bool {
	w, h := uint32(width), uint32(height)
	for _, size := range sizes {
		s := size.Size
		if size.Type == v4l2.FrameSizeTypeDiscrete {
			if s.MinWidth == w && s.MinHeight == h {
				return true
			}
			continue
		}
		if w < s.MinWidth || w > s.MaxWidth || h < s.MinHeight || h > s.MaxHeight {
			continue
		}
		if onStep(w, s.MinWidth, s.StepWidth) && onStep(h, s.MinHeight, s.StepHeight) {
			return true
		}
	}
	return false
}

func onStep(v, lo, step uint32) bool {
	if step <= 1 {
		return true
	}
	return (v-lo)%step == 0
}

func (n *go4vlNode) OpenStream(ctx context.Context, spec PipelineSpec) (frameStream, error) {
	dev, err := device.Open(n.path, device.WithIOType(v4l2.IOTypeMMAP))
	if err != nil {
		return nil, err
	}

	if err := dev.SetPixFormat(v4l2.PixFormat{
		PixelFormat: v4l2.PixelFmtMJPEG,
		Width:       uint32(spec.Width),
		Height:      uint32(spec.Height),
		Field:       v4l2.FieldNone,
	}); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("ピクセル形式の設定に失敗: %w", err)
	}
	// ドライバが調整した結果を読み直す
	format, err := v4l2.GetPixFormat(dev.Fd())
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("ピクセル形式の取得に失敗: %w", err)
	}
	if format.PixelFormat != v4l2.PixelFmtMJPEG {
		_ = dev.Close()
		return nil, fmt.Errorf("MJPEGを選択できません: %s", v4l2.PixelFormats[format.PixelFormat])
	}
	if spec.FPS > 0 {
		if err := dev.SetFrameRate(uint32(spec.FPS)); err != nil {
			n.logger.Warn("フレームレートの設定に失敗", "fps", spec.FPS, "error", err)
		}
	}

	if err := dev.Start(ctx); err != nil {
		_ = dev.Close()
		return nil, err
	}
	return &go4vlStream{dev: dev, width: int(format.Width), height: int(format.Height)}, nil
}

func (n *go4vlNode) Close() error {
	return n.dev.Close()
}

// go4vlStream はgo4vlのストリーム1回分
// 停止はctxのキャンセルでgo4vl自身が行う
type go4vlStream struct {
	dev    *device.Device
	width  int
	height int
}

func (s *go4vlStream) Frames() <-chan []byte { return s.dev.GetOutput() }
func (s *go4vlStream) Size() (int, int) { return s.width, s.height }
func (s *go4vlStream) Close() error { return s.dev.Close() }
