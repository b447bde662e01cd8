package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// DefaultJPEGQuality はプレビュー・静止画のJPEG品質
const DefaultJPEGQuality = 80

// FrameEncoder は生画像をエンコードする
// 実装は入力画像への参照を保持してはならない
type FrameEncoder interface {
	// EncodeFrame は転送用のbase64 JPEG文字列を返す
	EncodeFrame(img Image) (string, error)

	// EncodeStill は保存用のJPEGバイト列を返す
	EncodeStill(img Image) ([]byte, error)
}

// JPEGEncoder は標準のFrameEncoder実装
type JPEGEncoder struct {
	Quality int

	// プレビューの最大サイズ。0なら縮小しない
	PreviewWidth  int
	PreviewHeight int
}

// NewJPEGEncoder は新しいJPEGEncoderを作成する
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &JPEGEncoder{Quality: quality}
}

// EncodeFrame はプレビューフレームをbase64 JPEGに変換する
func (e *JPEGEncoder) EncodeFrame(img Image) (string, error) {
	data, err := e.encode(img, e.PreviewWidth, e.PreviewHeight)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeStill は静止画をフル解像度のJPEGに変換する
func (e *JPEGEncoder) EncodeStill(img Image) ([]byte, error) {
	return e.encode(img, 0, 0)
}

func (e *JPEGEncoder) encode(img Image, maxW, maxH int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: 画像がありません", ErrEncodeFailure)
	}

	var src image.Image
	switch img.Format() {
	case FormatJPEG:
		planes := img.Planes()
		if len(planes) == 0 || len(planes[0].Data) == 0 {
			return nil, fmt.Errorf("%w: JPEGデータが空です", ErrEncodeFailure)
		}
		if !needsScale(img.Width(), img.Height(), maxW, maxH) {
			// そのまま使えるが、呼び出し側がバッファを再利用するためコピーする
			out := make([]byte, len(planes[0].Data))
			copy(out, planes[0].Data)
			return out, nil
		}
		decoded, err := jpeg.Decode(bytes.NewReader(planes[0].Data))
		if err != nil {
			return nil, fmt.Errorf("%w: JPEGのデコードに失敗: %v", ErrEncodeFailure, err)
		}
		src = decoded
	case FormatYUV420:
		yc, err := toYCbCr(img)
		if err != nil {
			return nil, err
		}
		src = yc
	default:
		return nil, fmt.Errorf("%w: 未対応のピクセル形式: %s", ErrEncodeFailure, img.Format())
	}

	b := src.Bounds()
	if needsScale(b.Dx(), b.Dy(), maxW, maxH) {
		src = scaleToFit(src, maxW, maxH)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: e.quality()}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	}
	return buf.Bytes(), nil
}

func (e *JPEGEncoder) quality() int {
	if e.Quality <= 0 || e.Quality > 100 {
		return DefaultJPEGQuality
	}
	return e.Quality
}

func needsScale(w, h, maxW, maxH int) bool {
	if maxW <= 0 || maxH <= 0 {
		return false
	}
	return w > maxW || h > maxH
}

// scaleToFit はアスペクト比を保ったまま maxW x maxH に収まるよう縮小する
func scaleToFit(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w*maxH > h*maxW {
		h = h * maxW / w
		w = maxW
	} else {
		w = w * maxH / h
		h = maxH
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// toYCbCr はYUV_420_888の3プレーンを image.YCbCr に詰め替える
func toYCbCr(img Image) (*image.YCbCr, error) {
	w, h := img.Width(), img.Height()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: 無効な画像サイズ %dx%d", ErrEncodeFailure, w, h)
	}
	planes := img.Planes()
	if len(planes) < 3 {
		return nil, fmt.Errorf("%w: プレーン数が不足しています (%d)", ErrEncodeFailure, len(planes))
	}

	yc := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	if err := copyPlane(yc.Y, yc.YStride, planes[0], w, h); err != nil {
		return nil, fmt.Errorf("%w: Yプレーン: %v", ErrEncodeFailure, err)
	}
	cw, ch := (w+1)/2, (h+1)/2
	if err := copyPlane(yc.Cb, yc.CStride, planes[1], cw, ch); err != nil {
		return nil, fmt.Errorf("%w: Uプレーン: %v", ErrEncodeFailure, err)
	}
	if err := copyPlane(yc.Cr, yc.CStride, planes[2], cw, ch); err != nil {
		return nil, fmt.Errorf("%w: Vプレーン: %v", ErrEncodeFailure, err)
	}
	return yc, nil
}

func copyPlane(dst []byte, dstStride int, p Plane, w, h int) error {
	ps := p.PixelStride
	if ps <= 0 {
		ps = 1
	}
	rs := p.RowStride
	if rs <= 0 {
		rs = w * ps
	}
	last := (h-1)*rs + (w-1)*ps
	if last >= len(p.Data) {
		return fmt.Errorf("データ長が不足しています (need %d, have %d)", last+1, len(p.Data))
	}
	for y := 0; y < h; y++ {
		row := y * rs
		out := dst[y*dstStride : y*dstStride+w]
		if ps == 1 {
			copy(out, p.Data[row:row+w])
			continue
		}
		for x := 0; x < w; x++ {
			out[x] = p.Data[row+x*ps]
		}
	}
	return nil
}
