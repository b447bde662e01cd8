package camera

import "context"

// EventKind はハードウェアから届くイベントの種類
type EventKind int

const (
	EventOpened EventKind = iota
	EventDisconnected
	EventError
	EventConfigured
	EventConfigureFailed
	EventImageAvailable
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventConfigured:
		return "configured"
	case EventConfigureFailed:
		return "configure_failed"
	case EventImageAvailable:
		return "image_available"
	default:
		return "unknown"
	}
}

// Event はハードウェアからの通知
// セッションは受け取ったイベントを全て自分のワーカーへメッセージとして転送する
type Event struct {
	Kind     EventKind
	Device   Device
	Pipeline Pipeline
	Code     int
	Err      error
}

// EventHandler はイベントの受け口
// バックエンドは任意のゴルーチンから呼び出してよい
type EventHandler func(Event)

// Backend はカメラハードウェアAPIの抽象
type Backend interface {
	// ListDevices は接続されているデバイスを列挙する
	ListDevices(ctx context.Context) ([]DeviceDescriptor, error)

	// OpenDevice はデバイスを排他的に開く要求を出す
	// 結果は EventOpened または EventError で通知される
	OpenDevice(id string, handler EventHandler) error
}

// Device は開かれたデバイスハンドル
type Device interface {
	ID() string

	// CreatePipeline はリクエストパイプラインを構成する
	// 結果は EventConfigured または EventConfigureFailed で通知される
	CreatePipeline(spec PipelineSpec, handler EventHandler) error

	Close() error
}

// PipelineKind はパイプラインの用途
type PipelineKind int

const (
	PipelinePreview PipelineKind = iota
	PipelineStill
)

func (k PipelineKind) String() string {
	if k == PipelineStill {
		return "still"
	}
	return "preview"
}

// PipelineSpec はパイプライン構成パラメータ
type PipelineSpec struct {
	Kind      PipelineKind
	Width     int
	Height    int
	FPS       int
	MaxImages int // 保持する画像バッファ数
}

// Pipeline は構成済みのリクエストパイプライン
type Pipeline interface {
	Kind() PipelineKind

	// SetRepeating はリピートリクエストを開始する
	SetRepeating() error

	// StopRepeating はリピートリクエストを停止する。停止中なら ErrAlreadyStopped
	StopRepeating() error

	// Capture は単発の撮影リクエストを出す
	Capture() error

	// AcquireLatestImage は最新の画像を取得し、それより古い画像は解放する
	// 取得できる画像がなければ nil を返す
	AcquireLatestImage() (Image, error)

	Close() error
}

// PixelFormat は画像のピクセル形式
type PixelFormat int

const (
	FormatYUV420 PixelFormat = iota
	FormatJPEG
)

func (f PixelFormat) String() string {
	if f == FormatJPEG {
		return "JPEG"
	}
	return "YUV_420_888"
}

// Plane は画像の1プレーン
// FormatJPEG の場合は Planes()[0].Data にJPEGバイト列が入る
type Plane struct {
	Data        []byte
	RowStride   int
	PixelStride int
}

// Image はハードウェアが保持する生画像
// 利用後は必ず Release する
type Image interface {
	Format() PixelFormat
	Width() int
	Height() int
	Planes() []Plane
	Release()
}
