//go:build !linux

package camera

import (
	"context"
	"errors"
	"log/slog"
)

// DefaultDevicePattern はV4L2デバイスの検索パターン
const DefaultDevicePattern = "/dev/video*"

var errV4L2Unsupported = errors.New("V4L2はLinuxでのみ利用できます")

// V4L2Backend はLinux以外では常に失敗する
type V4L2Backend struct{}

// NewV4L2Backend は新しいV4L2Backendを作成する
func NewV4L2Backend(string, *slog.Logger) *V4L2Backend {
	return &V4L2Backend{}
}

func (*V4L2Backend) ListDevices(context.Context) ([]DeviceDescriptor, error) {
	return nil, errV4L2Unsupported
}

func (*V4L2Backend) OpenDevice(string, EventHandler) error {
	return &HardwareError{Op: "open", Err: errV4L2Unsupported}
}
