package camera

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// Enumerator はデバイスの列挙と外部カメラの選択を担う
type Enumerator struct {
	backend Backend
}

// NewEnumerator は新しいEnumeratorを作成する
func NewEnumerator(backend Backend) *Enumerator {
	return &Enumerator{backend: backend}
}

// ListDevices は利用可能なデバイスと向き情報を返す
func (e *Enumerator) ListDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	devices, err := e.backend.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}
	return devices, nil
}

// SelectExternalDevice は使用するデバイスを決める
// preferredID が存在すればそれを、なければ最初のEXTERNALデバイスを返す
func (e *Enumerator) SelectExternalDevice(ctx context.Context, preferredID string) (DeviceDescriptor, error) {
	devices, err := e.ListDevices(ctx)
	if err != nil {
		return DeviceDescriptor{}, err
	}

	if preferredID != "" {
		for _, d := range devices {
			if d.ID == preferredID {
				return d, nil
			}
		}
	}

	for _, d := range devices {
		if d.Role == RoleExternal {
			return d, nil
		}
	}

	return DeviceDescriptor{}, &DeviceNotFoundError{
		Requested: preferredID,
		Available: devices,
	}
}

var deviceNumberRe = regexp.MustCompile(`video(\d+)`)

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	// /dev/videoXX から XX を抽出
	matches := deviceNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}
