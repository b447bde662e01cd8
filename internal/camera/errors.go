package camera

import (
	"errors"
	"fmt"
	"strings"
)

// エラー分類
var (
	ErrDeviceNotFound    = errors.New("外部カメラが見つかりません")
	ErrPermissionDenied  = errors.New("カメラへのアクセス権限がありません")
	ErrAlreadyStreaming  = errors.New("プレビューは既に開始されています")
	ErrNotOpen           = errors.New("カメラが開かれていません")
	ErrCaptureInProgress = errors.New("静止画撮影が進行中です")
	ErrHardware          = errors.New("ハードウェアエラー")
	ErrEncodeFailure     = errors.New("フレームのエンコードに失敗")
	ErrDisconnected      = errors.New("デバイスが切断されました")

	ErrPipelineUnavailable = errors.New("プレビューパイプラインが利用できません")
	ErrAlreadyOpen         = errors.New("セッションは既に開かれています")
	ErrClosed              = errors.New("セッションが閉じられました")
	ErrInvalidConfig       = errors.New("無効な設定")
	ErrWorkerStuck         = errors.New("バックグラウンドワーカーが終了しません")
	ErrWorkerStopped       = errors.New("バックグラウンドワーカーは停止しています")
	ErrAlreadyStopped      = errors.New("リピートリクエストは既に停止しています")
)

// DeviceNotFoundError は選択に失敗したときに列挙済みデバイスを保持する
type DeviceNotFoundError struct {
	Requested string
	Available []DeviceDescriptor
}

func (e *DeviceNotFoundError) Error() string {
	ids := make([]string, 0, len(e.Available))
	for _, d := range e.Available {
		ids = append(ids, fmt.Sprintf("%s(%s)", d.ID, d.Role))
	}
	msg := fmt.Sprintf("%s。利用可能なカメラ: [%s]", ErrDeviceNotFound.Error(), strings.Join(ids, ", "))
	if e.Requested != "" {
		msg += fmt.Sprintf("（指定ID %s は存在しません）", e.Requested)
	}
	return msg
}

// Is はErrDeviceNotFoundと一致する
func (e *DeviceNotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}

// HardwareError はデバイスやセッションから非同期に通知される失敗
type HardwareError struct {
	Op   string
	Code int
	Err  error
}

func (e *HardwareError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (code=%d): %v", ErrHardware.Error(), e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s (code=%d)", ErrHardware.Error(), e.Op, e.Code)
}

// Is はErrHardwareと一致する
func (e *HardwareError) Is(target error) bool {
	return target == ErrHardware
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

// hardwareErr はopの失敗をHardwareErrorで包む
// 既に分類済みのエラー（権限・切断）はそのまま返す
func hardwareErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDisconnected) || errors.Is(err, ErrHardware) {
		return err
	}
	return &HardwareError{Op: op, Err: err}
}
