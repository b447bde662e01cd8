package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"usbcam/internal/camera"
	"usbcam/internal/photo"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// deviceNotFoundDetails は外部カメラが見つからなかったときの詳細
type deviceNotFoundDetails struct {
	Requested string                    `json:"requested,omitempty"`
	Available []camera.DeviceDescriptor `json:"available"`
}

// hardwareDetails はハードウェアエラーの詳細
type hardwareDetails struct {
	Op   string `json:"op"`
	Code int    `json:"code"`
}

// errorStatus はエラーの分類ごとのHTTPステータスとエラーコード
var errorStatus = []struct {
	target error
	status int
	code   string
}{
	{camera.ErrInvalidConfig, http.StatusBadRequest, "invalid_config"},
	{photo.ErrInvalidName, http.StatusBadRequest, "invalid_name"},
	{camera.ErrDeviceNotFound, http.StatusNotFound, "device_not_found"},
	{fs.ErrNotExist, http.StatusNotFound, "photo_not_found"},
	{camera.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
	{camera.ErrAlreadyOpen, http.StatusConflict, "already_open"},
	{camera.ErrAlreadyStreaming, http.StatusConflict, "already_streaming"},
	{camera.ErrCaptureInProgress, http.StatusConflict, "capture_in_progress"},
	{camera.ErrNotOpen, http.StatusConflict, "not_open"},
	{camera.ErrPipelineUnavailable, http.StatusConflict, "pipeline_unavailable"},
	{camera.ErrClosed, http.StatusConflict, "closed"},
	{camera.ErrDisconnected, http.StatusServiceUnavailable, "disconnected"},
	{camera.ErrHardware, http.StatusInternalServerError, "hardware_error"},
	{camera.ErrEncodeFailure, http.StatusInternalServerError, "encode_failure"},
	{camera.ErrWorkerStuck, http.StatusInternalServerError, "worker_stuck"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	{context.Canceled, http.StatusServiceUnavailable, "canceled"},
}

// newErrorResponse はエラーをレスポンスとステータスに変換する
func newErrorResponse(err error) (int, ErrorResponse) {
	status, code := http.StatusInternalServerError, "internal_error"
	for _, e := range errorStatus {
		if errors.Is(err, e.target) {
			status, code = e.status, e.code
			break
		}
	}

	resp := ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	}

	var notFound *camera.DeviceNotFoundError
	var hw *camera.HardwareError
	switch {
	case errors.As(err, &notFound):
		available := notFound.Available
		if available == nil {
			available = []camera.DeviceDescriptor{}
		}
		resp.Details = deviceNotFoundDetails{Requested: notFound.Requested, Available: available}
	case errors.As(err, &hw):
		resp.Details = hardwareDetails{Op: hw.Op, Code: hw.Code}
	}
	return status, resp
}

// writeError はエラーをJSONで返す
func writeError(c *gin.Context, err error) {
	status, resp := newErrorResponse(err)
	c.AbortWithStatusJSON(status, resp)
}
