package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"usbcam/internal/camera"
	"usbcam/internal/photo"
)

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバーの待ち受け情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Server    ServerInfo    `json:"server"`
	Camera    camera.Status `json:"camera"`
	Timestamp time.Time     `json:"timestamp"`
}

// OpenRequest はカメラを開くときのリクエスト。すべて省略可能
type OpenRequest struct {
	Width    int    `json:"width" binding:"min=0,max=8192"`
	Height   int    `json:"height" binding:"min=0,max=8192"`
	FPS      int    `json:"fps" binding:"min=0,max=120"`
	DeviceID string `json:"deviceId"`
}

// OpenResponse はカメラを開いたときのレスポンス
type OpenResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// MessageResponse は結果メッセージのみのレスポンス
type MessageResponse struct {
	Message string `json:"message"`
}

// PhotoResponse は撮影した静止画の保存先
type PhotoResponse struct {
	Path string `json:"path"`
}

// PhotosResponse は保存済みの静止画の一覧
type PhotosResponse struct {
	Photos []photo.Photo `json:"photos"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleOpenAPI は埋め込みのAPI定義を返す
func (s *Server) handleOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", openAPIDocument)
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:  "running",
		Version: s.api.Info.Version,
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Camera:    s.camera.Status(),
		Timestamp: time.Now(),
	})
}

// handleListDevices はカメラ一覧取得エンドポイント
func (s *Server) handleListDevices(c *gin.Context) {
	devices, err := s.camera.ListDevices(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if devices == nil {
		devices = []camera.DeviceDescriptor{}
	}
	c.JSON(http.StatusOK, devices)
}

// handleOpen はカメラを開くエンドポイント
// 本文がなければ設定ファイルのデフォルト値で開く
func (s *Server) handleOpen(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, fmt.Errorf("%w: %v", camera.ErrInvalidConfig, err))
		return
	}

	cfg := camera.SessionConfig{
		Width:    req.Width,
		Height:   req.Height,
		FPS:      req.FPS,
		DeviceID: req.DeviceID,
	}
	if cfg.Width == 0 {
		cfg.Width = s.config.Camera.DefaultWidth
	}
	if cfg.Height == 0 {
		cfg.Height = s.config.Camera.DefaultHeight
	}
	if cfg.FPS == 0 {
		cfg.FPS = s.config.Camera.DefaultFPS
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = s.config.Camera.Device
	}

	if err := s.camera.Open(c.Request.Context(), cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, OpenResponse{
		Message:   "opened",
		SessionID: s.camera.Status().SessionID,
	})
}

// handleStopPreview はプレビュー停止エンドポイント
func (s *Server) handleStopPreview(c *gin.Context) {
	if err := s.camera.StopPreview(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "preview stopped"})
}

// handleTakePhoto は静止画撮影エンドポイント
func (s *Server) handleTakePhoto(c *gin.Context) {
	path, err := s.camera.TakePhoto(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PhotoResponse{Path: path})
}

// handleClose はカメラを閉じるエンドポイント
func (s *Server) handleClose(c *gin.Context) {
	if err := s.camera.Close(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "closed"})
}

// handleListPhotos は保存済み静止画の一覧エンドポイント
func (s *Server) handleListPhotos(c *gin.Context) {
	photos, err := s.photos.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PhotosResponse{Photos: photos})
}

// handleGetPhoto は保存済み静止画の取得エンドポイント
func (s *Server) handleGetPhoto(c *gin.Context) {
	name := c.Param("name")
	f, err := s.photos.Open(name)
	if err != nil {
		writeError(c, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Type", "image/jpeg")
	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), f)
}
