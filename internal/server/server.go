package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"usbcam/internal/camera"
	"usbcam/internal/config"
	"usbcam/internal/photo"
)

// シャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// CameraService はHTTPから操作するカメラセッション
type CameraService interface {
	ListDevices(ctx context.Context) ([]camera.DeviceDescriptor, error)
	Status() camera.Status
	Open(ctx context.Context, cfg camera.SessionConfig) error
	StartPreview(ctx context.Context, sink camera.FrameSink) error
	StopPreview(ctx context.Context) error
	TakePhoto(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// PhotoLibrary は保存済みの静止画を参照する
type PhotoLibrary interface {
	List() ([]photo.Photo, error)
	Open(name string) (afero.File, error)
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	camera     CameraService
	photos     PhotoLibrary
	logger     *slog.Logger
	api        *openapi3.T

	// リクエストのベースコンテキスト。停止時にキャンセルしてストリームを終わらせる
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, cam CameraService, photos PhotoLibrary, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	api, err := loadOpenAPI(context.Background())
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(requestID(), accessLog(logger), gin.Recovery())

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		engine: engine,
		camera: cam,
		photos: photos,
		logger: logger,
		api:    api,

		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.setupRoutes()

	routes := make([]routeInfo, 0)
	for _, r := range engine.Routes() {
		routes = append(routes, routeInfo{Method: r.Method, Path: r.Path})
	}
	if missing := undocumentedRoutes(api, routes); len(missing) > 0 {
		cancel()
		return nil, fmt.Errorf("API定義に記載のないルートがあります: %s", strings.Join(missing, ", "))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	return s, nil
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/openapi.yaml", s.handleOpenAPI)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)

	cam := api.Group("/camera")
	cam.GET("/devices", s.handleListDevices)
	cam.POST("/open", s.handleOpen)
	cam.GET("/preview", s.handlePreviewSSE)
	cam.GET("/preview/ws", s.handlePreviewWebSocket)
	cam.POST("/preview/stop", s.handleStopPreview)
	cam.POST("/photo", s.handleTakePhoto)
	cam.POST("/close", s.handleClose)
	cam.GET("/photos", s.handleListPhotos)
	cam.GET("/photos/:name", s.handleGetPhoto)
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		s.cancelBase()
		if cerr := s.closeCamera(); cerr != nil {
			s.logger.Error("カメラの解放に失敗", "error", cerr)
		}
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンし、カメラを閉じる
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	// 配信中のプレビューを終わらせてから接続の終了を待つ
	s.cancelBase()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if err := s.closeCamera(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

func (s *Server) closeCamera() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.camera.Close(ctx); err != nil {
		return fmt.Errorf("カメラの解放に失敗: %w", err)
	}
	return nil
}
