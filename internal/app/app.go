// Package app 設定から各コンポーネントを組み立ててサーバーを起動する
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"usbcam/internal/camera"
	"usbcam/internal/config"
	"usbcam/internal/logger"
	"usbcam/internal/photo"
	"usbcam/internal/server"
	"usbcam/internal/telemetry"
)

// 終了処理の待ち時間
const cleanupTimeout = 5 * time.Second

// Run はサーバーを起動し、停止するまでブロックする
func Run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("ロガーの設定に失敗: %w", err)
	}
	if level, _ := logger.ParseLevel(cfg.Log.Level); level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("テレメトリの設定に失敗: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("テレメトリの停止に失敗", "error", err)
		}
	}()

	store := photo.NewStore(afero.NewOsFs(), cfg.Photo.Dir, log)
	if cfg.Photo.RetentionDays > 0 {
		retention, err := photo.NewRetention(store, cfg.Photo.RetentionDays, cfg.Photo.PruneSchedule, log)
		if err != nil {
			return err
		}
		retention.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			_ = retention.Stop(sctx)
		}()
	}

	backend, stopBackend := newBackend(ctx, cfg, log)
	defer stopBackend()

	manager := NewManager(cfg, backend, store, log)

	srv, err := server.New(cfg, manager, store, log)
	if err != nil {
		return err
	}

	log.Info("usbcam を起動します",
		"addr", cfg.ServerAddress(),
		"backend", cfg.Camera.Backend,
		"photo_dir", store.Dir(),
	)
	return srv.Start(ctx)
}

// NewManager は設定に従ってカメラのManagerを作成する
func NewManager(cfg *config.Config, backend camera.Backend, saver camera.PhotoSaver, log *slog.Logger) *camera.Manager {
	encoder := camera.NewJPEGEncoder(cfg.Camera.JPEGQuality)
	encoder.PreviewWidth = cfg.Camera.PreviewWidth
	encoder.PreviewHeight = cfg.Camera.PreviewHeight

	return camera.NewManager(backend,
		camera.WithEncoder(encoder),
		camera.WithPhotoSaver(saver),
		camera.WithLogger(log),
		camera.WithStopTimeout(cfg.Camera.StopTimeout),
		camera.WithStillSize(cfg.Camera.StillWidth, cfg.Camera.StillHeight),
	)
}

// newBackend は設定されたカメラバックエンドを作成する
// mock の場合は疑似フレームを流し続ける。戻り値の関数で停止する
func newBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (camera.Backend, func()) {
	if cfg.Camera.Backend != config.BackendMock {
		return camera.NewV4L2Backend(cfg.Camera.DevicePattern, log), func() {}
	}

	backend := camera.NewMockBackend(camera.DeviceDescriptor{
		ID:   "mock0",
		Role: camera.RoleExternal,
		Name: "Mock USB Camera",
	})
	feedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		feedMockFrames(feedCtx, backend, cfg.Camera.DefaultWidth, cfg.Camera.DefaultHeight, cfg.Camera.DefaultFPS)
	}()
	log.Warn("モックカメラで起動しています")
	return backend, func() {
		cancel()
		<-done
	}
}

// feedMockFrames はプレビュー中のモックカメラにfpsの間隔でフレームを投入する
func feedMockFrames(ctx context.Context, backend *camera.MockBackend, width, height, fps int) {
	if fps <= 0 {
		fps = camera.DefaultFPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var seed byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if backend.RepeatingCount() == 0 {
				continue
			}
			seed++
			backend.PushFrame(camera.NewMockFrame(width, height, seed))
		}
	}
}
