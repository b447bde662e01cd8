package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"usbcam/internal/camera"
	"usbcam/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySaver struct {
	mu    sync.Mutex
	count int
}

func (s *memorySaver) Save(data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return "/tmp/USB_CAM_test.jpg", nil
}

func TestNewBackend(t *testing.T) {
	cfg := config.Default()

	cfg.Camera.Backend = config.BackendV4L2
	b, stop := newBackend(context.Background(), cfg, discardLogger())
	stop()
	if _, ok := b.(*camera.V4L2Backend); !ok {
		t.Errorf("Expected V4L2Backend, got %T", b)
	}

	cfg.Camera.Backend = config.BackendMock
	b, stop = newBackend(context.Background(), cfg, discardLogger())
	defer stop()
	mock, ok := b.(*camera.MockBackend)
	if !ok {
		t.Fatalf("Expected MockBackend, got %T", b)
	}
	devices, err := mock.ListDevices(context.Background())
	if err != nil || len(devices) != 1 || devices[0].Role != camera.RoleExternal {
		t.Errorf("Expected one external mock device, got %v (%v)", devices, err)
	}
}

func TestMockFeed_Preview(t *testing.T) {
	cfg := config.Default()
	cfg.Camera.Backend = config.BackendMock
	cfg.Camera.DefaultWidth = 64
	cfg.Camera.DefaultHeight = 48
	cfg.Camera.DefaultFPS = 100
	cfg.Camera.PreviewWidth = 32
	cfg.Camera.PreviewHeight = 32

	backend, stop := newBackend(context.Background(), cfg, discardLogger())
	defer stop()

	saver := &memorySaver{}
	m := NewManager(cfg, backend, saver, discardLogger())
	defer func() { _ = m.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := m.Open(ctx, camera.SessionConfig{Width: 64, Height: 48, FPS: 100}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	sink := camera.NewChannelSink(2)
	if err := m.StartPreview(ctx, sink); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}

	select {
	case frame := <-sink.Frames():
		if frame == "" {
			t.Error("Expected non-empty frame")
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for mock frame")
	}

	if _, err := m.TakePhoto(ctx); err != nil {
		t.Fatalf("TakePhoto failed: %v", err)
	}
	saver.mu.Lock()
	n := saver.count
	saver.mu.Unlock()
	if n != 1 {
		t.Errorf("Expected 1 saved photo, got %d", n)
	}
}

func TestFeedMockFrames_IdleSkips(t *testing.T) {
	backend := camera.NewMockBackend()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// リピート中のパイプラインがなければ何も投入しない
	feedMockFrames(ctx, backend, 16, 16, 200)
	if n := backend.LiveImageCount(); n != 0 {
		t.Errorf("Expected no live images, got %d", n)
	}
}
