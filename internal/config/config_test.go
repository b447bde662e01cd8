package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	ConfigPathEnv, "SERVER_HOST", "PORT", "CAMERA_BACKEND", "CAMERA_DEVICE",
	"PHOTO_DIR", "LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// clearEnv はテスト中だけ関連する環境変数を空にする
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("サーバーホストが不正です: %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	// デフォルト値の検証
	if cfg.Camera.DefaultWidth != 1280 || cfg.Camera.DefaultHeight != 720 || cfg.Camera.DefaultFPS != 30 {
		t.Errorf("デフォルトのストリーム設定が不正です: %dx%d@%d",
			cfg.Camera.DefaultWidth, cfg.Camera.DefaultHeight, cfg.Camera.DefaultFPS)
	}
	if cfg.Camera.JPEGQuality != 80 {
		t.Errorf("JPEG品質が不正です: %d", cfg.Camera.JPEGQuality)
	}
	if cfg.Camera.StopTimeout != 3*time.Second {
		t.Errorf("停止タイムアウトが不正です: %s", cfg.Camera.StopTimeout)
	}
	if cfg.Camera.Backend != BackendV4L2 {
		t.Errorf("バックエンドが不正です: %s", cfg.Camera.Backend)
	}
	if cfg.Photo.PruneSchedule != "@daily" {
		t.Errorf("削除スケジュールが不正です: %s", cfg.Photo.PruneSchedule)
	}
}

// TestLoadFile は設定ファイルの読み込みをテストする
func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "usbcam.yaml")
	content := `
server:
  port: 9000
  read_timeout: 5s
camera:
  backend: mock
  device: /dev/video2
  default_width: 640
  default_height: 480
  still_width: 1920
  still_height: 1080
  stop_timeout: 1500ms
photo:
  dir: /var/lib/usbcam
  retention_days: 7
log:
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9000 || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("サーバー設定が反映されていません: %+v", cfg.Server)
	}
	if cfg.Camera.Backend != BackendMock || cfg.Camera.Device != "/dev/video2" {
		t.Errorf("カメラ設定が反映されていません: %+v", cfg.Camera)
	}
	if cfg.Camera.DefaultWidth != 640 || cfg.Camera.StillWidth != 1920 {
		t.Errorf("解像度が反映されていません: %+v", cfg.Camera)
	}
	if cfg.Camera.StopTimeout != 1500*time.Millisecond {
		t.Errorf("停止タイムアウトが反映されていません: %s", cfg.Camera.StopTimeout)
	}
	// ファイルに無い値はデフォルトのまま
	if cfg.Camera.DefaultFPS != 30 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("デフォルト値が失われています: %+v", cfg)
	}
	if cfg.Photo.RetentionDays != 7 || cfg.Log.Format != "json" {
		t.Errorf("保存・ログ設定が反映されていません: %+v %+v", cfg.Photo, cfg.Log)
	}
}

// TestLoadFileFromEnv は USBCAM_CONFIG によるパス指定をテストする
func TestLoadFileFromEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "usbcam.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}
	t.Setenv(ConfigPathEnv, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("設定ファイルのポートが反映されていません: %d", cfg.Server.Port)
	}
}

// TestLoadFileErrors は設定ファイルの異常系をテストする
func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("server: [unterminated"), 0o644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("camera:\n  backend: gstreamer\n"), 0o644); err != nil {
		t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
	}

	testCases := []struct {
		name string
		path string
		want string
	}{
		{name: "存在しないファイル", path: filepath.Join(dir, "missing.yaml"), want: "見つかりません"},
		{name: "不正なYAML", path: broken, want: "解析に失敗"},
		{name: "検証エラー", path: invalid, want: "バックエンド"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.path)
			if err == nil {
				t.Fatal("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("エラーメッセージに %q が含まれていません: %v", tc.want, err)
			}
		})
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{name: "正常な設定", modify: func(c *Config) {}, expectErr: false},
		{name: "無効なポート番号", modify: func(c *Config) { c.Server.Port = 99999 }, expectErr: true},
		{name: "負のタイムアウト", modify: func(c *Config) { c.Server.ReadTimeout = -time.Second }, expectErr: true},
		{name: "未知のバックエンド", modify: func(c *Config) { c.Camera.Backend = "dshow" }, expectErr: true},
		{name: "無効なFPS", modify: func(c *Config) { c.Camera.DefaultFPS = 0 }, expectErr: true},
		{name: "無効な解像度", modify: func(c *Config) { c.Camera.DefaultWidth = -1 }, expectErr: true},
		{name: "無効な静止画解像度", modify: func(c *Config) { c.Camera.StillHeight = -1 }, expectErr: true},
		{name: "無効なJPEG品質", modify: func(c *Config) { c.Camera.JPEGQuality = 101 }, expectErr: true},
		{name: "停止タイムアウトなし", modify: func(c *Config) { c.Camera.StopTimeout = 0 }, expectErr: true},
		{name: "保存先なし", modify: func(c *Config) { c.Photo.Dir = " " }, expectErr: true},
		{name: "負の保存日数", modify: func(c *Config) { c.Photo.RetentionDays = -1 }, expectErr: true},
		{name: "無効なログ形式", modify: func(c *Config) { c.Log.Format = "xml" }, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
// 注意: このテストは環境変数を変更するため、parallelは使わない
func TestEnvironmentVariables(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("CAMERA_BACKEND", "mock")
	t.Setenv("CAMERA_DEVICE", "/dev/video4")
	t.Setenv("PHOTO_DIR", "/tmp/shots")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if cfg.Camera.Backend != BackendMock || cfg.Camera.Device != "/dev/video4" {
		t.Errorf("環境変数のカメラ設定が反映されていません: %+v", cfg.Camera)
	}
	if cfg.Photo.Dir != "/tmp/shots" || cfg.Log.Level != "debug" {
		t.Errorf("環境変数の保存・ログ設定が反映されていません: %+v %+v", cfg.Photo, cfg.Log)
	}
	if cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("環境変数のエンドポイントが反映されていません: %s", cfg.Telemetry.Endpoint)
	}
}
