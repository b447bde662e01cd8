package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv は設定ファイルのパスを指定する環境変数
const ConfigPathEnv = "USBCAM_CONFIG"

// カメラバックエンド
const (
	BackendV4L2 = "v4l2"
	BackendMock = "mock"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Photo     PhotoConfig     `yaml:"photo"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend       string `yaml:"backend"`        // v4l2 または mock
	Device        string `yaml:"device"`         // 優先するデバイスID (例: /dev/video2)
	DevicePattern string `yaml:"device_pattern"` // 列挙対象のパターン

	// デフォルト設定
	DefaultFPS    int `yaml:"default_fps"`    // フレームレート (fps)
	DefaultWidth  int `yaml:"default_width"`  // 画像幅
	DefaultHeight int `yaml:"default_height"` // 画像高さ

	// 静止画の解像度。0ならセッションの解像度
	StillWidth  int `yaml:"still_width"`
	StillHeight int `yaml:"still_height"`

	// プレビューの最大サイズ。0なら縮小しない
	PreviewWidth  int `yaml:"preview_width"`
	PreviewHeight int `yaml:"preview_height"`

	JPEGQuality int           `yaml:"jpeg_quality"`
	StopTimeout time.Duration `yaml:"stop_timeout"` // ワーカー停止の待ち時間
}

// PhotoConfig は静止画の保存設定
type PhotoConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"` // 0なら削除しない
	PruneSchedule string `yaml:"prune_schedule"` // cron形式
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text または json
}

// TelemetryConfig はOpenTelemetryの設定
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"` // OTLP/gRPCの送信先。空なら無効
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // TLSを使わずに送信する
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Backend:       BackendV4L2,
			DevicePattern: "/dev/video*",
			DefaultFPS:    30,
			DefaultWidth:  1280,
			DefaultHeight: 720,
			JPEGQuality:   80,
			StopTimeout:   3 * time.Second,
		},
		Photo: PhotoConfig{
			Dir:           "photos",
			RetentionDays: 0,
			PruneSchedule: "@daily",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "usbcam",
			Insecure:    true,
		},
	}
}

// Load は設定を読み込む
// デフォルト値に設定ファイル、環境変数の順で上書きする
// path が空なら USBCAM_CONFIG を参照し、それも空ならファイルは読まない
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("設定ファイルが見つかりません: %s", path)
		}
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Backend = getEnvOrDefault("CAMERA_BACKEND", c.Camera.Backend)
	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Photo.Dir = getEnvOrDefault("PHOTO_DIR", c.Photo.Dir)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Telemetry.Endpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.Endpoint)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return errors.New("タイムアウトに負の値は指定できません")
	}

	// カメラ設定の検証
	switch c.Camera.Backend {
	case BackendV4L2, BackendMock:
	default:
		return fmt.Errorf("無効なカメラバックエンド: %q", c.Camera.Backend)
	}
	if c.Camera.DefaultFPS <= 0 || c.Camera.DefaultFPS > 120 {
		return fmt.Errorf("無効なFPS値: %d", c.Camera.DefaultFPS)
	}
	if c.Camera.DefaultWidth <= 0 || c.Camera.DefaultHeight <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.DefaultWidth, c.Camera.DefaultHeight)
	}
	if c.Camera.StillWidth < 0 || c.Camera.StillHeight < 0 {
		return fmt.Errorf("無効な静止画解像度: %dx%d", c.Camera.StillWidth, c.Camera.StillHeight)
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Camera.JPEGQuality)
	}
	if c.Camera.StopTimeout <= 0 {
		return fmt.Errorf("無効な停止タイムアウト: %s", c.Camera.StopTimeout)
	}

	// 保存設定の検証
	if strings.TrimSpace(c.Photo.Dir) == "" {
		return errors.New("静止画の保存先が設定されていません")
	}
	if c.Photo.RetentionDays < 0 {
		return fmt.Errorf("無効な保存日数: %d", c.Photo.RetentionDays)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("無効なログ形式: %q", c.Log.Format)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
