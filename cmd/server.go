// Package main はusbcamサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"usbcam/internal/app"
	"usbcam/internal/config"
	"usbcam/internal/logger"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		configPath = flag.String("config", "", "設定ファイルのパス (YAML)")
		backend    = flag.String("backend", "", "カメラバックエンド: v4l2 または mock")
		device     = flag.String("device", "", "優先するカメラのデバイスID (例: /dev/video2)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("usbcam - USB外部カメラサーバー")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("設定の読み込みに失敗しました", "error", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("オプションが不正です", "error", err)
	}

	// サーバーを起動
	if err := app.Run(context.Background(), cfg); err != nil {
		logger.Fatal("サーバーの起動に失敗しました", "error", err)
	}
}
