package main

import (
	"context"

	"usbcam/internal/app"
	"usbcam/internal/config"
	"usbcam/internal/logger"
)

func main() {
	// 設定を読み込む（USBCAM_CONFIG があればそのファイルも読む）
	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("設定の読み込みに失敗しました", "error", err)
	}

	// サーバーを起動
	if err := app.Run(context.Background(), cfg); err != nil {
		logger.Fatal("サーバーの起動に失敗しました", "error", err)
	}
}
