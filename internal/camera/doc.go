// Package camera 外部USBカメラのセッションを管理する
//
// # 責務
// - 外部カメラの列挙と選択
// - デバイスの排他オープンとプレビュー用パイプラインの構成
// - プレビューフレームのエンコードと配信
// - 静止画の撮影と保存
// - どの状態からでも安全なclose
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 1台の外部カメラを開いてプレビューと静止画撮影を行いたい
// - ハードウェアの非同期通知を直列に処理したい
//
// # 仕様
//   - Manager: 公開API。セッションは同時に1つだけ
//   - Worker: セッション専用の直列実行コンテキスト。状態の変更は全てこの上で行う
//   - Backend: ハードウェアAPIの抽象。V4L2Backend と MockBackend がある
//   - FrameEncoder: 生画像をJPEGに変換する
//   - 状態遷移:
//     CLOSED → OPENING → OPEN_IDLE ⇄ STREAMING
//     OPEN_IDLE / STREAMING → CAPTURING → 撮影前の状態
//     任意の状態 → ERROR（切断・ハードウェアエラー）
//     任意の状態 → CLOSED（close）
//   - プレビューは最新フレーム優先。古いフレームは捨てる
//   - 静止画撮影中はプレビューのリピートリクエストを止め、完了後に再開する
//
// # 前提要件
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
