// Package server は、カメラセッションを操作するHTTPサーバーを提供します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// プレビューのストリーミング配信、API定義の配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラの列挙・オープン・撮影・クローズの各操作の公開
//   - プレビューのServer-Sent Events / WebSocketによる配信
//   - 保存済み静止画の一覧と取得
//   - エラーのHTTPステータスへの変換
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - WebSocketはgorilla/websocketを使用
//   - API定義（openapi.yaml）を埋め込み、起動時にkin-openapiで検証する
//   - 登録したルートはすべてAPI定義に記載されている必要がある
//   - プレビューを受信中のクライアントが切断するとプレビューを停止する
//   - シャットダウン時にカメラを閉じる
package server
