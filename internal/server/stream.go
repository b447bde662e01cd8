package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"usbcam/internal/camera"
)

const (
	// プレビューの受け口のバッファ数。読み手が遅れたら古いフレームから捨てる
	previewBuffer = 2

	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 64,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// startPreview はプレビューを開始して受け口を返す
// 失敗した場合はエラーレスポンスを書き込み nil を返す
func (s *Server) startPreview(c *gin.Context) *camera.ChannelSink {
	sink := camera.NewChannelSink(previewBuffer)
	if err := s.camera.StartPreview(c.Request.Context(), sink); err != nil {
		writeError(c, err)
		return nil
	}
	return sink
}

// releasePreview はクライアントが先に離れた場合にプレビューを止める
// 受け口が既に終了していれば別の操作で止められているので何もしない
func (s *Server) releasePreview(sink *camera.ChannelSink) {
	select {
	case <-sink.Done():
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.camera.StopPreview(ctx); err != nil {
		s.logger.Warn("プレビューの停止に失敗", "error", err)
	}
}

// handlePreviewSSE はプレビューをServer-Sent Eventsで配信する
// frame イベントにbase64のJPEGを載せ、失敗時は error イベントを送って終了する
func (s *Server) handlePreviewSSE(c *gin.Context) {
	sink := s.startPreview(c)
	if sink == nil {
		return
	}
	defer s.releasePreview(sink)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case frame := <-sink.Frames():
			c.SSEvent("frame", frame)
			return true
		case <-sink.Done():
			if err := sink.Err(); err != nil {
				_, resp := newErrorResponse(err)
				c.SSEvent("error", resp)
			}
			return false
		}
	})
}

// handlePreviewWebSocket はプレビューをWebSocketのテキストメッセージで配信する
// 失敗時はエラーをJSONで送ってから接続を閉じる
func (s *Server) handlePreviewWebSocket(c *gin.Context) {
	sink := s.startPreview(c)
	if sink == nil {
		return
	}
	defer s.releasePreview(sink)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocketへの切り替えに失敗", "error", err)
		return
	}
	defer conn.Close()

	// 読み込みはクライアントの切断検知にのみ使う
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			s.closeWebSocket(conn, websocket.CloseGoingAway, "server shutdown")
			return
		case frame := <-sink.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		case <-sink.Done():
			if err := sink.Err(); err != nil {
				_, resp := newErrorResponse(err)
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteJSON(resp)
				s.closeWebSocket(conn, websocket.CloseInternalServerErr, resp.Error)
				return
			}
			s.closeWebSocket(conn, websocket.CloseNormalClosure, "preview stopped")
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeWebSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
