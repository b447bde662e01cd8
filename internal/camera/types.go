package camera

import (
	"fmt"
	"strconv"
	"strings"
)

// Role はデバイスの向き・分類を表す
// 値はレンズ向きコード（0: FRONT, 1: BACK, 2: EXTERNAL）に揃えている
type Role int

const (
	RoleUnknown  Role = -1 // 向きが取得できない
	RoleFront    Role = 0  // 前面
	RoleBack     Role = 1  // 背面
	RoleExternal Role = 2  // 外付け（USB）
)

// String はFRONT/BACK/EXTERNAL/UNKNOWN/OTHER(n) のいずれかを返す
func (r Role) String() string {
	switch r {
	case RoleUnknown:
		return "UNKNOWN"
	case RoleFront:
		return "FRONT"
	case RoleBack:
		return "BACK"
	case RoleExternal:
		return "EXTERNAL"
	default:
		return fmt.Sprintf("OTHER(%d)", int(r))
	}
}

// MarshalText はJSON出力用に名前を返す
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText はString()の出力を解釈する
func (r *Role) UnmarshalText(text []byte) error {
	s := string(text)
	switch s {
	case "UNKNOWN":
		*r = RoleUnknown
	case "FRONT":
		*r = RoleFront
	case "BACK":
		*r = RoleBack
	case "EXTERNAL":
		*r = RoleExternal
	default:
		if !strings.HasPrefix(s, "OTHER(") || !strings.HasSuffix(s, ")") {
			return fmt.Errorf("不明なロール: %s", s)
		}
		code, err := strconv.Atoi(s[len("OTHER(") : len(s)-1])
		if err != nil {
			return fmt.Errorf("不明なロール: %s", s)
		}
		*r = Role(code)
	}
	return nil
}

// DeviceDescriptor は列挙で得られるデバイス情報（不変）
type DeviceDescriptor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
}

// デフォルトのストリーム設定
const (
	DefaultWidth  = 1280
	DefaultHeight = 720
	DefaultFPS    = 30
)

// SessionConfig はopen時に確定するストリーム設定
type SessionConfig struct {
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FPS      int    `json:"fps,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// WithDefaults は未指定の値にデフォルトを埋めたコピーを返す
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	return c
}

// Validate は設定値の妥当性を検証する
func (c SessionConfig) Validate() error {
	if c.FPS <= 0 || c.FPS > 120 {
		return fmt.Errorf("%w: 無効なFPS値: %d", ErrInvalidConfig, c.FPS)
	}
	if c.Width <= 0 || c.Width > 8192 {
		return fmt.Errorf("%w: 無効な幅: %d", ErrInvalidConfig, c.Width)
	}
	if c.Height <= 0 || c.Height > 8192 {
		return fmt.Errorf("%w: 無効な高さ: %d", ErrInvalidConfig, c.Height)
	}
	return nil
}

// Phase はセッションの状態
type Phase int32

const (
	PhaseClosed Phase = iota
	PhaseOpening
	PhaseOpenIdle
	PhaseStreaming
	PhaseCapturing
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "CLOSED"
	case PhaseOpening:
		return "OPENING"
	case PhaseOpenIdle:
		return "OPEN_IDLE"
	case PhaseStreaming:
		return "STREAMING"
	case PhaseCapturing:
		return "CAPTURING"
	case PhaseError:
		return "ERROR"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// MarshalText はJSON出力用に名前を返す
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Status はセッションの外部公開用スナップショット
type Status struct {
	Phase     Phase         `json:"phase"`
	SessionID string        `json:"sessionId,omitempty"`
	Device    string        `json:"device,omitempty"`
	Config    SessionConfig `json:"config"`
}
