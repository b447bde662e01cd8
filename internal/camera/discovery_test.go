package camera

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEnumerator_SelectExternalDevice(t *testing.T) {
	ctx := context.Background()

	front := DeviceDescriptor{ID: "/dev/video0", Role: RoleFront, Name: "Integrated"}
	usb1 := DeviceDescriptor{ID: "/dev/video2", Role: RoleExternal, Name: "USB Camera"}
	usb2 := DeviceDescriptor{ID: "/dev/video4", Role: RoleExternal, Name: "USB Camera 2"}

	tests := []struct {
		name      string
		devices   []DeviceDescriptor
		preferred string
		want      string
		wantErr   bool
	}{
		{name: "first external", devices: []DeviceDescriptor{front, usb1, usb2}, want: usb1.ID},
		{name: "preferred id", devices: []DeviceDescriptor{front, usb1, usb2}, preferred: usb2.ID, want: usb2.ID},
		{name: "preferred non-external", devices: []DeviceDescriptor{front, usb1}, preferred: front.ID, want: front.ID},
		{name: "missing preferred falls back", devices: []DeviceDescriptor{front, usb1}, preferred: "/dev/video9", want: usb1.ID},
		{name: "no external", devices: []DeviceDescriptor{front}, wantErr: true},
		{name: "no devices", devices: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEnumerator(NewMockBackend(tt.devices...))
			got, err := e.SelectExternalDevice(ctx, tt.preferred)
			if tt.wantErr {
				if !errors.Is(err, ErrDeviceNotFound) {
					t.Fatalf("Expected ErrDeviceNotFound, got %v", err)
				}
				var nf *DeviceNotFoundError
				if !errors.As(err, &nf) {
					t.Fatalf("Expected *DeviceNotFoundError, got %T", err)
				}
				if len(nf.Available) != len(tt.devices) {
					t.Errorf("Expected %d available devices, got %d", len(tt.devices), len(nf.Available))
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectExternalDevice failed: %v", err)
			}
			if got.ID != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got.ID)
			}
		})
	}
}

func TestEnumerator_ListError(t *testing.T) {
	backend := NewMockBackend()
	backend.SetListError(errors.New("ioctl failed"))

	_, err := NewEnumerator(backend).SelectExternalDevice(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "ioctl failed") {
		t.Errorf("Expected list error, got %v", err)
	}
	if errors.Is(err, ErrDeviceNotFound) {
		t.Error("Expected list error not to be reported as DeviceNotFound")
	}
}

func TestDeviceNotFoundError_Message(t *testing.T) {
	err := &DeviceNotFoundError{
		Requested: "/dev/video9",
		Available: []DeviceDescriptor{{ID: "/dev/video0", Role: RoleFront}, {ID: "/dev/video1", Role: Role(7)}},
	}
	msg := err.Error()
	for _, want := range []string{"/dev/video0(FRONT)", "/dev/video1(OTHER(7))", "/dev/video9"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got %q", want, msg)
		}
	}
}

func TestRole_Text(t *testing.T) {
	tests := []struct {
		role Role
		want string
	}{
		{RoleFront, "FRONT"},
		{RoleBack, "BACK"},
		{RoleExternal, "EXTERNAL"},
		{RoleUnknown, "UNKNOWN"},
		{Role(5), "OTHER(5)"},
	}
	for _, tt := range tests {
		if got := tt.role.String(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
		var parsed Role
		if err := parsed.UnmarshalText([]byte(tt.want)); err != nil {
			t.Fatalf("UnmarshalText(%s) failed: %v", tt.want, err)
		}
		if parsed != tt.role {
			t.Errorf("Expected %d, got %d", tt.role, parsed)
		}
	}

	var r Role
	if err := r.UnmarshalText([]byte("SIDEWAYS")); err == nil {
		t.Error("Expected error for unknown role")
	}

	data, err := json.Marshal(DeviceDescriptor{ID: "/dev/video2", Role: RoleExternal})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"role":"EXTERNAL"`) {
		t.Errorf("Expected role name in JSON, got %s", data)
	}
}

func TestSessionConfig_Defaults(t *testing.T) {
	cfg := SessionConfig{}.WithDefaults()
	if cfg.Width != 1280 || cfg.Height != 720 || cfg.FPS != 30 {
		t.Errorf("Expected 1280x720x30, got %dx%dx%d", cfg.Width, cfg.Height, cfg.FPS)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to be valid: %v", err)
	}

	invalid := []SessionConfig{
		{Width: 1280, Height: 720, FPS: 500},
		{Width: 100000, Height: 720, FPS: 30},
		{Width: 1280, Height: -1, FPS: 30},
	}
	for _, c := range invalid {
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig for %+v, got %v", c, err)
		}
	}
}

func TestExtractDeviceNumber(t *testing.T) {
	tests := map[string]int{
		"/dev/video0":  0,
		"/dev/video12": 12,
		"/dev/media0":  0,
	}
	for in, want := range tests {
		if got := extractDeviceNumber(in); got != want {
			t.Errorf("extractDeviceNumber(%s): expected %d, got %d", in, want, got)
		}
	}
}
