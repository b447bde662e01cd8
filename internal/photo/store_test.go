package photo

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, now time.Time) (*Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	s := NewStore(fsys, "/data/photos", discardLogger())
	s.now = func() time.Time { return now }
	return s, fsys
}

func TestStore_SaveNamesByTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local)
	s, fsys := newTestStore(t, now)

	path, err := s.Save([]byte{0xff, 0xd8, 0xff})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	want := filepath.Join("/data/photos", "USB_CAM_20260314_092653.jpg")
	if path != want {
		t.Errorf("Expected %s, got %s", want, path)
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) != 3 {
		t.Errorf("Expected 3 bytes, got %d", len(data))
	}
}

func TestStore_SaveSameSecond(t *testing.T) {
	s, _ := newTestStore(t, time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local))

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := s.Save([]byte("jpeg"))
		if err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
		paths = append(paths, filepath.Base(p))
	}

	want := []string{
		"USB_CAM_20260314_092653.jpg",
		"USB_CAM_20260314_092653_1.jpg",
		"USB_CAM_20260314_092653_2.jpg",
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], paths[i])
		}
	}
}

func TestStore_SaveEmpty(t *testing.T) {
	s, _ := newTestStore(t, time.Now())
	if _, err := s.Save(nil); err == nil {
		t.Error("Expected error for empty data")
	}
}

func TestStore_SaveReadOnly(t *testing.T) {
	s := NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/data/photos", discardLogger())
	if _, err := s.Save([]byte("jpeg")); err == nil {
		t.Error("Expected error on read-only filesystem")
	}
}

func TestStore_ListAndOpen(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	s, fsys := newTestStore(t, now)

	if photos, err := s.List(); err != nil || len(photos) != 0 {
		t.Fatalf("Expected empty list before first save, got %v %v", photos, err)
	}

	older, _ := s.Save([]byte("a"))
	s.now = func() time.Time { return now.Add(time.Minute) }
	newer, _ := s.Save([]byte("bb"))
	_ = fsys.Chtimes(older, now, now)
	_ = fsys.Chtimes(newer, now.Add(time.Minute), now.Add(time.Minute))

	// 規則に合わないファイルは無視する
	_ = afero.WriteFile(fsys, "/data/photos/notes.txt", []byte("x"), 0o644)

	photos, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(photos) != 2 {
		t.Fatalf("Expected 2 photos, got %d", len(photos))
	}
	if photos[0].Path != newer || photos[1].Path != older {
		t.Errorf("Expected newest first, got %s, %s", photos[0].Name, photos[1].Name)
	}
	if photos[0].Size != 2 {
		t.Errorf("Expected size 2, got %d", photos[0].Size)
	}

	f, err := s.Open(photos[0].Name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(f)
	_ = f.Close()
	if string(data) != "bb" {
		t.Errorf("Expected bb, got %q", data)
	}

	for _, name := range []string{"../etc/passwd", "notes.txt", "sub/USB_CAM_1.jpg"} {
		if _, err := s.Open(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Open(%s): expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestStore_Prune(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)
	s, fsys := newTestStore(t, now)

	ages := []time.Duration{10 * 24 * time.Hour, 8 * 24 * time.Hour, time.Hour}
	var paths []string
	for i, age := range ages {
		s.now = func() time.Time { return now.Add(-age) }
		p, err := s.Save([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		_ = fsys.Chtimes(p, now.Add(-age), now.Add(-age))
		paths = append(paths, p)
	}
	s.now = func() time.Time { return now }

	removed, err := s.Prune(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if ok, _ := afero.Exists(fsys, paths[2]); !ok {
		t.Error("Expected recent photo to remain")
	}
	for _, p := range paths[:2] {
		if ok, _ := afero.Exists(fsys, p); ok {
			t.Errorf("Expected %s to be removed", p)
		}
	}
}

func TestRetention(t *testing.T) {
	now := time.Now()
	s, fsys := newTestStore(t, now)
	p, _ := s.Save([]byte("old"))
	_ = fsys.Chtimes(p, now.Add(-72*time.Hour), now.Add(-72*time.Hour))

	if _, err := NewRetention(s, 0, "", discardLogger()); err == nil {
		t.Error("Expected error for zero retention days")
	}
	if _, err := NewRetention(s, 1, "every now and then", discardLogger()); err == nil || !strings.Contains(err.Error(), "スケジュール") {
		t.Errorf("Expected schedule error, got %v", err)
	}

	r, err := NewRetention(s, 2, "", discardLogger())
	if err != nil {
		t.Fatalf("NewRetention failed: %v", err)
	}
	r.Start()
	defer func() { _ = r.Stop(t.Context()) }()

	n, err := r.RunOnce()
	if err != nil || n != 1 {
		t.Errorf("Expected 1 removed, got %d (%v)", n, err)
	}
}
