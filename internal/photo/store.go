// Package photo 静止画の保存と整理を担う
package photo

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// ファイル名の規則
const (
	FilePrefix = "USB_CAM_"
	FileExt    = ".jpg"
	timeLayout = "20060102_150405"
)

// 同一秒内の連番の上限
const maxSuffix = 1000

// ErrInvalidName は規則に合わないファイル名を指定した場合のエラー
var ErrInvalidName = errors.New("無効な写真ファイル名")

// Photo は保存済みの静止画
type Photo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Store は静止画を USB_CAM_yyyyMMdd_HHmmss.jpg の名前で保存する
type Store struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewStore は新しいStoreを作成する
func NewStore(fsys afero.Fs, dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fs:     fsys,
		dir:    dir,
		logger: logger.With("component", "photo"),
		now:    time.Now,
	}
}

// Dir は保存先ディレクトリを返す
func (s *Store) Dir() string {
	return s.dir
}

// Save はJPEGデータを保存し、保存先のパスを返す
// 同じ秒に撮影された場合は _1, _2 ... を付ける
func (s *Store) Save(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("保存するデータが空です")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	base := FilePrefix + s.now().Format(timeLayout)
	for i := 0; i < maxSuffix; i++ {
		name := base + FileExt
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", base, i, FileExt)
		}
		path := filepath.Join(s.dir, name)

		f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("ファイルの作成に失敗: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = s.fs.Remove(path)
			return "", fmt.Errorf("ファイルの書き込みに失敗: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = s.fs.Remove(path)
			return "", fmt.Errorf("ファイルの書き込みに失敗: %w", err)
		}

		s.logger.Debug("静止画を保存しました", "path", path, "bytes", len(data))
		return path, nil
	}
	return "", fmt.Errorf("ファイル名が重複しすぎています: %s", base)
}

// List は保存済みの静止画を新しい順に返す
func (s *Store) List() ([]Photo, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Photo{}, nil
		}
		return nil, fmt.Errorf("保存先の読み込みに失敗: %w", err)
	}

	photos := make([]Photo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isPhotoName(e.Name()) {
			continue
		}
		photos = append(photos, Photo{
			Name:    e.Name(),
			Path:    filepath.Join(s.dir, e.Name()),
			Size:    e.Size(),
			ModTime: e.ModTime(),
		})
	}
	sort.Slice(photos, func(i, j int) bool {
		if photos[i].ModTime.Equal(photos[j].ModTime) {
			return photos[i].Name > photos[j].Name
		}
		return photos[i].ModTime.After(photos[j].ModTime)
	})
	return photos, nil
}

// Open は保存済みの静止画を開く
func (s *Store) Open(name string) (afero.File, error) {
	if !isPhotoName(name) || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	f, err := s.fs.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Prune は maxAge より古い静止画を削除し、削除数を返す
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	photos, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, p := range photos {
		if !p.ModTime.Before(cutoff) {
			continue
		}
		if err := s.fs.Remove(p.Path); err != nil {
			errs = append(errs, fmt.Errorf("%s の削除に失敗: %w", p.Name, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("古い静止画を削除しました", "count", removed, "cutoff", cutoff)
	}
	return removed, errors.Join(errs...)
}

func isPhotoName(name string) bool {
	return strings.HasPrefix(name, FilePrefix) && strings.HasSuffix(name, FileExt)
}
