// Package media stores generated images and videos on local disk and serves
// them back by file name.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the media category. It selects the subdirectory and file prefix.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

var (
	// ErrInvalidName is returned for names the store could not have produced.
	ErrInvalidName = errors.New("invalid media file name")
	// ErrNotFound is returned when a valid name has no file behind it.
	ErrNotFound = errors.New("media file not found")
)

// namePattern matches the names produced by Save.
var namePattern = regexp.MustCompile(`^(image|video)_\d{8}_\d{6}_[0-9a-f]{8}\.(png|jpg|gif|webp|mp4|webm|mov)$`)

// File describes a stored media file.
type File struct {
	Name     string
	Path     string
	URL      string
	MimeType string
	Size     int
}

// Store writes media under <dir>/image and <dir>/video.
type Store struct {
	dir    string
	logger *slog.Logger
	clock  func() time.Time
}

// Options configures a Store.
type Options struct {
	Dir    string
	Logger *slog.Logger
	Clock  func() time.Time
}

// NewStore creates the media directories if needed.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("media directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	for _, kind := range []Kind{KindImage, KindVideo} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create media directory: %w", err)
		}
	}

	return &Store{dir: opts.Dir, logger: opts.Logger, clock: opts.Clock}, nil
}

// Save writes data under a fresh name and returns where it can be fetched.
func (s *Store) Save(kind Kind, data []byte, mimeType string) (File, error) {
	name := fmt.Sprintf("%s_%s_%s.%s",
		kind,
		s.clock().Format("20060102_150405"),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Extension(kind, mimeType),
	)
	path := filepath.Join(s.dir, string(kind), name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return File{}, fmt.Errorf("failed to save %s: %w", kind, err)
	}

	s.logger.Info("media saved", "kind", kind, "file", name, "size", len(data))
	return File{
		Name:     name,
		Path:     path,
		URL:      fmt.Sprintf("/v1/%s/%s", kind, name),
		MimeType: mimeType,
		Size:     len(data),
	}, nil
}

// SaveBase64 decodes b64 and saves it.
func (s *Store) SaveBase64(kind Kind, b64, mimeType string) (File, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return File{}, fmt.Errorf("failed to decode %s data: %w", kind, err)
	}
	return s.Save(kind, data, mimeType)
}

// Path resolves a stored file. Only names matching the store's own naming
// scheme and kind are accepted, so callers can pass user input directly.
func (s *Store) Path(kind Kind, name string) (string, error) {
	if !namePattern.MatchString(name) || !strings.HasPrefix(name, string(kind)+"_") {
		return "", ErrInvalidName
	}

	path := filepath.Join(s.dir, string(kind), name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return path, nil
}

// Cleanup removes files of kind older than maxAge and returns how many were removed.
func (s *Store) Cleanup(kind Kind, maxAge time.Duration) (int, error) {
	cutoff := s.clock().Add(-maxAge)
	dir := filepath.Join(s.dir, string(kind))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !namePattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warn("failed to remove media file", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("old media removed", "kind", kind, "count", removed)
	}
	return removed, nil
}

// Extension picks the file extension for a mime type.
func Extension(kind Kind, mimeType string) string {
	if kind == KindVideo {
		switch {
		case strings.Contains(mimeType, "webm"):
			return "webm"
		case strings.Contains(mimeType, "quicktime"), strings.Contains(mimeType, "mov"):
			return "mov"
		}
		return "mp4"
	}

	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return "jpg"
	case strings.Contains(mimeType, "gif"):
		return "gif"
	case strings.Contains(mimeType, "webp"):
		return "webp"
	}
	return "png"
}

// sniffLen is enough base64 for every signature checked below.
const sniffLen = 32

func sniff(b64 string) []byte {
	if len(b64) > sniffLen {
		b64 = b64[:sniffLen]
	}
	header, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return header
}

// DetectImageMime guesses an image type from the leading bytes of base64
// data. It defaults to image/jpeg.
func DetectImageMime(b64 string) string {
	header := sniff(b64)
	switch {
	case bytes.HasPrefix(header, []byte("\x89PNG")):
		return "image/png"
	case bytes.HasPrefix(header, []byte("\xff\xd8\xff")):
		return "image/jpeg"
	case bytes.HasPrefix(header, []byte("GIF8")):
		return "image/gif"
	case bytes.HasPrefix(header, []byte("RIFF")) && bytes.Contains(header, []byte("WEBP")):
		return "image/webp"
	}
	return "image/jpeg"
}

// DetectVideoMime guesses a video type from the leading bytes of base64
// data. It defaults to video/mp4.
func DetectVideoMime(b64 string) string {
	header := sniff(b64)
	switch {
	case bytes.Contains(header, []byte("ftyp")):
		return "video/mp4"
	case bytes.HasPrefix(header, []byte("\x1a\x45\xdf\xa3")):
		return "video/webm"
	}
	return "video/mp4"
}
