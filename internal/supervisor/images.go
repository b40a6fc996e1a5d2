package supervisor

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
)

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ImageScratch materializes pasted images as temp files the CLI can read,
// and removes them when the execution ends.
type ImageScratch struct {
	dir    string
	logger *logger.Logger
	paths  []string
}

// NewImageScratch creates a scratch area under dir. An empty dir falls back
// to the OS temp directory.
func NewImageScratch(dir string, log *logger.Logger) *ImageScratch {
	if dir == "" {
		dir = os.TempDir()
	}
	return &ImageScratch{dir: dir, logger: log}
}

// Materialize writes each data URL to a file and returns the paths.
// On any failure the files written so far are removed.
func (s *ImageScratch) Materialize(dataURLs []string) ([]string, error) {
	if len(dataURLs) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, apperrors.IO("failed to create image scratch dir", err)
	}

	for _, u := range dataURLs {
		path, err := s.writeOne(u)
		if err != nil {
			s.Cleanup()
			return nil, err
		}
		s.paths = append(s.paths, path)
	}
	return s.paths, nil
}

func (s *ImageScratch) writeOne(dataURL string) (string, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", apperrors.Validation("images", "expected a data: url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", apperrors.Validation("images", "malformed data url")
	}
	mime, _, _ := strings.Cut(meta, ";")
	if !strings.Contains(meta, "base64") {
		return "", apperrors.Validation("images", "only base64 data urls are supported")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", apperrors.Validation("images", "invalid base64 image payload")
	}

	ext, ok := imageExtensions[mime]
	if !ok {
		ext = ".bin"
	}
	path := filepath.Join(s.dir, "img-"+uuid.New().String()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", apperrors.IO("failed to write image file", err)
	}
	return path, nil
}

// Cleanup unlinks every materialized file. Safe to call more than once.
func (s *ImageScratch) Cleanup() {
	for _, path := range s.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove image scratch file",
				zap.String("path", path), zap.Error(err))
		}
	}
	s.paths = nil
}
