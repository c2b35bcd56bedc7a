// Package storage lays out asset files on disk. Every asset owns one
// directory holding the original upload plus any derived outputs, named so
// that the same (type, parameters) always maps to the same path.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/vidforge/vidforge/internal/operation"
)

var (
	ErrMissing  = errors.New("file does not exist")
	ErrEmpty    = errors.New("file is empty")
	ErrTooLarge = errors.New("file exceeds the size limit")
)

// Layout resolves paths under a single root directory.
type Layout struct {
	root string
}

func New(root string) *Layout {
	return &Layout{root: root}
}

func (l *Layout) Root() string { return l.root }

// AssetDir returns the directory owning all files for assetID.
func (l *Layout) AssetDir(assetID string) string {
	return filepath.Join(l.root, assetID)
}

// SourcePath returns the original upload's path.
func (l *Layout) SourcePath(assetID, format string) string {
	return filepath.Join(l.root, assetID, "original."+format)
}

// DerivedPath returns the output path for an operation. srcFormat is the
// source file's format, used by operations that keep the container.
func (l *Layout) DerivedPath(assetID string, typ operation.Type, p operation.Params, srcFormat string) string {
	var name string
	switch typ {
	case operation.TypeResize, operation.TypeResizeImage:
		name = fmt.Sprintf("resize_%dx%d.%s", p.Width, p.Height, srcFormat)
	case operation.TypeConvert, operation.TypeConvertImage:
		name = "converted." + p.Format
	case operation.TypeCrop:
		name = fmt.Sprintf("crop_%d_%d_%dx%d.%s", p.X, p.Y, p.CropWidth, p.CropHeight, srcFormat)
	default:
		name = string(typ) + "." + srcFormat
	}
	return filepath.Join(l.root, assetID, name)
}

// AudioPath returns where extracted audio for a video lands.
func (l *Layout) AudioPath(assetID string) string {
	return filepath.Join(l.root, assetID, "audio.mp3")
}

// ThumbnailPath returns where the upload-time poster frame lands.
func (l *Layout) ThumbnailPath(assetID string) string {
	return filepath.Join(l.root, assetID, "thumbnail.jpg")
}

// EnsureAssetDir creates the asset directory if needed.
func (l *Layout) EnsureAssetDir(assetID string) error {
	return os.MkdirAll(l.AssetDir(assetID), 0o755)
}

// RemoveAsset deletes the asset directory and everything in it.
func (l *Layout) RemoveAsset(assetID string) error {
	return os.RemoveAll(l.AssetDir(assetID))
}

// CheckFile verifies path exists and is non-empty, returning its size. The
// worker runs this both before a transcode (source sanity) and after
// (output sanity).
func CheckFile(path string) (int64, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, ErrMissing
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		return 0, ErrEmpty
	}
	return fi.Size(), nil
}

// SaveSource streams an upload into the asset directory, failing once more
// than maxBytes have been read. The partial file is removed on failure.
func (l *Layout) SaveSource(assetID, format string, r io.Reader, maxBytes int64) (int64, error) {
	if err := l.EnsureAssetDir(assetID); err != nil {
		return 0, fmt.Errorf("failed to create asset dir: %w", err)
	}
	path := l.SourcePath(assetID, format)

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create source file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = closeErr
	}
	if err == nil && n > maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return 0, ErrTooLarge
		}
		return 0, fmt.Errorf("failed to write source file: %w", err)
	}
	return n, nil
}

// ETag derives a cheap validator from file metadata. Derived outputs are
// immutable, so size+mtime is stable for the life of the file.
func ETag(fi os.FileInfo) string {
	return `"` + strconv.FormatInt(fi.Size(), 10) + "-" + strconv.FormatInt(fi.ModTime().Unix(), 16) + `"`
}

// MIMEType maps a container format to its content type.
func MIMEType(format string) string {
	switch format {
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "mov":
		return "video/quicktime"
	case "avi":
		return "video/x-msvideo"
	case "mkv":
		return "video/x-matroska"
	case "mp3":
		return "audio/mpeg"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
