package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vidforge/vidforge/internal/operation"
)

func TestPathLayout(t *testing.T) {
	l := New("/data")

	cases := []struct {
		got  string
		want string
	}{
		{l.SourcePath("vid_a", "mp4"), "/data/vid_a/original.mp4"},
		{l.DerivedPath("vid_a", operation.TypeResize, operation.Params{Width: 640, Height: 480}, "mp4"), "/data/vid_a/resize_640x480.mp4"},
		{l.DerivedPath("vid_a", operation.TypeConvert, operation.Params{Format: "webm"}, "mp4"), "/data/vid_a/converted.webm"},
		{l.DerivedPath("vid_a", operation.TypeCrop, operation.Params{X: 10, Y: 20, CropWidth: 300, CropHeight: 200}, "mp4"), "/data/vid_a/crop_10_20_300x200.mp4"},
		{l.DerivedPath("img_b", operation.TypeResizeImage, operation.Params{Width: 100, Height: 100}, "png"), "/data/img_b/resize_100x100.png"},
		{l.AudioPath("vid_a"), "/data/vid_a/audio.mp3"},
		{l.ThumbnailPath("vid_a"), "/data/vid_a/thumbnail.jpg"},
	}
	for _, c := range cases {
		if c.got != filepath.FromSlash(c.want) {
			t.Errorf("path = %q, want %q", c.got, c.want)
		}
	}
}

func TestSaveSourceRoundtrip(t *testing.T) {
	l := New(t.TempDir())

	n, err := l.SaveSource("vid_a", "mp4", strings.NewReader("hello video"), 1<<20)
	if err != nil {
		t.Fatalf("SaveSource: %v", err)
	}
	if n != int64(len("hello video")) {
		t.Fatalf("size = %d, want %d", n, len("hello video"))
	}

	data, err := os.ReadFile(l.SourcePath("vid_a", "mp4"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello video" {
		t.Fatalf("content = %q", data)
	}
	if size, err := CheckFile(l.SourcePath("vid_a", "mp4")); err != nil || size != n {
		t.Fatalf("CheckFile = (%d, %v), want (%d, nil)", size, err, n)
	}
}

func TestSaveSourceEnforcesLimit(t *testing.T) {
	l := New(t.TempDir())

	_, err := l.SaveSource("vid_a", "mp4", strings.NewReader("0123456789"), 5)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("SaveSource = %v, want ErrTooLarge", err)
	}
	// The partial file must not linger.
	if _, err := os.Stat(l.SourcePath("vid_a", "mp4")); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind: %v", err)
	}

	// Exactly at the limit is fine.
	if _, err := l.SaveSource("vid_b", "mp4", strings.NewReader("01234"), 5); err != nil {
		t.Fatalf("SaveSource at limit: %v", err)
	}
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()

	if _, err := CheckFile(filepath.Join(dir, "nope")); !errors.Is(err, ErrMissing) {
		t.Fatalf("missing = %v, want ErrMissing", err)
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CheckFile(empty); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty = %v, want ErrEmpty", err)
	}
}

func TestRemoveAsset(t *testing.T) {
	l := New(t.TempDir())

	if _, err := l.SaveSource("vid_a", "mp4", strings.NewReader("x"), 10); err != nil {
		t.Fatalf("SaveSource: %v", err)
	}
	if err := l.RemoveAsset("vid_a"); err != nil {
		t.Fatalf("RemoveAsset: %v", err)
	}
	if _, err := os.Stat(l.AssetDir("vid_a")); !os.IsNotExist(err) {
		t.Fatalf("asset dir still present: %v", err)
	}
	// Removing an asset that never stored anything is not an error.
	if err := l.RemoveAsset("vid_b"); err != nil {
		t.Fatalf("RemoveAsset on absent dir: %v", err)
	}
}

func TestETag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	fi1, _ := os.Stat(path)
	fi2, _ := os.Stat(path)
	if ETag(fi1) != ETag(fi2) {
		t.Fatal("ETag not stable for unchanged file")
	}
	if !strings.HasPrefix(ETag(fi1), `"3-`) {
		t.Fatalf("ETag = %q, want size prefix", ETag(fi1))
	}

	if err := os.WriteFile(path, []byte("abcdef"), 0o644); err != nil {
		t.Fatal(err)
	}
	fi3, _ := os.Stat(path)
	if ETag(fi1) == ETag(fi3) {
		t.Fatal("ETag unchanged after rewrite")
	}
}

func TestMIMEType(t *testing.T) {
	for format, want := range map[string]string{
		"mp4":  "video/mp4",
		"webm": "video/webm",
		"mp3":  "audio/mpeg",
		"jpg":  "image/jpeg",
		"jpeg": "image/jpeg",
		"png":  "image/png",
		"new":  "application/octet-stream",
	} {
		if got := MIMEType(format); got != want {
			t.Errorf("MIMEType(%q) = %q, want %q", format, got, want)
		}
	}
}
