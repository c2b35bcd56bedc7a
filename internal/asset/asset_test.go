package asset

import (
	"context"
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	if KindOf("vid_abc") != KindVideo {
		t.Fatal("vid_ prefix should be a video")
	}
	if KindOf("img_abc") != KindImage {
		t.Fatal("img_ prefix should be an image")
	}
	if KindOf("op-1") != "" {
		t.Fatal("unknown prefix should have no kind")
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := &Asset{
		UserID:    "usr_1",
		Kind:      KindVideo,
		Name:      "clip.mp4",
		Format:    "mp4",
		Width:     1920,
		Height:    1080,
		SizeBytes: 1024,
	}
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if KindOf(a.ID) != KindVideo {
		t.Fatalf("generated id %q has wrong prefix", a.ID)
	}

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Format != "mp4" || got.Width != 1920 {
		t.Fatalf("unexpected asset: %+v", got)
	}

	if _, err := s.Get(ctx, "vid_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing asset err = %v, want ErrNotFound", err)
	}
}

func TestCheckOwner(t *testing.T) {
	a := &Asset{ID: "vid_1", UserID: "usr_1"}
	if err := CheckOwner(a, "usr_1"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if err := CheckOwner(a, "usr_2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("stranger err = %v, want ErrNotOwner", err)
	}
}

func TestListByUserSplitsKinds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.Create(ctx, &Asset{UserID: "usr_1", Kind: KindVideo, Format: "mp4"})
	s.Create(ctx, &Asset{UserID: "usr_1", Kind: KindImage, Format: "png"})
	s.Create(ctx, &Asset{UserID: "usr_2", Kind: KindVideo, Format: "webm"})

	videos, err := s.ListByUser(ctx, "usr_1", KindVideo)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(videos) != 1 || videos[0].Format != "mp4" {
		t.Fatalf("unexpected videos: %+v", videos)
	}

	images, _ := s.ListByUser(ctx, "usr_1", KindImage)
	if len(images) != 1 || images[0].Format != "png" {
		t.Fatalf("unexpected images: %+v", images)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := &Asset{UserID: "usr_1", Kind: KindVideo}
	s.Create(ctx, a)

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("asset survived delete")
	}
	if err := s.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete err = %v, want ErrNotFound", err)
	}
}
