// Package asset stores uploaded video and image metadata. The binary content
// itself lives on disk under the storage layout; rows here carry the
// dimensions and format the validation and transcode paths need.
package asset

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vidforge/vidforge/internal/idgen"
)

var (
	ErrNotFound = errors.New("asset not found")
	ErrNotOwner = errors.New("asset belongs to another user")
)

// Kind separates the two asset families. Each kind has its own table and its
// own operation types.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

type Asset struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Kind      Kind              `json:"kind"`
	Name      string            `json:"name"`
	Format    string            `json:"format"`
	Width     int               `json:"width,omitempty"`
	Height    int               `json:"height,omitempty"`
	SizeBytes int64             `json:"sizeBytes"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewID returns a prefixed asset id: vid_... for videos, img_... for images.
func NewID(kind Kind) string {
	switch kind {
	case KindImage:
		return idgen.WithPrefix("img_")
	default:
		return idgen.WithPrefix("vid_")
	}
}

// KindOf infers the asset kind from the id prefix.
func KindOf(id string) Kind {
	switch {
	case strings.HasPrefix(id, "vid_"):
		return KindVideo
	case strings.HasPrefix(id, "img_"):
		return KindImage
	default:
		return ""
	}
}

// CheckOwner returns ErrNotOwner unless a belongs to userID.
func CheckOwner(a *Asset, userID string) error {
	if a.UserID != userID {
		return ErrNotOwner
	}
	return nil
}

// Store persists assets.
type Store interface {
	Create(ctx context.Context, a *Asset) error
	Get(ctx context.Context, id string) (*Asset, error)
	ListByUser(ctx context.Context, userID string, kind Kind) ([]*Asset, error)
	// Delete removes the asset row and every operation that references it.
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, kind Kind) (int, error)
}
