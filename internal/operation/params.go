package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidParams = errors.New("invalid operation parameters")

// Params is the closed union of per-type operation parameters. Exactly one
// field group is meaningful for a given operation type; Validate enforces it.
type Params struct {
	// resize / resize-image
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// convert / convert-image
	Format string `json:"format,omitempty"`

	// crop
	X          int `json:"x,omitempty"`
	Y          int `json:"y,omitempty"`
	CropWidth  int `json:"cropWidth,omitempty"`
	CropHeight int `json:"cropHeight,omitempty"`
}

// videoFormats and imageFormats are the accepted convert targets.
var (
	videoFormats = map[string]bool{"mp4": true, "webm": true, "mov": true, "avi": true, "mkv": true}
	imageFormats = map[string]bool{"jpeg": true, "jpg": true, "png": true, "webp": true, "avif": true}
)

// Validate checks params against the operation type and the source asset.
// srcFormat and srcWidth/srcHeight describe the asset the operation targets.
func (p Params) Validate(opType Type, srcFormat string, srcWidth, srcHeight int) error {
	switch opType {
	case TypeResize, TypeResizeImage:
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("%w: resize requires positive width and height", ErrInvalidParams)
		}
	case TypeConvert, TypeConvertImage:
		format := strings.ToLower(p.Format)
		allowed := videoFormats
		if opType == TypeConvertImage {
			allowed = imageFormats
		}
		if !allowed[format] {
			return fmt.Errorf("%w: unsupported format %q", ErrInvalidParams, p.Format)
		}
		if strings.EqualFold(format, srcFormat) {
			return fmt.Errorf("%w: source is already %s", ErrInvalidParams, srcFormat)
		}
	case TypeCrop:
		if p.CropWidth <= 0 || p.CropHeight <= 0 {
			return fmt.Errorf("%w: crop requires positive dimensions", ErrInvalidParams)
		}
		if p.X < 0 || p.Y < 0 {
			return fmt.Errorf("%w: crop origin must not be negative", ErrInvalidParams)
		}
		if srcWidth > 0 && p.X+p.CropWidth > srcWidth {
			return fmt.Errorf("%w: crop region exceeds source width %d", ErrInvalidParams, srcWidth)
		}
		if srcHeight > 0 && p.Y+p.CropHeight > srcHeight {
			return fmt.Errorf("%w: crop region exceeds source height %d", ErrInvalidParams, srcHeight)
		}
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidParams, opType)
	}
	return nil
}

// Equal reports whether two parameter sets are identical. Used for
// submission-time idempotency checks.
func (p Params) Equal(other Params) bool {
	return p == other
}

// Marshal serializes params to the JSON stored in the database.
func (p Params) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalParams parses the stored JSON blob.
func UnmarshalParams(data []byte) (Params, error) {
	var p Params
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}
