// Package operation tracks media transformations requested against an asset.
//
// An operation is created in status "pending" when a job is submitted,
// moves to "processing" when a worker picks it up, and terminates in
// "completed" or "failed". Transitions are forward-only.
package operation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("operation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Type identifies the kind of transformation.
type Type string

const (
	TypeResize       Type = "resize"
	TypeConvert      Type = "convert"
	TypeCrop         Type = "crop"
	TypeResizeImage  Type = "resize-image"
	TypeConvertImage Type = "convert-image"
)

// Types lists every queueable operation type.
var Types = []Type{TypeResize, TypeConvert, TypeCrop, TypeResizeImage, TypeConvertImage}

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// IsImage reports whether t operates on image assets.
func (t Type) IsImage() bool {
	return t == TypeResizeImage || t == TypeConvertImage
}

// Status of an operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal.
// pending → processing → {completed, failed}; pending → failed is also
// allowed so that startup recovery can fail operations whose source
// vanished before any worker touched them.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Operation is one row in the operations table.
type Operation struct {
	ID           int64     `json:"id"`
	AssetID      string    `json:"assetId"`
	Type         Type      `json:"type"`
	Status       Status    `json:"status"`
	Params       Params    `json:"params"`
	ResultPath   string    `json:"resultPath,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Ref returns the ledger/billing reference for an operation id ("op-<id>").
func Ref(id int64) string {
	return fmt.Sprintf("op-%d", id)
}

// IdempotencyKey returns the outbox idempotency key for a lifecycle stage
// ("op:<id>:<stage>").
func IdempotencyKey(id int64, stage string) string {
	return fmt.Sprintf("op:%d:%s", id, stage)
}

// Store persists operations.
type Store interface {
	Add(ctx context.Context, op *Operation) (int64, error)
	Get(ctx context.Context, id int64) (*Operation, error)
	// UpdateStatus applies a forward-only transition. resultPath and
	// errMessage are optional and only stored on terminal transitions.
	UpdateStatus(ctx context.Context, id int64, status Status, resultPath, errMessage string) error
	// Find locates an existing operation for submission-time idempotency.
	Find(ctx context.Context, assetID string, opType Type, params Params) (*Operation, error)
	// ListByStatus returns operations in the given statuses, oldest first.
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Operation, error)
	ListByAsset(ctx context.Context, assetID string) ([]*Operation, error)
}
