// Package user holds account identity and tier. Credit balances live on the
// same users row but are mutated exclusively through the ledger package.
package user

import (
	"context"
	"errors"
	"time"

	"github.com/vidforge/vidforge/internal/idgen"
)

var (
	ErrNotFound   = errors.New("user not found")
	ErrEmailTaken = errors.New("email already registered")
)

// Tier controls upload limits. Free accounts are capped at a smaller source
// file size than pro accounts.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

func (t Tier) Valid() bool {
	return t == TierFree || t == TierPro
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Tier      Tier      `json:"tier"`
	Balance   int64     `json:"balance"` // cached column; the ledger is authoritative
	CreatedAt time.Time `json:"createdAt"`
}

// NewID returns a fresh user id.
func NewID() string {
	return idgen.WithPrefix("usr_")
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, limit, offset int) ([]*User, error)
	Count(ctx context.Context) (int, error)
}
