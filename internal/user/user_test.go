package user

import (
	"context"
	"errors"
	"testing"
)

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := &User{Email: "a@example.com", Name: "Alice", Tier: TierPro}
	if err := s.Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" {
		t.Fatal("Create did not assign an id")
	}

	got, err := s.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Email != "a@example.com" || got.Tier != TierPro {
		t.Fatalf("unexpected user: %+v", got)
	}

	if _, err := s.Get(ctx, "usr_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user err = %v, want ErrNotFound", err)
	}
}

func TestCreateDefaultsTier(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := &User{Email: "b@example.com"}
	if err := s.Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.Tier != TierFree {
		t.Fatalf("tier = %s, want free", u.Tier)
	}
}

func TestEmailTaken(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, &User{Email: "a@example.com"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, &User{Email: "a@example.com"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email err = %v, want ErrEmailTaken", err)
	}
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		if err := s.Create(ctx, &User{Email: email}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	page, err := s.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len = %d, want 2", len(page))
	}

	rest, _ := s.List(ctx, 2, 2)
	if len(rest) != 1 {
		t.Fatalf("second page len = %d, want 1", len(rest))
	}

	n, _ := s.Count(ctx)
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}
