// Package reconcile audits cached credit balances against ledger entry sums.
// The balance column is a cache; the ledger is authoritative. When the two
// diverge (a bug, a manual fix, a restored backup) the repair path writes one
// compensating entry to bring the ledger back in line with the balance the
// users table already shows. Existing entries are never modified.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vidforge/vidforge/internal/idgen"
	"github.com/vidforge/vidforge/internal/ledger"
)

// Drift is one user's divergence.
type Drift struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`   // cached balance on the users row
	Sum     int64  `json:"ledgerSum"` // sum of the user's ledger entries
	Diff    int64  `json:"diff"`      // balance - sum; the amount a repair entry must add
}

// Report is the outcome of a full check pass.
type Report struct {
	Checked int     `json:"checked"`
	Drifts  []Drift `json:"drifts,omitempty"`
}

// Clean reports whether every checked user balanced.
func (r *Report) Clean() bool {
	return len(r.Drifts) == 0
}

// Line is one ledger entry with the running balance after applying it.
type Line struct {
	Entry   *ledger.Entry `json:"entry"`
	Running int64         `json:"running"`
}

// Service audits and repairs ledger drift.
type Service struct {
	ledger ledger.Store
	logger *slog.Logger
}

func New(lg ledger.Store, logger *slog.Logger) *Service {
	return &Service{ledger: lg, logger: logger}
}

// Check compares the entry sum against the cached balance for every user
// with ledger activity.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	ids, err := s.ledger.AllUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger users: %w", err)
	}

	report := &Report{}
	for _, id := range ids {
		drift, err := s.CheckUser(ctx, id)
		if err != nil {
			return nil, err
		}
		report.Checked++
		if drift.Diff != 0 {
			report.Drifts = append(report.Drifts, *drift)
		}
	}
	return report, nil
}

// CheckUser computes the drift for one user. A user with entries but no
// users row counts as balance zero; the audit reports the anomaly instead of
// failing on it.
func (s *Service) CheckUser(ctx context.Context, userID string) (*Drift, error) {
	balance, err := s.ledger.Balance(ctx, userID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		balance = 0
	} else if err != nil {
		return nil, fmt.Errorf("failed to read balance for %s: %w", userID, err)
	}

	sum, err := s.ledger.SumEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum entries for %s: %w", userID, err)
	}
	return &Drift{UserID: userID, Balance: balance, Sum: sum, Diff: balance - sum}, nil
}

// Explain returns the user's ledger in insertion order with the running
// balance after each entry. The final running value is the sum the check
// compares against the cached balance.
func (s *Service) Explain(ctx context.Context, userID string) ([]Line, error) {
	entries, err := s.ledger.ListEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries for %s: %w", userID, err)
	}

	lines := make([]Line, 0, len(entries))
	var running int64
	for _, e := range entries {
		running += e.Amount
		lines = append(lines, Line{Entry: e, Running: running})
	}
	return lines, nil
}

// Repair writes one compensating entry whose amount equals the user's drift,
// leaving the cached balance untouched. Returns nil when the user already
// balances; the drift is recomputed on entry, so rerunning an interrupted
// repair never double-adjusts.
func (s *Service) Repair(ctx context.Context, userID string) (*ledger.Entry, error) {
	drift, err := s.CheckUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if drift.Diff == 0 {
		return nil, nil
	}

	requestID := "reconcile-" + idgen.Hex(8)
	description := fmt.Sprintf("reconciliation adjustment (balance %d, ledger sum %d)", drift.Balance, drift.Sum)
	entry, err := s.ledger.InsertAdjustment(ctx, userID, drift.Diff, requestID, description)
	if err != nil {
		return nil, fmt.Errorf("failed to insert adjustment for %s: %w", userID, err)
	}
	s.logger.Info("repaired ledger drift",
		"user", userID, "balance", drift.Balance, "sum", drift.Sum, "adjustment", drift.Diff)
	return entry, nil
}
