// Command reconcile audits cached credit balances against the ledger.
//
// Usage:
//
//	reconcile check              # audit every user with ledger activity
//	reconcile check <userID>     # audit one user
//	reconcile explain <userID>   # print the ledger with running balances
//	reconcile repair <userID>    # write a compensating adjustment entry
//	reconcile repair --all       # repair every drifted user
//
// Exit codes: 0 clean, 1 drift found, 2 operational error.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/vidforge/vidforge/internal/ledger"
	"github.com/vidforge/vidforge/internal/logging"
	"github.com/vidforge/vidforge/internal/outbox"
	"github.com/vidforge/vidforge/internal/reconcile"
)

const (
	exitClean = 0
	exitDrift = 1
	exitError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return exitError
	}

	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL environment variable is required")
		return exitError
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitError
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitError
	}

	lg := ledger.NewPostgresStore(db, outbox.NewPostgresStore(db))
	svc := reconcile.New(lg, logging.New("reconcile", "warn", "text"))
	ctx := context.Background()

	switch os.Args[1] {
	case "check":
		if len(os.Args) > 2 {
			return checkUser(ctx, svc, os.Args[2])
		}
		return checkAll(ctx, svc)
	case "explain":
		if len(os.Args) < 3 {
			usage()
			return exitError
		}
		return explain(ctx, svc, os.Args[2])
	case "repair":
		if len(os.Args) < 3 {
			usage()
			return exitError
		}
		if os.Args[2] == "--all" {
			return repairAll(ctx, svc)
		}
		return repair(ctx, svc, os.Args[2])
	default:
		usage()
		return exitError
	}
}

func checkAll(ctx context.Context, svc *reconcile.Service) int {
	report, err := svc.Check(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		return exitError
	}
	fmt.Printf("checked %d users\n", report.Checked)
	if report.Clean() {
		fmt.Println("ledger and balances agree")
		return exitClean
	}
	for _, d := range report.Drifts {
		fmt.Printf("DRIFT %s: balance=%d ledger=%d diff=%+d\n", d.UserID, d.Balance, d.Sum, d.Diff)
	}
	return exitDrift
}

func checkUser(ctx context.Context, svc *reconcile.Service, userID string) int {
	drift, err := svc.CheckUser(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		return exitError
	}
	if drift.Diff == 0 {
		fmt.Printf("%s balances (balance=%d)\n", userID, drift.Balance)
		return exitClean
	}
	fmt.Printf("DRIFT %s: balance=%d ledger=%d diff=%+d\n", drift.UserID, drift.Balance, drift.Sum, drift.Diff)
	return exitDrift
}

func explain(ctx context.Context, svc *reconcile.Service, userID string) int {
	lines, err := svc.Explain(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "explain failed: %v\n", err)
		return exitError
	}
	if len(lines) == 0 {
		fmt.Printf("no ledger entries for %s\n", userID)
		return exitClean
	}
	for _, l := range lines {
		e := l.Entry
		ref := e.OperationID
		if ref == "" {
			ref = e.RequestID
		}
		fmt.Printf("%s  %-13s %+6d  -> %6d  %s  %s\n",
			e.CreatedAt.Format(time.RFC3339), e.Type, e.Amount, l.Running, ref, e.Description)
	}
	return exitClean
}

func repair(ctx context.Context, svc *reconcile.Service, userID string) int {
	entry, err := svc.Repair(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repair failed: %v\n", err)
		return exitError
	}
	if entry == nil {
		fmt.Printf("%s already balances\n", userID)
		return exitClean
	}
	fmt.Printf("repaired %s: adjustment %+d (entry %s)\n", userID, entry.Amount, entry.ID)
	return exitClean
}

func repairAll(ctx context.Context, svc *reconcile.Service) int {
	report, err := svc.Check(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		return exitError
	}
	if report.Clean() {
		fmt.Printf("checked %d users, nothing to repair\n", report.Checked)
		return exitClean
	}
	for _, d := range report.Drifts {
		entry, err := svc.Repair(ctx, d.UserID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "repair failed for %s: %v\n", d.UserID, err)
			return exitError
		}
		if entry != nil {
			fmt.Printf("repaired %s: adjustment %+d\n", d.UserID, entry.Amount)
		}
	}
	return exitClean
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: reconcile <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  check [userID]     audit balances against ledger sums")
	fmt.Fprintln(os.Stderr, "  explain <userID>   print the ledger with running balances")
	fmt.Fprintln(os.Stderr, "  repair <userID>    write a compensating adjustment entry")
	fmt.Fprintln(os.Stderr, "  repair --all       repair every drifted user")
}
