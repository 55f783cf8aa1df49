package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/platform/db"
)

// ExitViolations is returned when the ledger fails an integrity check.
const ExitViolations = 10

// IntegrityVerifier checks one business date.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context, date time.Time) (ledger.IntegrityReport, error)
}

// IntegrityOptions defines the flags of the integrity command.
type IntegrityOptions struct {
	Date       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
	Now        func() time.Time
}

// IntegritySummary is the JSON output of the integrity command.
type IntegritySummary struct {
	OK     bool                   `json:"ok"`
	Report ledger.IntegrityReport `json:"report"`
}

func (o *IntegrityOptions) normalise() (time.Time, error) {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	raw := strings.TrimSpace(o.Date)
	if raw == "" {
		y, m, d := o.Now().UTC().AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", o.Date)
	}
	return date, nil
}

// IntegrityCommand verifies the ledger for one date and prints the outcome.
// It returns 0 when clean, ExitViolations when violations were found and 1 on error.
func IntegrityCommand(ctx context.Context, verifier IntegrityVerifier, opts IntegrityOptions) int {
	date, err := opts.normalise()
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return 1
	}
	report, err := verifier.VerifyIntegrity(ctx, date)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(IntegritySummary{OK: report.OK(), Report: report}); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "integrity: encode json: %v\n", err)
			return 1
		}
	} else {
		renderIntegrityHuman(opts.Stdout, report)
	}
	if !report.OK() {
		return ExitViolations
	}
	return 0
}

func renderIntegrityHuman(out io.Writer, report ledger.IntegrityReport) {
	_, _ = fmt.Fprintf(out, "Ledger integrity for %s: %d entry set(s) checked\n", report.Date.Format("2006-01-02"), report.SetsChecked)
	if report.OK() {
		_, _ = fmt.Fprintln(out, "No violations found.")
		return
	}
	for _, code := range report.ChecksumMismatches {
		_, _ = fmt.Fprintf(out, " - checksum mismatch on %s\n", code)
	}
	for _, code := range report.Unbalanced {
		_, _ = fmt.Fprintf(out, " - unbalanced entry set %s\n", code)
	}
	for _, drift := range report.Drift {
		_, _ = fmt.Fprintf(out, " - account %s stored %s, legs sum to %s\n", drift.AccountNumber, drift.Stored, drift.FromLegs)
	}
}

func newIntegrityCommand(a *App) *cobra.Command {
	var opts IntegrityOptions
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Verify entry set checksums, balance and stored account balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()
			if _, err := opts.normalise(); err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
				a.code = 1
				return nil
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			svc := ledger.NewService(ledger.Deps{Repo: ledger.NewRepository(pool), Logger: a.logger(cfg)})
			a.code = IntegrityCommand(ctx, svc, opts)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Date, "date", "", "business date YYYY-MM-DD (empty for the previous day)")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "print the report as JSON")
	return cmd
}
