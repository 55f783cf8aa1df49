package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// AccountDrift reports a stored balance that differs from the sum of its legs.
type AccountDrift struct {
	AccountNumber string          `json:"account_number"`
	Stored        decimal.Decimal `json:"stored"`
	FromLegs      decimal.Decimal `json:"from_legs"`
}

// IntegrityReport summarises an integrity run.
type IntegrityReport struct {
	Date               time.Time      `json:"date"`
	SetsChecked        int            `json:"sets_checked"`
	ChecksumMismatches []string       `json:"checksum_mismatches,omitempty"`
	Unbalanced         []string       `json:"unbalanced,omitempty"`
	Drift              []AccountDrift `json:"drift,omitempty"`
}

// OK reports whether no violation was found.
func (r IntegrityReport) OK() bool {
	return len(r.ChecksumMismatches) == 0 && len(r.Unbalanced) == 0 && len(r.Drift) == 0
}

// VerifyIntegrity recomputes checksums and balances of the day's entry sets and
// compares every stored account balance with the sum of its legs.
func (s *Service) VerifyIntegrity(ctx context.Context, date time.Time) (IntegrityReport, error) {
	report := IntegrityReport{Date: businessDate(date)}
	sets, err := s.repo.ListByDate(ctx, report.Date)
	if err != nil {
		return IntegrityReport{}, err
	}
	for _, set := range sets {
		report.SetsChecked++
		if Checksum(set) != set.Checksum {
			report.ChecksumMismatches = append(report.ChecksumMismatches, set.Code)
		}
		debit, credit := set.Totals()
		if !debit.Equal(credit) || len(set.Legs) < 2 {
			report.Unbalanced = append(report.Unbalanced, set.Code)
		}
	}

	sums, err := s.repo.SumLegsByAccount(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}
	for _, acc := range accounts {
		if !acc.IsPostable {
			continue
		}
		fromLegs := sums[acc.Number]
		if !fromLegs.Equal(acc.Balance) {
			report.Drift = append(report.Drift, AccountDrift{AccountNumber: acc.Number, Stored: acc.Balance, FromLegs: fromLegs})
		}
	}
	if !report.OK() {
		s.logger.Error("ledger integrity violations",
			slog.Time("date", report.Date),
			slog.Int("checksum_mismatches", len(report.ChecksumMismatches)),
			slog.Int("unbalanced", len(report.Unbalanced)),
			slog.Int("drift", len(report.Drift)))
	}
	return report, nil
}
