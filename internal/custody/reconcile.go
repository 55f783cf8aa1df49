package custody

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/corebank/internal/platform/db"
)

const reconcileConcurrency = 8

type balanceCheck struct {
	party   PartyKind
	id      int64
	account string
	custody decimal.Decimal
}

// Reconcile compares custody running balances with ledger balances for the branch's
// tellers on date and all of its vaults. Branch "*" covers every branch. Ledger
// balances are current, so the result is meaningful for the latest business date.
// Inside a transaction (the day-close check) balances are read one at a time since
// a connection serves a single query.
func (s *Service) Reconcile(ctx context.Context, branch string, date time.Time) ([]Discrepancy, error) {
	date = BusinessDate(date)
	days, err := s.repo.ListTellerDays(ctx, branch, date)
	if err != nil {
		return nil, err
	}
	vaults, err := s.repo.ListVaults(ctx, branch)
	if err != nil {
		return nil, err
	}

	checks := make([]balanceCheck, 0, len(days)+len(vaults))
	for _, day := range days {
		teller, err := s.repo.GetTeller(ctx, day.TellerID)
		if err != nil {
			return nil, err
		}
		checks = append(checks, balanceCheck{party: PartyTeller, id: day.TellerID, account: teller.TillAccount, custody: day.Balance})
	}
	for _, v := range vaults {
		checks = append(checks, balanceCheck{party: PartyVault, id: v.ID, account: v.VaultAccount, custody: v.Balance})
	}

	found := make([]*Discrepancy, len(checks))
	limit := reconcileConcurrency
	if db.InTx(ctx) {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for idx, check := range checks {
		g.Go(func() error {
			bal, err := s.ledger.GetAccountBalance(gctx, check.account)
			if err != nil {
				return fmt.Errorf("custody: reconcile %s %d: %w", check.party, check.id, err)
			}
			if !bal.Balance.Equal(check.custody) {
				found[idx] = &Discrepancy{
					Party:          check.party,
					ID:             check.id,
					AccountNumber:  check.account,
					CustodyBalance: check.custody,
					LedgerBalance:  bal.Balance,
					Difference:     bal.Balance.Sub(check.custody),
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Discrepancy, 0)
	for _, d := range found {
		if d != nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Party != out[j].Party {
			return out[i].Party < out[j].Party
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CloseCheck vetoes an accounting-day close while custody and ledger disagree.
func (s *Service) CloseCheck(ctx context.Context, branch string, date time.Time) error {
	found, err := s.Reconcile(ctx, branch, date)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}
	for _, d := range found {
		s.logger.Warn("custody discrepancy",
			slog.String("party", string(d.Party)),
			slog.Int64("id", d.ID),
			slog.String("account", d.AccountNumber),
			slog.String("custody", d.CustodyBalance.String()),
			slog.String("ledger", d.LedgerBalance.String()),
		)
	}
	return fmt.Errorf("%w: %d custodians disagree with the ledger", ErrCustodyDiscrepancy, len(found))
}
