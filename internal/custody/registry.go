package custody

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// RegisterTeller creates or updates a teller after checking its till account.
func (s *Service) RegisterTeller(ctx context.Context, teller Teller, actor shared.Actor) (Teller, error) {
	if err := actor.Require(shared.PermCustodyManage); err != nil {
		return Teller{}, err
	}
	teller.Code = strings.ToUpper(strings.TrimSpace(teller.Code))
	teller.BranchCode = strings.ToUpper(strings.TrimSpace(teller.BranchCode))
	teller.TillAccount = strings.TrimSpace(teller.TillAccount)
	if teller.Code == "" || teller.BranchCode == "" {
		return Teller{}, fmt.Errorf("%w: custody: teller code and branch required", shared.ErrValidation)
	}
	switch teller.Type {
	case TellerPrimary, TellerSub, TellerDailyCollector, TellerNoneCash:
	default:
		return Teller{}, fmt.Errorf("%w: custody: unknown teller type %q", shared.ErrValidation, teller.Type)
	}
	if teller.Type.HandlesCash() {
		if teller.TillAccount == "" {
			return Teller{}, fmt.Errorf("%w: custody: till account required", shared.ErrValidation)
		}
		if _, err := s.ledger.GetAccountBalance(ctx, teller.TillAccount); err != nil {
			return Teller{}, err
		}
	}
	if teller.PrimaryTellerID != nil {
		if teller.Type != TellerSub && teller.Type != TellerDailyCollector {
			return Teller{}, fmt.Errorf("%w: custody: only sub tellers report to a primary teller", shared.ErrValidation)
		}
		primary, err := s.repo.GetTeller(ctx, *teller.PrimaryTellerID)
		if err != nil {
			return Teller{}, err
		}
		if primary.Type != TellerPrimary || primary.BranchCode != teller.BranchCode {
			return Teller{}, fmt.Errorf("%w: custody: teller %d is not a primary teller of %s", shared.ErrValidation, primary.ID, teller.BranchCode)
		}
	}
	saved, err := s.repo.SaveTeller(ctx, teller)
	if err != nil {
		return Teller{}, err
	}
	s.record(ctx, actor.ID, "custody.teller.save", saved.Code, map[string]any{"type": string(saved.Type)})
	return saved, nil
}

// RegisterVault creates a vault. Its custody balance starts at the vault account's
// ledger balance.
func (s *Service) RegisterVault(ctx context.Context, vault Vault, actor shared.Actor) (Vault, error) {
	if err := actor.Require(shared.PermCustodyManage); err != nil {
		return Vault{}, err
	}
	vault.Code = strings.ToUpper(strings.TrimSpace(vault.Code))
	vault.BranchCode = strings.ToUpper(strings.TrimSpace(vault.BranchCode))
	if vault.Code == "" || vault.BranchCode == "" || strings.TrimSpace(vault.VaultAccount) == "" {
		return Vault{}, fmt.Errorf("%w: custody: vault code, branch and account required", shared.ErrValidation)
	}
	bal, err := s.ledger.GetAccountBalance(ctx, vault.VaultAccount)
	if err != nil {
		return Vault{}, err
	}
	vault.Balance = bal.Balance
	vault.UpdatedAt = s.now().UTC()
	saved, err := s.repo.SaveVault(ctx, vault)
	if err != nil {
		return Vault{}, err
	}
	s.record(ctx, actor.ID, "custody.vault.save", saved.Code, nil)
	return saved, nil
}

// Teller returns one teller.
func (s *Service) Teller(ctx context.Context, id int64) (Teller, error) {
	return s.repo.GetTeller(ctx, id)
}

// Tellers lists tellers of a branch.
func (s *Service) Tellers(ctx context.Context, branch string) ([]Teller, error) {
	return s.repo.ListTellers(ctx, strings.ToUpper(strings.TrimSpace(branch)))
}

// Vault returns one vault.
func (s *Service) Vault(ctx context.Context, id int64) (Vault, error) {
	return s.repo.GetVault(ctx, id)
}

func (s *Service) Vaults(ctx context.Context, branch string) ([]Vault, error) {
	return s.repo.ListVaults(ctx, strings.ToUpper(strings.TrimSpace(branch)))
}

// TellerDay returns the custody ledger of a teller for date.
func (s *Service) TellerDay(ctx context.Context, tellerID int64, date time.Time) (TellerDay, error) {
	return s.repo.GetTellerDay(ctx, tellerID, BusinessDate(date))
}

// Variances lists variances recorded for a teller-day.
func (s *Service) Variances(ctx context.Context, tellerID int64, date time.Time) ([]Variance, error) {
	return s.repo.ListVariances(ctx, tellerID, BusinessDate(date))
}

// History lists cash hand-overs of a teller-day.
func (s *Service) History(ctx context.Context, tellerID int64, date time.Time) ([]Provisioning, error) {
	return s.repo.ListHistory(ctx, tellerID, BusinessDate(date))
}

// VarianceApprovals returns the submit/approve trail of a variance.
func (s *Service) VarianceApprovals(ctx context.Context, id uuid.UUID) ([]shared.ApprovalLog, error) {
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, approvalModule, id)
}
