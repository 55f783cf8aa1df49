package custody

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/corebank/internal/ledger"
)

// TellerForSet returns the teller whose till the entry set touches, or zero when
// the set moves no till.
func (s *Service) TellerForSet(ctx context.Context, set ledger.EntrySet) (int64, error) {
	tills, _, err := s.custodyAccounts(ctx)
	if err != nil {
		return 0, err
	}
	for _, leg := range set.Legs {
		if id, ok := tills[leg.AccountNumber]; ok {
			return id, nil
		}
	}
	return 0, nil
}

// CheckReversal vets a reversal of original. Till movements may only be reversed
// with a custody extension attached; vault movements belong to custody commands.
func (s *Service) CheckReversal(ctx context.Context, original ledger.EntrySet, extended bool) error {
	tills, vaults, err := s.custodyAccounts(ctx)
	if err != nil {
		return err
	}
	for _, leg := range original.Legs {
		if _, ok := vaults[leg.AccountNumber]; ok {
			return fmt.Errorf("%w: %s touches vault account %s", ErrCustodyReversal, original.Code, leg.AccountNumber)
		}
		if _, ok := tills[leg.AccountNumber]; ok && !extended {
			return fmt.Errorf("%w: %s touches till %s, reverse it through its teller", ErrCustodyReversal, original.Code, leg.AccountNumber)
		}
	}
	return nil
}

func (s *Service) custodyAccounts(ctx context.Context) (map[string]int64, map[string]int64, error) {
	tellers, err := s.repo.ListTellers(ctx, "*")
	if err != nil {
		return nil, nil, err
	}
	vaults, err := s.repo.ListVaults(ctx, "*")
	if err != nil {
		return nil, nil, err
	}
	tills := make(map[string]int64, len(tellers))
	for _, t := range tellers {
		if t.TillAccount != "" {
			tills[t.TillAccount] = t.ID
		}
	}
	byAccount := make(map[string]int64, len(vaults))
	for _, v := range vaults {
		byAccount[v.VaultAccount] = v.ID
	}
	return tills, byAccount, nil
}
