package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// TrialBalanceAccount represents a row inside a trial balance group.
type TrialBalanceAccount struct {
	Number string          `json:"number"`
	Name   string          `json:"name"`
	Debit  decimal.Decimal `json:"debit"`
	Credit decimal.Decimal `json:"credit"`
}

// TrialBalanceGroup aggregates accounts under one top-level parent.
type TrialBalanceGroup struct {
	Key      string                `json:"key"`
	Accounts []TrialBalanceAccount `json:"accounts"`
	Debit    decimal.Decimal       `json:"debit"`
	Credit   decimal.Decimal       `json:"credit"`
}

// TrialBalance lists postable balances in debit and credit columns.
type TrialBalance struct {
	Currency    string              `json:"currency,omitempty"`
	Groups      []TrialBalanceGroup `json:"groups"`
	TotalDebit  decimal.Decimal     `json:"total_debit"`
	TotalCredit decimal.Decimal     `json:"total_credit"`
	Balanced    bool                `json:"balanced"`
}

// TrialBalance builds the trial balance of postable accounts in the given currency.
// An empty currency includes every account.
func (c *Chart) TrialBalance(currency string) TrialBalance {
	groups := make(map[string]*TrialBalanceGroup)
	keys := make([]string, 0)
	for _, acc := range c.Accounts() {
		if !c.IsPostingLeaf(acc.Number) {
			continue
		}
		if currency != "" && acc.Currency != currency {
			continue
		}
		key := c.root(acc.Number)
		grp, ok := groups[key]
		if !ok {
			grp = &TrialBalanceGroup{Key: key}
			groups[key] = grp
			keys = append(keys, key)
		}
		row := TrialBalanceAccount{Number: acc.Number, Name: acc.Name}
		debitSide := acc.IsDebitNormal == !acc.Balance.IsNegative()
		if debitSide {
			row.Debit = acc.Balance.Abs()
		} else {
			row.Credit = acc.Balance.Abs()
		}
		grp.Accounts = append(grp.Accounts, row)
		grp.Debit = grp.Debit.Add(row.Debit)
		grp.Credit = grp.Credit.Add(row.Credit)
	}

	sort.Strings(keys)
	result := TrialBalance{Currency: currency}
	for _, key := range keys {
		grp := groups[key]
		result.Groups = append(result.Groups, *grp)
		result.TotalDebit = result.TotalDebit.Add(grp.Debit)
		result.TotalCredit = result.TotalCredit.Add(grp.Credit)
	}
	result.Balanced = result.TotalDebit.Equal(result.TotalCredit)
	return result
}

func (c *Chart) root(number string) string {
	for i := 0; i <= len(c.accounts); i++ {
		parent := c.accounts[number].ParentNumber
		if parent == "" {
			return number
		}
		number = parent
	}
	return number
}
