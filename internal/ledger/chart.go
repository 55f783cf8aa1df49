package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Chart is an immutable tree view over the chart of accounts.
type Chart struct {
	accounts map[string]Account
	children map[string][]string
	roots    []string
}

// BuildChart indexes accounts and rejects duplicates, orphans and cycles.
func BuildChart(accounts []Account) (*Chart, error) {
	c := &Chart{
		accounts: make(map[string]Account, len(accounts)),
		children: make(map[string][]string),
	}
	for _, acc := range accounts {
		if acc.Number == "" {
			return nil, fmt.Errorf("%w: account without number", ErrInvalidChart)
		}
		if _, dup := c.accounts[acc.Number]; dup {
			return nil, fmt.Errorf("%w: duplicate account %s", ErrInvalidChart, acc.Number)
		}
		c.accounts[acc.Number] = acc
	}
	for _, acc := range accounts {
		if acc.ParentNumber == "" {
			c.roots = append(c.roots, acc.Number)
			continue
		}
		if _, ok := c.accounts[acc.ParentNumber]; !ok {
			return nil, fmt.Errorf("%w: account %s references missing parent %s", ErrInvalidChart, acc.Number, acc.ParentNumber)
		}
		c.children[acc.ParentNumber] = append(c.children[acc.ParentNumber], acc.Number)
	}
	for _, kids := range c.children {
		sort.Strings(kids)
	}
	sort.Strings(c.roots)

	visited := make(map[string]bool, len(c.accounts))
	var walk func(number string, depth int) error
	walk = func(number string, depth int) error {
		if depth > len(c.accounts) {
			return fmt.Errorf("%w: cycle through %s", ErrInvalidChart, number)
		}
		visited[number] = true
		for _, child := range c.children[number] {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range c.roots {
		if err := walk(root, 0); err != nil {
			return nil, err
		}
	}
	if len(visited) != len(c.accounts) {
		for number := range c.accounts {
			if !visited[number] {
				return nil, fmt.Errorf("%w: cycle through %s", ErrInvalidChart, number)
			}
		}
	}
	return c, nil
}

// Account returns the account by number.
func (c *Chart) Account(number string) (Account, bool) {
	acc, ok := c.accounts[number]
	return acc, ok
}

// Accounts returns every account ordered by number.
func (c *Chart) Accounts() []Account {
	out := make([]Account, 0, len(c.accounts))
	for _, acc := range c.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// IsPostingLeaf reports whether legs may reference the account.
func (c *Chart) IsPostingLeaf(number string) bool {
	acc, ok := c.accounts[number]
	if !ok {
		return false
	}
	return acc.IsPostable && len(c.children[number]) == 0
}

// RollUp aggregates balances from leaves to roots. Child balances are
// converted to the parent's normal side before they are added.
func (c *Chart) RollUp() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.accounts))
	var sum func(number string) decimal.Decimal
	sum = func(number string) decimal.Decimal {
		acc := c.accounts[number]
		total := acc.Balance
		for _, child := range c.children[number] {
			childTotal := sum(child)
			if c.accounts[child].IsDebitNormal != acc.IsDebitNormal {
				childTotal = childTotal.Neg()
			}
			total = total.Add(childTotal)
		}
		out[number] = total
		return total
	}
	for _, root := range c.roots {
		sum(root)
	}
	return out
}

// Validate checks legs against the chart: existence, postability and currency.
func (c *Chart) Validate(currency string, legs []LegInput) error {
	for idx, leg := range legs {
		acc, ok := c.accounts[leg.AccountNumber]
		if !ok || !c.IsPostingLeaf(leg.AccountNumber) {
			return fmt.Errorf("%w: leg %d account %s", ErrUnknownAccount, idx, leg.AccountNumber)
		}
		if acc.Currency != currency {
			return fmt.Errorf("%w: account %s is %s, entry is %s", ErrCurrencyMismatch, acc.Number, acc.Currency, currency)
		}
	}
	return nil
}
