package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// Side is the direction of a leg.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// Opposite returns the mirrored side.
func (s Side) Opposite() Side {
	if s == SideDebit {
		return SideCredit
	}
	return SideDebit
}

// EntryStatus enumerates entry set lifecycle values.
type EntryStatus string

const (
	EntryStatusPosted   EntryStatus = "POSTED"
	EntryStatusReversed EntryStatus = "REVERSED"
)

// Account models a chart of accounts node with its running balance.
type Account struct {
	Number           string          `json:"number"`
	ParentNumber     string          `json:"parent_number,omitempty"`
	Name             string          `json:"name"`
	Currency         string          `json:"currency"`
	IsDebitNormal    bool            `json:"is_debit_normal"`
	IsBalanceAccount bool            `json:"is_balance_account"`
	IsPostable       bool            `json:"is_postable"`
	CanBeNegative    bool            `json:"can_be_negative"`
	BranchCode       string          `json:"branch_code,omitempty"`
	Balance          decimal.Decimal `json:"balance"`
	Version          int64           `json:"version"`
}

// Effect returns the signed change a leg applies to the account balance,
// positive on the account's normal side.
func (a Account) Effect(side Side, amount decimal.Decimal) decimal.Decimal {
	if (side == SideDebit) == a.IsDebitNormal {
		return amount
	}
	return amount.Neg()
}

// Leg is one debit or credit line of an entry set.
type Leg struct {
	Seq            int             `json:"seq"`
	AccountNumber  string          `json:"account_number"`
	Side           Side            `json:"side"`
	Amount         decimal.Decimal `json:"amount"`
	RunningBalance decimal.Decimal `json:"running_balance"`
}

// EntrySet is an atomic, balanced group of legs.
type EntrySet struct {
	ID          uuid.UUID   `json:"id"`
	Code        string      `json:"code"`
	ReferenceID string      `json:"reference_id,omitempty"`
	BankID      string      `json:"bank_id,omitempty"`
	BranchCode  string      `json:"branch_code"`
	EntryDate   time.Time   `json:"entry_date"`
	ValueDate   time.Time   `json:"value_date"`
	Currency    string      `json:"currency"`
	Status      EntryStatus `json:"status"`
	ReversalOf  *uuid.UUID  `json:"reversal_of,omitempty"`
	ReversedBy  *uuid.UUID  `json:"reversed_by,omitempty"`
	PostedBy    int64       `json:"posted_by"`
	PostedAt    time.Time   `json:"posted_at"`
	Memo        string      `json:"memo,omitempty"`
	Checksum    string      `json:"checksum"`
	Legs        []Leg       `json:"legs"`
}

// Totals returns the debit and credit sums of the set.
func (e EntrySet) Totals() (debit, credit decimal.Decimal) {
	for _, leg := range e.Legs {
		if leg.Side == SideDebit {
			debit = debit.Add(leg.Amount)
		} else {
			credit = credit.Add(leg.Amount)
		}
	}
	return debit, credit
}

// LegInput describes a requested leg.
type LegInput struct {
	AccountNumber string
	Side          Side
	Amount        decimal.Decimal
}

// PostingInput groups fields required to post an entry set.
type PostingInput struct {
	Code        string
	ReferenceID string
	BankID      string
	BranchCode  string
	EntryDate   time.Time
	ValueDate   time.Time
	Currency    string
	Legs        []LegInput
	PostedBy    int64
	Memo        string

	reversalOf *uuid.UUID
}

// Validate checks shape, precision and balance before any account lookup.
func (in PostingInput) Validate() error {
	if strings.TrimSpace(in.Code) == "" {
		return fmt.Errorf("%w: ledger: code required", shared.ErrValidation)
	}
	if strings.TrimSpace(in.BranchCode) == "" {
		return fmt.Errorf("%w: ledger: branch required", shared.ErrValidation)
	}
	if in.EntryDate.IsZero() {
		return fmt.Errorf("%w: ledger: entry date required", shared.ErrValidation)
	}
	if len(in.Legs) < 2 {
		return ErrTooFewLegs
	}
	scale, err := MinorUnits(in.Currency)
	if err != nil {
		return err
	}
	debit, credit := decimal.Zero, decimal.Zero
	for idx, leg := range in.Legs {
		if strings.TrimSpace(leg.AccountNumber) == "" {
			return fmt.Errorf("%w: ledger: leg %d missing account", shared.ErrValidation, idx)
		}
		if !leg.Amount.IsPositive() {
			return fmt.Errorf("%w: leg %d", ErrInvalidAmount, idx)
		}
		if !leg.Amount.Equal(leg.Amount.Truncate(int32(scale))) {
			return fmt.Errorf("%w: leg %d exceeds %d decimals for %s", ErrInvalidAmount, idx, scale, in.Currency)
		}
		switch leg.Side {
		case SideDebit:
			debit = debit.Add(leg.Amount)
		case SideCredit:
			credit = credit.Add(leg.Amount)
		default:
			return fmt.Errorf("%w: ledger: leg %d invalid side %q", shared.ErrValidation, idx, leg.Side)
		}
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalancedEntry, debit, credit)
	}
	return nil
}

// ReverseInput wraps parameters for reversal.
type ReverseInput struct {
	EntrySetID uuid.UUID
	ActorID    int64
	Code       string
	EntryDate  time.Time
	Memo       string
}

// Balance is the current balance of one account.
type Balance struct {
	AccountNumber string          `json:"account_number"`
	Currency      string          `json:"currency"`
	IsDebitNormal bool            `json:"is_debit_normal"`
	Balance       decimal.Decimal `json:"balance"`
}

var (
	ErrUnbalancedEntry           = shared.ErrUnbalancedEntry
	ErrUnknownAccount            = shared.ErrUnknownAccount
	ErrNegativeBalanceNotAllowed = shared.ErrNegativeBalanceNotAllowed
	ErrDuplicateCode             = shared.ErrDuplicateCode

	// ErrTooFewLegs indicates less than two legs.
	ErrTooFewLegs = fmt.Errorf("ledger: entry set requires at least two legs: %w", shared.ErrValidation)
	// ErrInvalidAmount indicates a non-positive amount or one finer than the currency minor unit.
	ErrInvalidAmount = fmt.Errorf("ledger: invalid amount: %w", shared.ErrValidation)
	// ErrCurrencyMismatch indicates a leg account held in another currency.
	ErrCurrencyMismatch = fmt.Errorf("ledger: currency mismatch: %w", shared.ErrValidation)
	// ErrEntrySetNotFound indicates missing entry set.
	ErrEntrySetNotFound = fmt.Errorf("ledger: entry set not found: %w", shared.ErrNotFound)
	// ErrAlreadyReversed indicates the entry set has a reversal.
	ErrAlreadyReversed = fmt.Errorf("ledger: entry set already reversed: %w", shared.ErrConflict)
	// ErrInvalidStatus indicates a reversal cannot itself be reversed.
	ErrInvalidStatus = fmt.Errorf("ledger: reversal entries cannot be reversed: %w", shared.ErrInvalidTransition)
	// ErrInvalidChart indicates orphans, duplicates or cycles in the chart.
	ErrInvalidChart = errors.New("ledger: invalid chart of accounts")
)
