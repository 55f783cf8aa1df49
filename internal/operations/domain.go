package operations

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/ledger"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// Kind names a money-moving operation.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdrawal    Kind = "withdrawal"
	KindTransfer      Kind = "transfer"
	KindRemittance    Kind = "remittance"
	KindLoanRepayment Kind = "loan_repayment"
	KindReversal      Kind = "reversal"
)

// CashInput is a deposit to or a withdrawal from a customer account at a teller.
type CashInput struct {
	Code           string
	IdempotencyKey string
	BranchCode     string
	Date           time.Time
	TellerID       int64
	AccountNumber  string
	Amount         decimal.Decimal
	ReferenceID    string
	Memo           string
}

// TransferInput moves funds between two accounts, possibly held at different branches.
type TransferInput struct {
	Code           string
	IdempotencyKey string
	BranchCode     string
	ToBranchCode   string
	Date           time.Time
	FromAccount    string
	ToAccount      string
	Amount         decimal.Decimal
	ReferenceID    string
	Memo           string
}

// InterBranch reports whether the credit side lives at another branch.
func (in TransferInput) InterBranch() bool {
	return in.ToBranchCode != "" && in.ToBranchCode != in.BranchCode
}

// RemittanceInput takes cash at a teller for payout to a beneficiary elsewhere.
type RemittanceInput struct {
	Code           string
	IdempotencyKey string
	BranchCode     string
	Date           time.Time
	TellerID       int64
	Amount         decimal.Decimal
	Beneficiary    string
	ReferenceID    string
	Memo           string
}

// LoanRepaymentInput repays a loan either in cash at a teller or from a customer account.
type LoanRepaymentInput struct {
	Code           string
	IdempotencyKey string
	BranchCode     string
	Date           time.Time
	LoanID         string
	TellerID       int64
	AccountNumber  string
	Amount         decimal.Decimal
	Memo           string
}

// ReverseInput cancels a booked operation. TellerID is set when the original moved cash.
type ReverseInput struct {
	Code           string
	IdempotencyKey string
	EntrySetID     uuid.UUID
	Date           time.Time
	TellerID       int64
	Memo           string
}

// Result is the outcome of a booked operation.
type Result struct {
	Kind     Kind            `json:"kind"`
	Code     string          `json:"code"`
	EntrySet ledger.EntrySet `json:"entry_set"`
}

var (
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = fmt.Errorf("operations: amount must be positive: %w", shared.ErrValidation)
	// ErrLoanNotRepayable indicates the loan is closed, in another currency or owes less.
	ErrLoanNotRepayable = fmt.Errorf("operations: loan cannot take this repayment: %w", shared.ErrValidation)
)
