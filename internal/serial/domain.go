package serial

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// OperationType names the business operation a code is reserved for.
type OperationType string

const (
	OpDeposit        OperationType = "DEPOSIT"
	OpWithdrawal     OperationType = "WITHDRAWAL"
	OpTransfer       OperationType = "TRANSFER"
	OpRemittance     OperationType = "REMITTANCE"
	OpLoanRepayment  OperationType = "LOAN_REPAYMENT"
	OpCashProvision  OperationType = "CASH_PROVISION"
	OpEndOfDay       OperationType = "END_OF_DAY"
	OpVariance       OperationType = "VARIANCE"
	OpVaultTransfer  OperationType = "VAULT_TRANSFER"
	OpTellerTransfer OperationType = "TELLER_TRANSFER"
	OpReversal       OperationType = "REVERSAL"
	OpManualEntry    OperationType = "MANUAL_ENTRY"
)

// Status enumerates reservation lifecycle values.
type Status string

const (
	StatusReserved Status = "RESERVED"
	StatusUsed     Status = "USED"
	StatusReverted Status = "REVERTED"
)

// Key identifies one monotonic counter row.
type Key struct {
	BranchCode    string        `json:"branch_code"`
	Date          time.Time     `json:"date"`
	Prefix        string        `json:"prefix"`
	OperationType OperationType `json:"operation_type"`
	InterBranch   bool          `json:"inter_branch"`
}

// Reservation is a single issued code.
type Reservation struct {
	Code         string     `json:"code"`
	Serial       int64      `json:"serial"`
	Key          Key        `json:"key"`
	Status       Status     `json:"status"`
	ReservedAt   time.Time  `json:"reserved_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	RevertedAt   *time.Time `json:"reverted_at,omitempty"`
	RevertReason string     `json:"revert_reason,omitempty"`
}

// Used mirrors the used flag of the serial table.
func (r Reservation) Used() bool {
	return r.Status == StatusUsed
}

// ReserveInput describes a reservation request.
type ReserveInput struct {
	BranchCode    string
	OperationType OperationType
	InterBranch   bool
	Date          time.Time
}

// Validate ensures the reservation request is complete.
func (in ReserveInput) Validate() error {
	if strings.TrimSpace(in.BranchCode) == "" {
		return fmt.Errorf("%w: serial: branch code required", shared.ErrValidation)
	}
	if strings.ContainsRune(in.BranchCode, '-') {
		return fmt.Errorf("%w: serial: branch code must not contain '-'", shared.ErrValidation)
	}
	if in.OperationType == "" {
		return fmt.Errorf("%w: serial: operation type required", shared.ErrValidation)
	}
	if in.Date.IsZero() {
		return fmt.Errorf("%w: serial: date required", shared.ErrValidation)
	}
	return nil
}

// FormatCode renders {prefix}-{branch}-{yyyyMMdd}{serial}, zero padding the serial to width.
func FormatCode(prefix, branchCode string, date time.Time, serial int64, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	return fmt.Sprintf("%s-%s-%s%0*d", prefix, branchCode, date.Format("20060102"), width, serial)
}

// BusinessDate truncates t to its calendar date in UTC.
func BusinessDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DefaultWidth is the zero padding applied to serial numbers.
const DefaultWidth = 4

var (
	// ErrDuplicateCode indicates the code was already consumed.
	ErrDuplicateCode = shared.ErrDuplicateCode
	// ErrCodeNotFound indicates the code was never reserved.
	ErrCodeNotFound = fmt.Errorf("serial: code not found: %w", shared.ErrNotFound)
	// ErrCodeReverted indicates the reservation was reverted and cannot be used.
	ErrCodeReverted = fmt.Errorf("serial: code reverted: %w", shared.ErrConflict)
	// ErrCodeAlreadyUsed indicates a used code cannot be reverted.
	ErrCodeAlreadyUsed = fmt.Errorf("serial: code already used: %w", shared.ErrConflict)
	// ErrUnknownOperation indicates no prefix is configured for the operation.
	ErrUnknownOperation = fmt.Errorf("serial: unknown operation type: %w", shared.ErrValidation)
	// ErrPrefixCollision indicates two operations would share a code prefix.
	ErrPrefixCollision = fmt.Errorf("serial: prefix collision: %w", shared.ErrValidation)
	// errStatusMismatch is returned by repositories when a conditional update matched no row.
	errStatusMismatch = errors.New("serial: status mismatch")
)
