package custody

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// TellerType classifies cash handling roles.
type TellerType string

const (
	TellerPrimary        TellerType = "PRIMARY"
	TellerSub            TellerType = "SUB"
	TellerDailyCollector TellerType = "DAILY_COLLECTOR"
	TellerNoneCash       TellerType = "NONE_CASH"
)

// HandlesCash reports whether the teller may hold a float.
func (t TellerType) HandlesCash() bool {
	return t == TellerPrimary || t == TellerSub || t == TellerDailyCollector
}

// DayState enumerates the teller-day lifecycle.
type DayState string

const (
	StateProvisioned              DayState = "PROVISIONED"
	StateOperating                DayState = "OPERATING"
	StateEODSubmitted             DayState = "EOD_SUBMITTED"
	StateConfirmedBySubTeller     DayState = "CONFIRMED_BY_SUB_TELLER"
	StateConfirmedByPrimaryTeller DayState = "CONFIRMED_BY_PRIMARY_TELLER"
	StateConfirmedByAccountant    DayState = "CONFIRMED_BY_ACCOUNTANT"
	StateClosed                   DayState = "CLOSED"
)

// HoldsFloat reports whether cash may still move in or out of the till.
func (s DayState) HoldsFloat() bool {
	return s == StateProvisioned || s == StateOperating
}

// Command names a custody transition.
type Command string

const (
	CmdProvision      Command = "PROVISION"
	CmdCashMovement   Command = "CASH_MOVEMENT"
	CmdSubmitEndOfDay Command = "SUBMIT_END_OF_DAY"
	CmdConfirmSub     Command = "CONFIRM_SUB_TELLER"
	CmdConfirmPrimary Command = "CONFIRM_PRIMARY_TELLER"
	CmdConfirmAccount Command = "CONFIRM_ACCOUNTANT"
	CmdCloseTellerDay Command = "CLOSE_TELLER_DAY"
	CmdTransfer       Command = "TRANSFER"
	CmdReceiveFromSub Command = "RECEIVE_FROM_SUB_TELLER"
)

type transition struct {
	from []DayState
	to   DayState
}

// chain lists the legal states per command. A zero `to` leaves the state unchanged.
var chain = map[Command]transition{
	CmdProvision:      {from: []DayState{StateProvisioned, StateOperating}, to: ""},
	CmdCashMovement:   {from: []DayState{StateProvisioned, StateOperating}, to: StateOperating},
	CmdSubmitEndOfDay: {from: []DayState{StateProvisioned, StateOperating}, to: StateEODSubmitted},
	CmdConfirmSub:     {from: []DayState{StateEODSubmitted}, to: StateConfirmedBySubTeller},
	CmdConfirmPrimary: {from: []DayState{StateConfirmedBySubTeller}, to: StateConfirmedByPrimaryTeller},
	CmdConfirmAccount: {from: []DayState{StateConfirmedByPrimaryTeller}, to: StateConfirmedByAccountant},
	CmdCloseTellerDay: {from: []DayState{StateConfirmedByAccountant}, to: StateClosed},
	CmdTransfer:       {from: []DayState{StateProvisioned, StateOperating}, to: StateOperating},
	CmdReceiveFromSub: {from: []DayState{StateProvisioned, StateOperating}, to: ""},
}

// next validates cmd against the current state and returns the resulting state.
func next(cmd Command, current DayState) (DayState, error) {
	t, ok := chain[cmd]
	if !ok {
		return "", fmt.Errorf("%w: custody: unknown command %s", shared.ErrValidation, cmd)
	}
	for _, from := range t.from {
		if from == current {
			if t.to == "" {
				return current, nil
			}
			return t.to, nil
		}
	}
	return "", fmt.Errorf("%w: %s not allowed from %s", ErrInvalidState, cmd, current)
}

// ProvisioningStatus tracks the sign-off chain of a cash hand-over record.
type ProvisioningStatus string

const (
	ProvisioningPending                  ProvisioningStatus = "PENDING"
	ProvisioningConfirmedBySubTeller     ProvisioningStatus = "CONFIRMED_BY_SUB_TELLER"
	ProvisioningConfirmedByPrimaryTeller ProvisioningStatus = "CONFIRMED_BY_PRIMARY_TELLER"
	ProvisioningConfirmedByAccountant    ProvisioningStatus = "CONFIRMED_BY_ACCOUNTANT"
)

// HandOverKind distinguishes float provisioning from end-of-day returns.
type HandOverKind string

const (
	HandOverOpening HandOverKind = "OPENING"
	HandOverReturn  HandOverKind = "RETURN"
)

// VarianceStatus tracks accountant sign-off.
type VarianceStatus string

const (
	VariancePendingSignOff VarianceStatus = "PENDING_SIGNOFF"
	VarianceSignedOff      VarianceStatus = "SIGNED_OFF"
)

// Teller is a cash handling user with a till account.
type Teller struct {
	ID              int64      `json:"id"`
	Code            string     `json:"code"`
	Name            string     `json:"name"`
	BranchCode      string     `json:"branch_code"`
	Type            TellerType `json:"type"`
	TillAccount     string     `json:"till_account"`
	PrimaryTellerID *int64     `json:"primary_teller_id,omitempty"`
	UserID          int64      `json:"user_id"`
	Active          bool       `json:"active"`
}

// Vault is a branch strong room with its own ledger account.
type Vault struct {
	ID           int64           `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	BranchCode   string          `json:"branch_code"`
	VaultAccount string          `json:"vault_account"`
	Balance      decimal.Decimal `json:"balance"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TellerDay is the custody ledger of one teller for one business date.
type TellerDay struct {
	TellerID       int64           `json:"teller_id"`
	BusinessDate   time.Time       `json:"business_date"`
	BranchCode     string          `json:"branch_code"`
	State          DayState        `json:"state"`
	OpeningFloat   decimal.Decimal `json:"opening_float"`
	CashIn         decimal.Decimal `json:"cash_in"`
	CashOut        decimal.Decimal `json:"cash_out"`
	Balance        decimal.Decimal `json:"balance"`
	DeclaredAmount decimal.Decimal `json:"declared_amount"`
	CountedAmount  decimal.Decimal `json:"counted_amount"`
	Denominations  json.RawMessage `json:"denominations,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Provisioning is one row of the provisioning history.
type Provisioning struct {
	ID            uuid.UUID          `json:"id"`
	Code          string             `json:"code"`
	Kind          HandOverKind       `json:"kind"`
	TellerID      int64              `json:"teller_id"`
	BusinessDate  time.Time          `json:"business_date"`
	VaultID       *int64             `json:"vault_id,omitempty"`
	Amount        decimal.Decimal    `json:"amount"`
	Denominations json.RawMessage    `json:"denominations,omitempty"`
	Status        ProvisioningStatus `json:"status"`
	EntrySetID    *uuid.UUID         `json:"entry_set_id,omitempty"`
	CreatedBy     int64              `json:"created_by"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Variance records declared minus counted cash. A positive amount is a shortage.
type Variance struct {
	ID                uuid.UUID       `json:"id"`
	TellerID          int64           `json:"teller_id"`
	BusinessDate      time.Time       `json:"business_date"`
	Declared          decimal.Decimal `json:"declared"`
	Counted           decimal.Decimal `json:"counted"`
	Amount            decimal.Decimal `json:"amount"`
	Status            VarianceStatus  `json:"status"`
	EntrySetID        *uuid.UUID      `json:"entry_set_id,omitempty"`
	SignOffEntrySetID *uuid.UUID      `json:"signoff_entry_set_id,omitempty"`
	SignedOffBy       *int64          `json:"signed_off_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	SignedOffAt       *time.Time      `json:"signed_off_at,omitempty"`
}

// Shortage reports whether less cash was counted than declared.
func (v Variance) Shortage() bool {
	return v.Amount.IsPositive()
}

// Transition is the idempotency record of an applied command.
type Transition struct {
	Code         string     `json:"code"`
	Command      Command    `json:"command"`
	TellerID     *int64     `json:"teller_id,omitempty"`
	VaultID      *int64     `json:"vault_id,omitempty"`
	BusinessDate time.Time  `json:"business_date"`
	FromState    DayState   `json:"from_state,omitempty"`
	ToState      DayState   `json:"to_state,omitempty"`
	EntrySetID   *uuid.UUID `json:"entry_set_id,omitempty"`
	ActorID      int64      `json:"actor_id"`
	At           time.Time  `json:"at"`
}

// Discrepancy is a custody balance that disagrees with the ledger.
type Discrepancy struct {
	Party          PartyKind       `json:"party"`
	ID             int64           `json:"id"`
	AccountNumber  string          `json:"account_number"`
	CustodyBalance decimal.Decimal `json:"custody_balance"`
	LedgerBalance  decimal.Decimal `json:"ledger_balance"`
	Difference     decimal.Decimal `json:"difference"`
}

// BusinessDate truncates to a UTC calendar date.
func BusinessDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	ErrCustodyDiscrepancy = shared.ErrCustodyDiscrepancy

	ErrTellerNotFound    = fmt.Errorf("custody: teller not found: %w", shared.ErrNotFound)
	ErrVaultNotFound     = fmt.Errorf("custody: vault not found: %w", shared.ErrNotFound)
	ErrTellerDayNotFound = fmt.Errorf("custody: teller day not found: %w", shared.ErrNotFound)
	ErrInvalidState      = fmt.Errorf("custody: %w", shared.ErrInvalidTransition)
	ErrNotCashTeller     = fmt.Errorf("custody: teller does not handle cash: %w", shared.ErrValidation)
	ErrInvalidAmount     = fmt.Errorf("custody: amount must be positive: %w", shared.ErrValidation)
	ErrCodeReplayed      = fmt.Errorf("custody: code already applied to another command: %w", shared.ErrDuplicateCode)
	ErrSelfSignOff       = fmt.Errorf("custody: teller cannot sign off own cash: %w", shared.ErrForbidden)
	ErrInsufficientFloat = fmt.Errorf("custody: insufficient cash: %w", shared.ErrNegativeBalanceNotAllowed)

	// ErrCustodyReversal rejects a reversal the teller-day or vault would not follow.
	ErrCustodyReversal = fmt.Errorf("custody: entry set moves custody cash: %w", shared.ErrValidation)
)
