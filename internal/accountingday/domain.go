package accountingday

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// Status enumerates accounting day states.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClosed   Status = "CLOSED"
	StatusReopened Status = "REOPENED"
)

// CentralBranch is the single branch key used when the bank runs a centralized day.
const CentralBranch = "*"

// Day is the posting window for one branch and business date.
type Day struct {
	BranchCode    string     `json:"branch_code"`
	Date          time.Time  `json:"date"`
	Status        Status     `json:"status"`
	IsCentralized bool       `json:"is_centralized"`
	OpenedBy      int64      `json:"opened_by"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedBy      *int64     `json:"closed_by,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	ReopenedBy    *int64     `json:"reopened_by,omitempty"`
	ReopenedAt    *time.Time `json:"reopened_at,omitempty"`
	ReopenReason  string     `json:"reopen_reason,omitempty"`
}

// AcceptsPostings reports whether ledger entries may be dated on this day.
func (d Day) AcceptsPostings() bool {
	return d.Status == StatusOpen || d.Status == StatusReopened
}

// BusinessDate truncates t to its calendar date in UTC.
func BusinessDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func normalizeBranch(branch string) string {
	return strings.ToUpper(strings.TrimSpace(branch))
}

var (
	// ErrDayClosed indicates postings are not accepted for the day.
	ErrDayClosed = shared.ErrDayClosed
	// ErrDayNotFound indicates the day was never opened.
	ErrDayNotFound = fmt.Errorf("accountingday: day not found: %w", shared.ErrNotFound)
	// ErrDayAlreadyOpen indicates an open or reopened day already exists.
	ErrDayAlreadyOpen = fmt.Errorf("accountingday: day already open: %w", shared.ErrConflict)
	// ErrPostingsInFlight indicates reserved codes are still unsettled for the day.
	ErrPostingsInFlight = fmt.Errorf("accountingday: postings in flight: %w", shared.ErrConflict)
	// ErrDayInUse indicates ledger entries reference the day.
	ErrDayInUse = fmt.Errorf("accountingday: day has ledger entries: %w", shared.ErrConflict)
	// ErrReasonRequired indicates a reopen without justification.
	ErrReasonRequired = fmt.Errorf("accountingday: reopen reason required: %w", shared.ErrValidation)
)
