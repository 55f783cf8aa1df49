package mappings

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// Well-known mapping modules and keys.
const (
	ModuleCustody    = "CUSTODY"
	ModuleOperations = "OPERATIONS"

	KeySuspense          = "SUSPENSE"
	KeyShortage          = "SHORTAGE"
	KeyOverage           = "OVERAGE"
	KeyRemittancePayable = "REMITTANCE_PAYABLE"
	KeyInterbranch       = "INTERBRANCH"
	KeyLoanReceivable    = "LOAN_RECEIVABLE"
)

// AccountMapping links integration keys to ledger accounts.
type AccountMapping struct {
	Module        string
	Key           string
	AccountNumber string
	UpdatedAt     time.Time
}

// ErrMappingNotFound indicates account mapping missing.
var ErrMappingNotFound = fmt.Errorf("ledger: account mapping not found: %w", shared.ErrNotFound)
