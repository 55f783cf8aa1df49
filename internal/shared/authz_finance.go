package shared

// Ledger and operation permissions.
const (
	PermSerialReserve = "core.serial.reserve"
	PermLedgerView    = "core.ledger.view"
	PermLedgerPost    = "core.ledger.post"
	PermLedgerReverse = "core.ledger.reverse"
	PermOperations    = "core.operations.execute"
)

// FinanceScopes lists all permissions related to money movement.
func FinanceScopes() []string {
	return []string{
		PermSerialReserve,
		PermLedgerView,
		PermLedgerPost,
		PermLedgerReverse,
		PermOperations,
	}
}
