package shared

// Accounting day permissions.
const (
	PermDayView   = "core.day.view"
	PermDayOpen   = "core.day.open"
	PermDayClose  = "core.day.close"
	PermDayReopen = "core.day.reopen"
	PermDayDelete = "core.day.delete"
)

// DayScopes lists all permissions related to the accounting day gate.
func DayScopes() []string {
	return []string{
		PermDayView,
		PermDayOpen,
		PermDayClose,
		PermDayReopen,
		PermDayDelete,
	}
}
