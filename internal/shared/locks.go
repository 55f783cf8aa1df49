package shared

import (
	"fmt"
	"time"
)

// TellerDayLockKey builds redis keys for teller-day custody commands.
func TellerDayLockKey(tellerID int64, date time.Time) string {
	return fmt.Sprintf("custody:teller:%d:%s:lock", tellerID, date.Format("20060102"))
}

// VaultLockKey builds redis keys for vault custody commands.
func VaultLockKey(vaultID int64) string {
	return fmt.Sprintf("custody:vault:%d:lock", vaultID)
}
