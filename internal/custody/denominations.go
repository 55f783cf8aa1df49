package custody

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// SumDenominations totals value × count over a denomination breakdown.
//
// The breakdown is an array of objects. Only the "value" and "count" members are read;
// anything else (labels, note/coin kind, serial ranges) is carried verbatim for audit.
// Lines missing either member contribute nothing.
func SumDenominations(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, nil
	}
	var lines []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &lines); err != nil {
		return decimal.Zero, fmt.Errorf("%w: custody: denominations must be an array of objects", shared.ErrValidation)
	}
	total := decimal.Zero
	for idx, line := range lines {
		valueRaw, okValue := line["value"]
		countRaw, okCount := line["count"]
		if !okValue || !okCount {
			continue
		}
		var value, count decimal.Decimal
		if err := value.UnmarshalJSON(valueRaw); err != nil {
			return decimal.Zero, fmt.Errorf("%w: custody: denomination %d value: %v", shared.ErrValidation, idx, err)
		}
		if err := count.UnmarshalJSON(countRaw); err != nil {
			return decimal.Zero, fmt.Errorf("%w: custody: denomination %d count: %v", shared.ErrValidation, idx, err)
		}
		if value.IsNegative() || count.IsNegative() || !count.Equal(count.Truncate(0)) {
			return decimal.Zero, fmt.Errorf("%w: custody: denomination %d must have a non-negative value and whole count", shared.ErrValidation, idx)
		}
		total = total.Add(value.Mul(count))
	}
	return total, nil
}
