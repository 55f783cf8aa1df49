package custody

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/corebank/internal/shared"
)

func TestSumDenominations(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int64
	}{
		{"empty", ``, 0},
		{"null", `null`, 0},
		{"notes and coins", `[{"value":10000,"count":4,"kind":"NOTE"},{"value":"5000","count":1},{"value":500,"count":9,"kind":"COIN"}]`, 49500},
		{"unknown lines ignored", `[{"label":"bundle strap"},{"value":2000,"count":3}]`, 6000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SumDenominations(json.RawMessage(tc.raw))
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.NewFromInt(tc.want)), "got %s", got)
		})
	}
}

func TestSumDenominationsRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`{"value":1}`, `[{"value":"abc","count":1}]`, `[{"value":100,"count":1.5}]`, `[{"value":-100,"count":1}]`} {
		_, err := SumDenominations(json.RawMessage(raw))
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, shared.ErrValidation), raw)
	}
}
