package ledger

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Checksum hashes the immutable content of an entry set with BLAKE2b-256.
func Checksum(set EntrySet) string {
	var b strings.Builder
	b.WriteString(set.Code)
	b.WriteByte('|')
	b.WriteString(set.BranchCode)
	b.WriteByte('|')
	b.WriteString(set.EntryDate.Format("2006-01-02"))
	b.WriteByte('|')
	b.WriteString(set.Currency)
	b.WriteByte('|')
	if set.ReversalOf != nil {
		b.WriteString(set.ReversalOf.String())
	}
	for _, leg := range set.Legs {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(leg.Seq))
		b.WriteByte(':')
		b.WriteString(leg.AccountNumber)
		b.WriteByte(':')
		b.WriteString(string(leg.Side))
		b.WriteByte(':')
		b.WriteString(leg.Amount.String())
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
