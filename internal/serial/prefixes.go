package serial

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// interBranchMarker is prepended to the operation prefix for inter-branch codes.
const interBranchMarker = "IB"

// PrefixTable maps operation types to code prefixes.
type PrefixTable map[OperationType]string

// DefaultPrefixes returns the built-in prefix table.
func DefaultPrefixes() PrefixTable {
	return PrefixTable{
		OpDeposit:        "DEP",
		OpWithdrawal:     "WDR",
		OpTransfer:       "TRF",
		OpRemittance:     "RMT",
		OpLoanRepayment:  "LNR",
		OpCashProvision:  "PRV",
		OpEndOfDay:       "EOD",
		OpVariance:       "VAR",
		OpVaultTransfer:  "VTT",
		OpTellerTransfer: "TTT",
		OpReversal:       "REV",
		OpManualEntry:    "JNL",
	}
}

type prefixFile struct {
	Prefixes map[string]string `yaml:"prefixes"`
}

// LoadPrefixes merges the YAML overrides at path onto the defaults.
// An empty path returns the defaults.
func LoadPrefixes(path string) (PrefixTable, error) {
	table := DefaultPrefixes()
	if strings.TrimSpace(path) == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("serial: read prefixes: %w", err)
	}
	return table.merge(raw)
}

func (t PrefixTable) merge(raw []byte) (PrefixTable, error) {
	var file prefixFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("serial: parse prefixes: %w", err)
	}
	out := make(PrefixTable, len(t)+len(file.Prefixes))
	for op, prefix := range t {
		out[op] = prefix
	}
	for op, prefix := range file.Prefixes {
		prefix = strings.ToUpper(strings.TrimSpace(prefix))
		if prefix == "" || strings.ContainsRune(prefix, '-') {
			return nil, fmt.Errorf("serial: invalid prefix %q for %s", prefix, op)
		}
		out[OperationType(strings.ToUpper(op))] = prefix
	}
	if err := out.checkDistinct(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkDistinct rejects tables where two operations, local or inter-branch, would
// print the same code from their separate counters.
func (t PrefixTable) checkDistinct() error {
	ops := make([]OperationType, 0, len(t))
	for op := range t {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	owners := make(map[string]string, 2*len(t))
	for _, op := range ops {
		for _, interBranch := range []bool{false, true} {
			prefix, err := t.Resolve(op, interBranch)
			if err != nil {
				return err
			}
			owner := string(op)
			if interBranch {
				owner += " (inter-branch)"
			}
			if other, taken := owners[prefix]; taken {
				return fmt.Errorf("%w: prefix %s used by %s and %s", ErrPrefixCollision, prefix, other, owner)
			}
			owners[prefix] = owner
		}
	}
	return nil
}

// Resolve derives the code prefix from the operation and inter-branch flag.
func (t PrefixTable) Resolve(op OperationType, interBranch bool) (string, error) {
	prefix, ok := t[op]
	if !ok || prefix == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	if interBranch {
		return interBranchMarker + prefix, nil
	}
	return prefix, nil
}
