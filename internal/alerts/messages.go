package alerts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

func OperatorsChanged(operators []common.Address) string {
	if len(operators) == 0 {
		return "fundfeed: operator set is now empty"
	}
	lines := make([]string, 0, len(operators)+1)
	lines = append(lines, fmt.Sprintf("fundfeed: operator set changed (%d)", len(operators)))
	for i, op := range operators {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, op.Hex()))
	}
	return strings.Join(lines, "\n")
}

// RoundFailed describes a collection round where no asset reached the minimum number of
// operator updates. skipped maps asset symbols to how many operators reported them.
func RoundFailed(updateID uint64, skipped map[string]int, minimum int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fundfeed: price round after update %d produced no prices (minimum %d reports)", updateID, minimum)
	for _, sym := range sortedKeys(skipped) {
		fmt.Fprintf(&b, "\n%s: %d", sym, skipped[sym])
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
