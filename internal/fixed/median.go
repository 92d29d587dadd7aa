package fixed

import (
	"sort"

	"github.com/holiman/uint256"
)

// Median sorts a copy of values ascending and returns the middle element, or the floored
// average of the two middle elements for an even count. Zero entries are ignored.
func Median(values []*uint256.Int) (*uint256.Int, bool) {
	sorted := make([]*uint256.Int, 0, len(values))
	for _, v := range values {
		if v == nil || v.IsZero() {
			continue
		}
		sorted = append(sorted, v)
	}
	if len(sorted) == 0 {
		return nil, false
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Lt(sorted[j])
	})
	n := len(sorted)
	if n%2 == 1 {
		return Clone(sorted[n/2]), true
	}
	lo, hi := sorted[n/2-1], sorted[n/2]
	// lo + (hi-lo)/2 keeps the sum from overflowing near the top of the range.
	half := new(uint256.Int).Rsh(new(uint256.Int).Sub(hi, lo), 1)
	return new(uint256.Int).Add(lo, half), true
}
