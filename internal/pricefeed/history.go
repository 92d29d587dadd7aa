package pricefeed

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Record is one canonical price for one asset in one round.
type Record struct {
	Asset     common.Address
	Price     *uint256.Int
	UpdateID  uint64
	Timestamp time.Time
}

// history is append-only; timestamps never decrease.
type history []Record

func (h history) latest() (Record, bool) {
	if len(h) == 0 {
		return Record{}, false
	}
	return h[len(h)-1], true
}

// at returns the last record with Timestamp <= t.
func (h history) at(t time.Time) (Record, bool) {
	i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp.After(t) })
	if i == 0 {
		return Record{}, false
	}
	return h[i-1], true
}

// between returns records with from <= Timestamp <= to.
func (h history) between(from, to time.Time) []Record {
	if to.Before(from) {
		return nil
	}
	lo := sort.Search(len(h), func(i int) bool { return !h[i].Timestamp.Before(from) })
	hi := sort.Search(len(h), func(i int) bool { return h[i].Timestamp.After(to) })
	if lo >= hi {
		return nil
	}
	return append([]Record(nil), h[lo:hi]...)
}
