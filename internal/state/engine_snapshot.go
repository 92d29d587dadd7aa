package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	EngineSnapshotKey = "engine:last_snapshot"
	fundKeyPrefix     = "fund:"
)

// PriceRecord is one canonical price. Price is an 18-decimal integer string.
type PriceRecord struct {
	Asset    string `json:"asset"`
	Price    string `json:"price"`
	UpdateID uint64 `json:"update_id"`
	UnixTime int64  `json:"unix_time"`
}

type EngineSnapshot struct {
	UpdateID    uint64        `json:"update_id"`
	Operators   []string      `json:"operators"`
	Prices      []PriceRecord `json:"prices"`
	TakenAtMS   int64         `json:"taken_at_ms"`
	FundCount   int           `json:"fund_count"`
	EventCursor uint64        `json:"event_cursor"`
}

// FundSnapshot is the last valuation of a fund. Amounts are 18-decimal integer strings.
type FundSnapshot struct {
	ID             uint64 `json:"id"`
	Address        string `json:"address"`
	Manager        string `json:"manager"`
	Name           string `json:"name"`
	Gav            string `json:"gav"`
	Nav            string `json:"nav"`
	SharePrice     string `json:"share_price"`
	TotalSupply    string `json:"total_supply"`
	UnclaimedFees  string `json:"unclaimed_fees"`
	HighWaterMark  string `json:"high_water_mark"`
	LastAllocation int64  `json:"last_allocation"`
	TakenAtMS      int64  `json:"taken_at_ms"`
}

func FundSnapshotKey(id uint64) string {
	return fmt.Sprintf("%s%08d", fundKeyPrefix, id)
}

func LoadEngineSnapshot(ctx context.Context, store Store) (EngineSnapshot, bool, error) {
	var snapshot EngineSnapshot
	ok, err := loadJSON(ctx, store, EngineSnapshotKey, &snapshot)
	return snapshot, ok, err
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	return saveJSON(ctx, store, EngineSnapshotKey, snapshot)
}

func SaveFundSnapshot(ctx context.Context, store Store, snapshot FundSnapshot) error {
	return saveJSON(ctx, store, FundSnapshotKey(snapshot.ID), snapshot)
}

// LoadFundSnapshots returns every stored fund snapshot ordered by id.
func LoadFundSnapshots(ctx context.Context, store Store) ([]FundSnapshot, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	keys, err := store.Keys(ctx, fundKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]FundSnapshot, 0, len(keys))
	for _, key := range keys {
		var snapshot FundSnapshot
		ok, err := loadJSON(ctx, store, key, &snapshot)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if ok {
			out = append(out, snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func loadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func saveJSON(ctx context.Context, store Store, key string, value any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
