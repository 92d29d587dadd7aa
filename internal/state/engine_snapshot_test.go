package state

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestEngineSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	snapshot := EngineSnapshot{
		UpdateID:  3,
		Operators: []string{"0x01", "0x02"},
		Prices: []PriceRecord{
			{Asset: "0xaa", Price: "2000000000000000000", UpdateID: 3, UnixTime: 1700000000},
		},
		TakenAtMS:   12345,
		FundCount:   1,
		EventCursor: 42,
	}
	if err := SaveEngineSnapshot(ctx, store, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	got, ok, err := LoadEngineSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to be present")
	}
	if !reflect.DeepEqual(got, snapshot) {
		t.Fatalf("unexpected snapshot: %#v", got)
	}
}

func TestEngineSnapshotMissing(t *testing.T) {
	got, ok, err := LoadEngineSnapshot(context.Background(), &memoryStore{})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot, got %#v", got)
	}
}

func TestEngineSnapshotInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{EngineSnapshotKey: "{"}}
	if _, _, err := LoadEngineSnapshot(context.Background(), store); err == nil {
		t.Fatalf("expected error for invalid snapshot JSON")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	if err := SaveEngineSnapshot(context.Background(), nil, EngineSnapshot{}); err != nil {
		t.Fatalf("save on nil store: %v", err)
	}
	if _, ok, err := LoadEngineSnapshot(context.Background(), nil); ok || err != nil {
		t.Fatalf("expected empty load from nil store, got ok=%v err=%v", ok, err)
	}
}

func TestFundSnapshotsOrderedByID(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	for _, id := range []uint64{10, 2, 7} {
		if err := SaveFundSnapshot(ctx, store, FundSnapshot{ID: id, SharePrice: "1000000000000000000"}); err != nil {
			t.Fatalf("save fund %d: %v", id, err)
		}
	}
	_ = store.Set(ctx, EngineSnapshotKey, "{}")
	got, err := LoadFundSnapshots(ctx, store)
	if err != nil {
		t.Fatalf("load funds: %v", err)
	}
	if len(got) != 3 || got[0].ID != 2 || got[1].ID != 7 || got[2].ID != 10 {
		t.Fatalf("unexpected fund snapshots: %#v", got)
	}
}
