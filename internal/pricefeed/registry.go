package pricefeed

import (
	"errors"
	"fmt"

	"fundfeed/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrAlreadyRegistered = ledger.Reject(ledger.KindInvariant, errors.New("already registered"))
	ErrNotRegistered     = ledger.Reject(ledger.KindInvariant, errors.New("not registered"))
	ErrStaleIndex        = ledger.Reject(ledger.KindInvariant, errors.New("index does not hold identifier"))
)

type Asset struct {
	Address  common.Address `yaml:"address"`
	Name     string         `yaml:"name"`
	Symbol   string         `yaml:"symbol"`
	Decimals uint8          `yaml:"decimals"`
	URL      string         `yaml:"url"`
	IPFSHash string         `yaml:"ipfs_hash"`
	// BreakIn and BreakOut are the bridge contracts used to move the asset onto and off the ledger.
	BreakIn            common.Address `yaml:"break_in"`
	BreakOut           common.Address `yaml:"break_out"`
	StandardsSupported []string       `yaml:"standards"`
	FunctionSignatures []string       `yaml:"functions"`
}

type Exchange struct {
	Address      common.Address
	Adapter      common.Address
	TakesCustody bool
	Methods      [][4]byte
}

// Selector is the 4-byte method identifier of a function signature such as
// "makeOrder(address,address[5],uint256[8],bytes32,uint8,bytes32,bytes32)".
func Selector(signature string) [4]byte {
	var out [4]byte
	copy(out[:], crypto.Keccak256([]byte(signature))[:4])
	return out
}

// Registry is an ordered collection keyed by a stable identifier. Removal by index revalidates
// that the index still holds the identifier.
type Registry[T any] struct {
	order []common.Address
	items map[common.Address]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[common.Address]T)}
}

func (r *Registry[T]) Register(id common.Address, item T) error {
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%s: %w", id.Hex(), ErrAlreadyRegistered)
	}
	r.order = append(r.order, id)
	r.items[id] = item
	return nil
}

func (r *Registry[T]) Update(id common.Address, item T) error {
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("%s: %w", id.Hex(), ErrNotRegistered)
	}
	r.items[id] = item
	return nil
}

// Remove deletes id, which the caller claims sits at index. Later entries shift down by one.
func (r *Registry[T]) Remove(id common.Address, index int) error {
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("%s: %w", id.Hex(), ErrNotRegistered)
	}
	if index < 0 || index >= len(r.order) || r.order[index] != id {
		return fmt.Errorf("%s at %d: %w", id.Hex(), index, ErrStaleIndex)
	}
	r.order = append(r.order[:index], r.order[index+1:]...)
	delete(r.items, id)
	return nil
}

func (r *Registry[T]) Get(id common.Address) (T, bool) {
	item, ok := r.items[id]
	return item, ok
}

func (r *Registry[T]) Has(id common.Address) bool {
	_, ok := r.items[id]
	return ok
}

func (r *Registry[T]) Index(id common.Address) (int, bool) {
	for i, v := range r.order {
		if v == id {
			return i, true
		}
	}
	return 0, false
}

func (r *Registry[T]) IDs() []common.Address {
	return append([]common.Address(nil), r.order...)
}

func (r *Registry[T]) Len() int { return len(r.order) }
