// Package token implements the fungible transfer interface on top of an in-memory bank that
// tracks balances and allowances for every asset.
package token

import (
	"errors"
	"fmt"
	"sync"

	"fundfeed/internal/fixed"
	"fundfeed/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds     = ledger.Reject(ledger.KindInsufficientResource, errors.New("insufficient balance"))
	ErrInsufficientAllowance = ledger.Reject(ledger.KindInsufficientResource, errors.New("insufficient allowance"))
	ErrZeroAmount            = ledger.Reject(ledger.KindInvariant, errors.New("amount must be positive"))
)

// BurnAddress receives burned stake.
var BurnAddress = common.Address{}

// Transferer is the transfer interface consumed by staking and the fund.
type Transferer interface {
	Asset() common.Address
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
	Approve(owner, spender common.Address, amount *uint256.Int) error
	BalanceOf(account common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
}

// Bank holds every asset's balances.
type Bank struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*uint256.Int
	allowances map[common.Address]map[allowanceKey]*uint256.Int
	supply     map[common.Address]*uint256.Int
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

func NewBank() *Bank {
	return &Bank{
		balances:   make(map[common.Address]map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[allowanceKey]*uint256.Int),
		supply:     make(map[common.Address]*uint256.Int),
	}
}

// Token returns a view on one asset.
func (b *Bank) Token(asset common.Address) *Token {
	return &Token{bank: b, asset: asset}
}

// Mint credits fresh units of asset to account.
func (b *Bank) Mint(asset, account common.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(asset, account, amount)
	b.supply[asset] = fixed.Add(b.supplyOf(asset), amount)
}

func (b *Bank) TotalSupply(asset common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fixed.Clone(b.supplyOf(asset))
}

func (b *Bank) supplyOf(asset common.Address) *uint256.Int {
	if s, ok := b.supply[asset]; ok {
		return s
	}
	return fixed.Zero()
}

func (b *Bank) balance(asset, account common.Address) *uint256.Int {
	if accounts, ok := b.balances[asset]; ok {
		if bal, ok := accounts[account]; ok {
			return bal
		}
	}
	return fixed.Zero()
}

func (b *Bank) credit(asset, account common.Address, amount *uint256.Int) {
	accounts, ok := b.balances[asset]
	if !ok {
		accounts = make(map[common.Address]*uint256.Int)
		b.balances[asset] = accounts
	}
	accounts[account] = fixed.Add(b.balance(asset, account), amount)
}

func (b *Bank) transferLocked(asset, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	bal := b.balance(asset, from)
	if bal.Lt(amount) {
		return fmt.Errorf("transfer %s from %s: %w", fixed.String(amount), from.Hex(), ErrInsufficientFunds)
	}
	b.balances[asset][from] = new(uint256.Int).Sub(bal, amount)
	b.credit(asset, to, amount)
	if to == BurnAddress {
		b.supply[asset] = fixed.Sub(b.supplyOf(asset), amount)
	}
	return nil
}

type Token struct {
	bank  *Bank
	asset common.Address
}

func (t *Token) Asset() common.Address { return t.asset }

func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	return t.bank.transferLocked(t.asset, from, to, amount)
}

// TransferFrom moves amount on behalf of spender. Allowance and balance are both checked
// before anything moves.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	key := allowanceKey{owner: from, spender: spender}
	allowed := t.allowanceLocked(key)
	if allowed.Lt(amount) {
		return fmt.Errorf("transfer %s from %s by %s: %w", fixed.String(amount), from.Hex(), spender.Hex(), ErrInsufficientAllowance)
	}
	if err := t.bank.transferLocked(t.asset, from, to, amount); err != nil {
		return err
	}
	t.bank.allowances[t.asset][key] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) error {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	byKey, ok := t.bank.allowances[t.asset]
	if !ok {
		byKey = make(map[allowanceKey]*uint256.Int)
		t.bank.allowances[t.asset] = byKey
	}
	byKey[allowanceKey{owner: owner, spender: spender}] = fixed.Clone(amount)
	return nil
}

func (t *Token) BalanceOf(account common.Address) *uint256.Int {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	return fixed.Clone(t.bank.balance(t.asset, account))
}

func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	return fixed.Clone(t.allowanceLocked(allowanceKey{owner: owner, spender: spender}))
}

func (t *Token) allowanceLocked(key allowanceKey) *uint256.Int {
	if byKey, ok := t.bank.allowances[t.asset]; ok {
		if v, ok := byKey[key]; ok {
			return v
		}
	}
	return fixed.Zero()
}
