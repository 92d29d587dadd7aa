package token

import (
	"errors"
	"testing"

	"fundfeed/internal/fixed"
	"fundfeed/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	asset   = common.HexToAddress("0xa1")
	alice   = common.HexToAddress("0xaa")
	bob     = common.HexToAddress("0xbb")
	spender = common.HexToAddress("0xcc")
)

func TestTransferFromNeedsAllowanceAndBalance(t *testing.T) {
	bank := NewBank()
	bank.Mint(asset, alice, fixed.New(100))
	tok := bank.Token(asset)

	err := tok.TransferFrom(spender, alice, bob, fixed.New(10))
	require.ErrorIs(t, err, ErrInsufficientAllowance)
	require.Equal(t, ledger.KindInsufficientResource, ledger.Classify(err))

	require.NoError(t, tok.Approve(alice, spender, fixed.New(500)))
	err = tok.TransferFrom(spender, alice, bob, fixed.New(200))
	require.True(t, errors.Is(err, ErrInsufficientFunds))
	require.Equal(t, uint64(500), tok.Allowance(alice, spender).Uint64(), "allowance untouched on failure")

	require.NoError(t, tok.TransferFrom(spender, alice, bob, fixed.New(60)))
	require.Equal(t, uint64(40), tok.BalanceOf(alice).Uint64())
	require.Equal(t, uint64(60), tok.BalanceOf(bob).Uint64())
	require.Equal(t, uint64(440), tok.Allowance(alice, spender).Uint64())
}

func TestTransferToBurnAddressShrinksSupply(t *testing.T) {
	bank := NewBank()
	bank.Mint(asset, alice, fixed.New(100))
	require.NoError(t, bank.Token(asset).Transfer(alice, BurnAddress, fixed.New(30)))
	require.Equal(t, uint64(70), bank.TotalSupply(asset).Uint64())
}

func TestZeroTransferRejected(t *testing.T) {
	bank := NewBank()
	require.ErrorIs(t, bank.Token(asset).Transfer(alice, bob, fixed.Zero()), ErrZeroAmount)
}
