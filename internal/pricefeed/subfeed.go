package pricefeed

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fundfeed/internal/fixed"
	"fundfeed/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var (
	ErrNotOwner     = ledger.Reject(ledger.KindAuthorization, errors.New("caller does not own feed"))
	ErrNotOperator  = ledger.Reject(ledger.KindAuthorization, errors.New("feed is not an operator"))
	ErrUnknownAsset = ledger.Reject(ledger.KindInvariant, errors.New("asset not registered"))
)

// Entry is the latest price a sub-feed reported for one asset, in 18-decimal quote units.
type Entry struct {
	Price     *uint256.Int
	Timestamp time.Time
}

type PriceInfo struct {
	Valid     bool
	Price     *uint256.Int
	Decimals  uint8
	Timestamp time.Time
}

// SubFeed is one operator's price store. Its address is the identity it stakes under.
type SubFeed struct {
	address   common.Address
	owner     common.Address
	canonical *Canonical
	log       *zap.Logger

	mu      sync.RWMutex
	entries map[common.Address]Entry
}

func (f *SubFeed) Address() common.Address { return f.address }

func (f *SubFeed) Owner() common.Address { return f.owner }

// Update overwrites the entries for assets. The whole call is rejected unless the caller owns the
// feed and the feed currently holds an operator slot.
func (f *SubFeed) Update(caller common.Address, assets []common.Address, prices []*uint256.Int) error {
	if caller != f.owner {
		return ErrNotOwner
	}
	if len(assets) != len(prices) || len(assets) == 0 {
		return fmt.Errorf("%d assets, %d prices: %w", len(assets), len(prices), ledger.ErrInvalidInput)
	}
	if !f.canonical.staking.IsOperator(f.address) {
		return fmt.Errorf("%s: %w", f.address.Hex(), ErrNotOperator)
	}
	for i, asset := range assets {
		if !f.canonical.AssetIsRegistered(asset) {
			return fmt.Errorf("%s: %w", asset.Hex(), ErrUnknownAsset)
		}
		if prices[i] == nil {
			return fmt.Errorf("nil price for %s: %w", asset.Hex(), ledger.ErrInvalidInput)
		}
	}
	now := f.canonical.clock.Now()
	f.mu.Lock()
	for i, asset := range assets {
		f.entries[asset] = Entry{Price: fixed.Clone(prices[i]), Timestamp: now}
	}
	f.mu.Unlock()

	f.canonical.emit("sub-feed-updated", map[string]string{
		"feed":   f.address.Hex(),
		"assets": strconv.Itoa(len(assets)),
	})
	return nil
}

func (f *SubFeed) Entry(asset common.Address) (Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[asset]
	if !ok {
		return Entry{}, false
	}
	return Entry{Price: fixed.Clone(e.Price), Timestamp: e.Timestamp}, true
}

// GetPrice returns the stored price and whether it is non-zero and inside the validity window.
func (f *SubFeed) GetPrice(asset common.Address) (*uint256.Int, bool) {
	e, ok := f.Entry(asset)
	if !ok {
		return fixed.Zero(), false
	}
	return e.Price, f.canonical.isRecent(e.Timestamp) && !e.Price.IsZero()
}

func (f *SubFeed) GetPriceInfo(asset common.Address) PriceInfo {
	e, _ := f.Entry(asset)
	price, valid := f.GetPrice(asset)
	return PriceInfo{Valid: valid, Price: price, Decimals: f.canonical.assetDecimals(asset), Timestamp: e.Timestamp}
}

// GetInvertedPriceInfo reports 1/price, still 18-decimal.
func (f *SubFeed) GetInvertedPriceInfo(asset common.Address) PriceInfo {
	info := f.GetPriceInfo(asset)
	info.Price, info.Valid = invert(info.Price, info.Valid)
	return info
}

// DepositStake moves amount of the owner's staking tokens onto the feed and stakes them under the
// feed's identity. The owner must have approved the feed.
func (f *SubFeed) DepositStake(caller common.Address, amount *uint256.Int) error {
	if caller != f.owner {
		return ErrNotOwner
	}
	tok := f.canonical.stakeToken
	if err := tok.TransferFrom(f.address, f.owner, f.address, amount); err != nil {
		return fmt.Errorf("deposit stake: %w", err)
	}
	pool := f.canonical.staking.Pool()
	if err := tok.Approve(f.address, pool, amount); err != nil {
		f.refund(amount)
		return fmt.Errorf("approve pool: %w", err)
	}
	if err := f.canonical.staking.Stake(f.address, amount); err != nil {
		if resetErr := tok.Approve(f.address, pool, fixed.Zero()); resetErr != nil {
			f.log.Error("pool approval reset failed", zap.String("feed", f.address.Hex()), zap.Error(resetErr))
		}
		f.refund(amount)
		return err
	}
	return nil
}

func (f *SubFeed) Unstake(caller common.Address, amount *uint256.Int) error {
	if caller != f.owner {
		return ErrNotOwner
	}
	return f.canonical.staking.Unstake(f.address, amount)
}

// WithdrawStake releases matured unstaked tokens back to the owner.
func (f *SubFeed) WithdrawStake(caller common.Address) (*uint256.Int, error) {
	if caller != f.owner {
		return fixed.Zero(), ErrNotOwner
	}
	amount, err := f.canonical.staking.WithdrawStake(f.address)
	if err != nil {
		return fixed.Zero(), err
	}
	if err := f.canonical.stakeToken.Transfer(f.address, f.owner, amount); err != nil {
		return fixed.Zero(), fmt.Errorf("return stake to owner: %w", err)
	}
	return amount, nil
}

func (f *SubFeed) StakedAmount() *uint256.Int {
	return f.canonical.staking.StakedAmount(f.address)
}

func (f *SubFeed) refund(amount *uint256.Int) {
	if err := f.canonical.stakeToken.Transfer(f.address, f.owner, amount); err != nil {
		f.log.Error("stake refund failed", zap.String("feed", f.address.Hex()), zap.Error(err))
	}
}

func invert(price *uint256.Int, valid bool) (*uint256.Int, bool) {
	if price == nil || price.IsZero() {
		return fixed.Zero(), false
	}
	out, err := fixed.Div(fixed.One, price)
	if err != nil {
		return fixed.Zero(), false
	}
	return out, valid
}
