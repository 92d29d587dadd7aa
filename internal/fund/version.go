package fund

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"fundfeed/internal/fixed"
	"fundfeed/internal/ledger"
	"fundfeed/internal/pricefeed"
	"fundfeed/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var (
	ErrFundExists      = ledger.Reject(ledger.KindInvariant, errors.New("manager already has a fund"))
	ErrUnknownExchange = ledger.Reject(ledger.KindInvariant, errors.New("exchange not registered"))
	ErrFeeRate         = ledger.Reject(ledger.KindInvariant, errors.New("fee rate above 100%"))
)

// PriceSource is what a fund reads from the canonical feed.
type PriceSource interface {
	QuoteAsset() common.Address
	GetPrice(asset common.Address) (*uint256.Int, bool)
	AssetUpdateID(asset common.Address) uint64
	AssetInformation(asset common.Address) (pricefeed.Asset, bool)
	ExchangeIsRegistered(exchange common.Address) bool
}

// TokenSource resolves the transfer interface for an asset.
type TokenSource func(asset common.Address) token.Transferer

type Params struct {
	Name      string
	BaseAsset common.Address
	// Rates are 18-decimal fractions; ManagementFeeRate is annual.
	ManagementFeeRate  *uint256.Int
	PerformanceFeeRate *uint256.Int
	Exchanges          []common.Address
}

// Version is the fund factory. Each manager may set up a single fund.
type Version struct {
	address common.Address
	feed    PriceSource
	tokens  TokenSource
	clock   ledger.Clock
	events  ledger.Emitter
	log     *zap.Logger

	mu        sync.RWMutex
	funds     []*Fund
	byManager map[common.Address]*Fund
}

func NewVersion(address common.Address, feed PriceSource, tokens TokenSource, clock ledger.Clock, events ledger.Emitter, log *zap.Logger) *Version {
	if log == nil {
		log = zap.NewNop()
	}
	return &Version{
		address:   address,
		feed:      feed,
		tokens:    tokens,
		clock:     clock,
		events:    events,
		log:       log,
		byManager: make(map[common.Address]*Fund),
	}
}

func (v *Version) Address() common.Address { return v.address }

func (v *Version) SetupFund(manager common.Address, params Params) (*Fund, error) {
	if _, ok := v.feed.AssetInformation(params.BaseAsset); !ok {
		return nil, fmt.Errorf("base asset %s: %w", params.BaseAsset.Hex(), pricefeed.ErrUnknownAsset)
	}
	mgmt := orZero(params.ManagementFeeRate)
	perf := orZero(params.PerformanceFeeRate)
	if mgmt.Gt(fixed.One) || perf.Gt(fixed.One) {
		return nil, ErrFeeRate
	}
	for _, ex := range params.Exchanges {
		if !v.feed.ExchangeIsRegistered(ex) {
			return nil, fmt.Errorf("%s: %w", ex.Hex(), ErrUnknownExchange)
		}
	}
	params.ManagementFeeRate = mgmt
	params.PerformanceFeeRate = perf
	params.Exchanges = append([]common.Address(nil), params.Exchanges...)

	v.mu.Lock()
	if _, ok := v.byManager[manager]; ok {
		v.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", manager.Hex(), ErrFundExists)
	}
	id := uint64(len(v.funds))
	f := newFund(id, crypto.CreateAddress(v.address, id), manager, params, v)
	v.funds = append(v.funds, f)
	v.byManager[manager] = f
	v.mu.Unlock()

	f.emit("fund-setup", map[string]string{
		"fundId":  strconv.FormatUint(id, 10),
		"manager": manager.Hex(),
		"base":    params.BaseAsset.Hex(),
		"name":    params.Name,
	})
	v.log.Info("fund created", zap.Uint64("fund_id", id), zap.String("fund", f.address.Hex()), zap.String("manager", manager.Hex()))
	return f, nil
}

func (v *Version) FundByManager(manager common.Address) (*Fund, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.byManager[manager]
	return f, ok
}

func (v *Version) FundByID(id uint64) (*Fund, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if id >= uint64(len(v.funds)) {
		return nil, false
	}
	return v.funds[id], true
}

// LastFundID reports the newest fund id; ok is false before any fund exists.
func (v *Version) LastFundID() (uint64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.funds) == 0 {
		return 0, false
	}
	return uint64(len(v.funds) - 1), true
}

func (v *Version) Funds() []*Fund {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]*Fund(nil), v.funds...)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return fixed.Zero()
	}
	return fixed.Clone(v)
}
