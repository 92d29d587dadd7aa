// Package fund keeps share accounting for pooled funds: investment requests priced off the
// canonical feed, NAV and fee calculations with a high-water-mark, and in-kind redemption.
package fund

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
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotManager         = ledger.Reject(ledger.KindAuthorization, errors.New("caller is not the fund manager"))
	ErrUnknownRequest     = ledger.Reject(ledger.KindInvariant, errors.New("unknown request"))
	ErrRequestNotActive   = ledger.Reject(ledger.KindInvariant, errors.New("request is not active"))
	ErrStalePrice         = ledger.Reject(ledger.KindTiming, errors.New("no canonical price update since request"))
	ErrPriceUnavailable   = ledger.Reject(ledger.KindTiming, errors.New("canonical price missing or expired"))
	ErrCostExceedsOffer   = ledger.Reject(ledger.KindInsufficientResource, errors.New("share cost exceeds offered amount"))
	ErrInsufficientShares = ledger.Reject(ledger.KindInsufficientResource, errors.New("insufficient shares"))
	ErrZeroCost           = ledger.Reject(ledger.KindInvariant, errors.New("share cost rounds to zero"))
)

type RequestStatus string

const (
	RequestActive    RequestStatus = "ACTIVE"
	RequestExecuted  RequestStatus = "EXECUTED"
	RequestCancelled RequestStatus = "CANCELLED"
)

type Request struct {
	ID            uint64
	Participant   common.Address
	OfferedAsset  common.Address
	OfferedAmount *uint256.Int
	WantedShares  *uint256.Int
	Timestamp     time.Time
	// AtUpdateID is the offered asset's canonical round when the request was made.
	AtUpdateID uint64
	Status     RequestStatus
}

// Fund is one pooled vehicle. Shares are 18-decimal.
type Fund struct {
	id      uint64
	address common.Address
	manager common.Address
	params  Params
	version *Version
	log     *zap.Logger

	mu             sync.Mutex
	shares         map[common.Address]*uint256.Int
	totalSupply    *uint256.Int
	highWaterMark  *uint256.Int
	lastAllocation time.Time
	requests       []*Request
	active         map[common.Address]uint64
	owned          []common.Address
	ownedSet       map[common.Address]struct{}
}

func newFund(id uint64, address, manager common.Address, params Params, v *Version) *Fund {
	f := &Fund{
		id:             id,
		address:        address,
		manager:        manager,
		params:         params,
		version:        v,
		log:            v.log.With(zap.String("fund", address.Hex())),
		shares:         make(map[common.Address]*uint256.Int),
		totalSupply:    fixed.Zero(),
		highWaterMark:  fixed.Clone(fixed.One),
		lastAllocation: v.clock.Now(),
		active:         make(map[common.Address]uint64),
		ownedSet:       make(map[common.Address]struct{}),
	}
	f.addOwnedLocked(params.BaseAsset)
	return f
}

func (f *Fund) ID() uint64 { return f.id }

func (f *Fund) Address() common.Address { return f.address }

func (f *Fund) Manager() common.Address { return f.manager }

func (f *Fund) Name() string { return f.params.Name }

func (f *Fund) BaseAsset() common.Address { return f.params.BaseAsset }

// RequestInvestment records an offer to buy wantedShares paying at most offeredAmount of
// offeredAsset. Nothing moves until ExecuteRequest. A participant's earlier active request is
// cancelled.
func (f *Fund) RequestInvestment(caller common.Address, offeredAmount, wantedShares *uint256.Int, offeredAsset common.Address) (uint64, error) {
	if offeredAmount == nil || offeredAmount.IsZero() || wantedShares == nil || wantedShares.IsZero() {
		return 0, fmt.Errorf("offer and shares must be positive: %w", ledger.ErrInvalidInput)
	}
	feed := f.version.feed
	if _, ok := feed.AssetInformation(offeredAsset); !ok {
		return 0, fmt.Errorf("offered asset %s: %w", offeredAsset.Hex(), ErrPriceUnavailable)
	}
	now := f.version.clock.Now()
	atUpdate := feed.AssetUpdateID(offeredAsset)

	f.mu.Lock()
	var superseded uint64
	if prev, ok := f.active[caller]; ok {
		f.requests[prev-1].Status = RequestCancelled
		superseded = prev
	}
	req := &Request{
		ID:            uint64(len(f.requests) + 1),
		Participant:   caller,
		OfferedAsset:  offeredAsset,
		OfferedAmount: fixed.Clone(offeredAmount),
		WantedShares:  fixed.Clone(wantedShares),
		Timestamp:     now,
		AtUpdateID:    atUpdate,
		Status:        RequestActive,
	}
	f.requests = append(f.requests, req)
	f.active[caller] = req.ID
	f.mu.Unlock()

	attrs := map[string]string{
		"fund":        f.address.Hex(),
		"requestId":   strconv.FormatUint(req.ID, 10),
		"participant": caller.Hex(),
		"asset":       offeredAsset.Hex(),
		"offered":     fixed.String(offeredAmount),
		"shares":      fixed.String(wantedShares),
	}
	if superseded != 0 {
		attrs["supersedes"] = strconv.FormatUint(superseded, 10)
	}
	f.emit("subscribe-request-created", attrs)
	return req.ID, nil
}

// ExecuteRequest fills an active request once the offered asset has a newer canonical price than
// when it was made. Only the computed cost is pulled from the participant, so nothing needs
// refunding. A request that cannot be filled stays active.
func (f *Fund) ExecuteRequest(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == 0 || id > uint64(len(f.requests)) {
		return fmt.Errorf("request %d: %w", id, ErrUnknownRequest)
	}
	req := f.requests[id-1]
	if req.Status != RequestActive {
		return fmt.Errorf("request %d is %s: %w", id, req.Status, ErrRequestNotActive)
	}
	feed := f.version.feed
	if feed.AssetUpdateID(req.OfferedAsset) <= req.AtUpdateID {
		return fmt.Errorf("request %d: %w", id, ErrStalePrice)
	}

	calc, err := f.calculateLocked()
	if err != nil {
		return err
	}
	cost, err := f.costLocked(req.WantedShares, calc.SharePrice, req.OfferedAsset)
	if err != nil {
		return err
	}
	if cost.IsZero() {
		return fmt.Errorf("request %d: %w", id, ErrZeroCost)
	}
	if cost.Gt(req.OfferedAmount) {
		return fmt.Errorf("request %d costs %s, offered %s: %w", id, fixed.String(cost), fixed.String(req.OfferedAmount), ErrCostExceedsOffer)
	}
	tok := f.version.tokens(req.OfferedAsset)
	if err := tok.TransferFrom(f.address, req.Participant, f.address, cost); err != nil {
		return fmt.Errorf("request %d: %w", id, err)
	}

	if f.totalSupply.IsZero() {
		// fees accrue from the first issuance
		f.lastAllocation = calc.Timestamp
	}
	f.mintLocked(req.Participant, req.WantedShares)
	f.addOwnedLocked(req.OfferedAsset)
	req.Status = RequestExecuted
	delete(f.active, req.Participant)

	f.emit("shares-issued", map[string]string{
		"fund":        f.address.Hex(),
		"requestId":   strconv.FormatUint(id, 10),
		"participant": req.Participant.Hex(),
		"asset":       req.OfferedAsset.Hex(),
		"cost":        fixed.String(cost),
		"shares":      fixed.String(req.WantedShares),
		"sharePrice":  fixed.String(calc.SharePrice),
	})
	f.log.Info("request executed",
		zap.Uint64("request_id", id),
		zap.String("participant", req.Participant.Hex()),
		zap.String("shares", fixed.Format(req.WantedShares)),
		zap.String("cost", fixed.String(cost)),
	)
	return nil
}

// costLocked prices shares in offeredAsset native units, rounding down.
func (f *Fund) costLocked(shares, sharePrice *uint256.Int, offeredAsset common.Address) (*uint256.Int, error) {
	inBase, err := fixed.Mul(shares, sharePrice)
	if err != nil {
		return nil, err
	}
	basePrice, err := f.priceLocked(f.params.BaseAsset)
	if err != nil {
		return nil, err
	}
	offeredPrice, err := f.priceLocked(offeredAsset)
	if err != nil {
		return nil, err
	}
	canonical, err := fixed.MulDiv(inBase, basePrice, offeredPrice)
	if err != nil {
		return nil, err
	}
	return fixed.FromCanonical(canonical, f.decimals(offeredAsset))
}

// RedeemAllOwnedAssets burns shareQuantity of the caller's shares and pays out the same fraction
// of every owned asset. It reads no prices, so redemption works while the feed is stale.
func (f *Fund) RedeemAllOwnedAssets(caller common.Address, shareQuantity *uint256.Int) error {
	if shareQuantity == nil || shareQuantity.IsZero() {
		return fmt.Errorf("share quantity must be positive: %w", ledger.ErrInvalidInput)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceLocked(caller).Lt(shareQuantity) {
		return fmt.Errorf("redeem %s: %w", fixed.String(shareQuantity), ErrInsufficientShares)
	}
	total := fixed.Clone(f.totalSupply)
	type payout struct {
		asset  common.Address
		amount *uint256.Int
	}
	payouts := make([]payout, 0, len(f.owned))
	for _, asset := range f.owned {
		bal := f.version.tokens(asset).BalanceOf(f.address)
		if bal.IsZero() {
			continue
		}
		amount, err := fixed.MulDiv(bal, shareQuantity, total)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			continue
		}
		payouts = append(payouts, payout{asset: asset, amount: amount})
	}
	for i, p := range payouts {
		if err := f.version.tokens(p.asset).Transfer(f.address, caller, p.amount); err != nil {
			for _, done := range payouts[:i] {
				if rbErr := f.version.tokens(done.asset).Transfer(caller, f.address, done.amount); rbErr != nil {
					f.log.Error("redeem rollback failed",
						zap.String("fund", f.address.Hex()),
						zap.String("asset", done.asset.Hex()),
						zap.Error(rbErr),
					)
				}
			}
			return fmt.Errorf("redeem payout %s: %w", p.asset.Hex(), err)
		}
	}
	f.burnLocked(caller, shareQuantity)

	f.emit("redeemed", map[string]string{
		"fund":        f.address.Hex(),
		"participant": caller.Hex(),
		"shares":      fixed.String(shareQuantity),
		"assets":      strconv.Itoa(len(payouts)),
	})
	return nil
}

func (f *Fund) LastRequestID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.requests))
}

func (f *Fund) Request(id uint64) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == 0 || id > uint64(len(f.requests)) {
		return Request{}, false
	}
	r := *f.requests[id-1]
	r.OfferedAmount = fixed.Clone(r.OfferedAmount)
	r.WantedShares = fixed.Clone(r.WantedShares)
	return r, true
}

// ActiveRequest returns the participant's outstanding request id.
func (f *Fund) ActiveRequest(participant common.Address) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.active[participant]
	return id, ok
}

// ActiveRequests lists every request still waiting for execution, oldest first.
func (f *Fund) ActiveRequests() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint64
	for _, r := range f.requests {
		if r.Status == RequestActive {
			out = append(out, r.ID)
		}
	}
	return out
}

func (f *Fund) BalanceOf(account common.Address) *uint256.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fixed.Clone(f.balanceLocked(account))
}

func (f *Fund) TotalSupply() *uint256.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fixed.Clone(f.totalSupply)
}

func (f *Fund) OwnedAssets() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address(nil), f.owned...)
}

func (f *Fund) HighWaterMark() *uint256.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fixed.Clone(f.highWaterMark)
}

func (f *Fund) LastFeeAllocation() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAllocation
}

func (f *Fund) AllowedExchange(exchange common.Address) bool {
	for _, ex := range f.params.Exchanges {
		if ex == exchange {
			return true
		}
	}
	return false
}

// ToWholeShareUnit renders a raw share quantity in whole shares.
func (f *Fund) ToWholeShareUnit(quantity *uint256.Int) decimal.Decimal {
	return fixed.ToDecimal(quantity, fixed.Decimals)
}

func (f *Fund) balanceLocked(account common.Address) *uint256.Int {
	if v, ok := f.shares[account]; ok {
		return v
	}
	return fixed.Zero()
}

func (f *Fund) mintLocked(account common.Address, amount *uint256.Int) {
	f.shares[account] = fixed.Add(f.balanceLocked(account), amount)
	f.totalSupply = fixed.Add(f.totalSupply, amount)
}

func (f *Fund) burnLocked(account common.Address, amount *uint256.Int) {
	left := new(uint256.Int).Sub(f.balanceLocked(account), amount)
	if left.IsZero() {
		delete(f.shares, account)
	} else {
		f.shares[account] = left
	}
	f.totalSupply = new(uint256.Int).Sub(f.totalSupply, amount)
}

func (f *Fund) addOwnedLocked(asset common.Address) {
	if _, ok := f.ownedSet[asset]; ok {
		return
	}
	f.ownedSet[asset] = struct{}{}
	f.owned = append(f.owned, asset)
}

func (f *Fund) priceLocked(asset common.Address) (*uint256.Int, error) {
	price, ok := f.version.feed.GetPrice(asset)
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%s: %w", asset.Hex(), ErrPriceUnavailable)
	}
	return price, nil
}

func (f *Fund) decimals(asset common.Address) uint8 {
	if a, ok := f.version.feed.AssetInformation(asset); ok {
		return a.Decimals
	}
	return fixed.Decimals
}

func (f *Fund) emit(kind string, attrs map[string]string) {
	if f.version.events == nil {
		return
	}
	f.version.events.Emit(kind, attrs)
}
