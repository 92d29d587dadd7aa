// Package pricefeed aggregates operator sub-feed quotes into a medianized canonical price per
// asset and keeps the per-asset canonical history. It also owns the asset and exchange
// registries that governance curates.
package pricefeed

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fundfeed/internal/fixed"
	"fundfeed/internal/governance"
	"fundfeed/internal/ledger"
	"fundfeed/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var (
	ErrManualUpdateDisabled = ledger.Reject(ledger.KindAuthorization, errors.New("manual canonical price updates are disabled"))
	ErrRoundTooEarly        = ledger.Reject(ledger.KindTiming, errors.New("collection interval not elapsed"))
	ErrNoConsensus          = ledger.Reject(ledger.KindConsensus, errors.New("no asset reached minimum updates"))
	ErrUnknownFeed          = ledger.Reject(ledger.KindInvariant, errors.New("unknown sub-feed"))
	ErrQuoteAsset           = ledger.Reject(ledger.KindInvariant, errors.New("quote asset cannot be changed"))
)

// Staking is the slice of operator staking the feed relies on.
type Staking interface {
	IsOperator(id common.Address) bool
	Operators() []common.Address
	Pool() common.Address
	Stake(staker common.Address, amount *uint256.Int) error
	Unstake(staker common.Address, amount *uint256.Int) error
	WithdrawStake(staker common.Address) (*uint256.Int, error)
	StakedAmount(id common.Address) *uint256.Int
}

type Config struct {
	// Address seeds derived sub-feed addresses.
	Address        common.Address
	QuoteAsset     Asset
	Interval       time.Duration
	Validity       time.Duration
	MinimumUpdates int
}

// SkippedAsset is an asset that did not reach MinimumUpdates in a round.
type SkippedAsset struct {
	Asset   common.Address
	Reports int
}

type RoundReport struct {
	UpdateID  uint64
	Timestamp time.Time
	Operators int
	Updated   []Record
	Skipped   []SkippedAsset
}

type Canonical struct {
	cfg        Config
	staking    Staking
	stakeToken token.Transferer
	auth       governance.Authorizer
	clock      ledger.Clock
	events     ledger.Emitter
	log        *zap.Logger

	mu        sync.RWMutex
	assets    *Registry[Asset]
	exchanges *Registry[Exchange]
	feeds     map[common.Address]*SubFeed
	byOwner   map[common.Address][]common.Address
	nonce     uint64
	history   map[common.Address]history
	updateID  uint64
	lastRound time.Time
}

func New(cfg Config, stake Staking, stakeToken token.Transferer, auth governance.Authorizer, clock ledger.Clock, events ledger.Emitter, log *zap.Logger) (*Canonical, error) {
	if stake == nil {
		return nil, errors.New("price feed requires staking")
	}
	if auth == nil {
		return nil, errors.New("price feed requires an authorizer")
	}
	if cfg.MinimumUpdates <= 0 {
		return nil, errors.New("minimum updates must be > 0")
	}
	if cfg.Validity <= 0 {
		return nil, errors.New("validity must be > 0")
	}
	if cfg.Interval < 0 {
		return nil, errors.New("interval must be >= 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Canonical{
		cfg:        cfg,
		staking:    stake,
		stakeToken: stakeToken,
		auth:       auth,
		clock:      clock,
		events:     events,
		log:        log,
		assets:     NewRegistry[Asset](),
		exchanges:  NewRegistry[Exchange](),
		feeds:      make(map[common.Address]*SubFeed),
		byOwner:    make(map[common.Address][]common.Address),
		history:    make(map[common.Address]history),
	}
	if err := c.assets.Register(cfg.QuoteAsset.Address, cfg.QuoteAsset); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Canonical) QuoteAsset() common.Address { return c.cfg.QuoteAsset.Address }

func (c *Canonical) Interval() time.Duration { return c.cfg.Interval }

func (c *Canonical) Validity() time.Duration { return c.cfg.Validity }

func (c *Canonical) MinimumUpdates() int { return c.cfg.MinimumUpdates }

// SetupStakingFeed creates a sub-feed owned by owner at a freshly derived address.
func (c *Canonical) SetupStakingFeed(owner common.Address) (*SubFeed, error) {
	if c.stakeToken == nil {
		return nil, errors.New("staking token not configured")
	}
	c.mu.Lock()
	addr := crypto.CreateAddress(c.cfg.Address, c.nonce)
	c.nonce++
	feed := &SubFeed{
		address:   addr,
		owner:     owner,
		canonical: c,
		log:       c.log.With(zap.String("feed", addr.Hex())),
		entries:   make(map[common.Address]Entry),
	}
	c.feeds[addr] = feed
	c.byOwner[owner] = append(c.byOwner[owner], addr)
	c.mu.Unlock()

	c.emit("feed-setup", map[string]string{"feed": addr.Hex(), "owner": owner.Hex()})
	c.log.Info("staking feed created", zap.String("feed", addr.Hex()), zap.String("owner", owner.Hex()))
	return feed, nil
}

func (c *Canonical) SubFeed(addr common.Address) (*SubFeed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.feeds[addr]
	return f, ok
}

func (c *Canonical) PriceFeedsByOwner(owner common.Address) []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]common.Address(nil), c.byOwner[owner]...)
}

func (c *Canonical) TotalStakedFor(feed common.Address) *uint256.Int {
	return c.staking.StakedAmount(feed)
}

// CollectAndUpdate runs one round: for each asset it medians the valid entries of every operator
// sub-feed. Assets below MinimumUpdates are skipped. An empty list means every registered asset.
// The round only consumes an update id when at least one asset advanced.
func (c *Canonical) CollectAndUpdate(caller common.Address, assets []common.Address) (RoundReport, error) {
	if !c.auth.IsAuthorized(caller, governance.ActionCollectAndUpdate) {
		return RoundReport{}, ledger.ErrUnauthorized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if now.Before(c.lastRound) {
		// round timestamps never decrease
		c.log.Warn("clock behind last round", zap.Time("now", now), zap.Time("last_round", c.lastRound))
		now = c.lastRound
	}
	if c.cfg.Interval > 0 && c.updateID > 0 && now.Before(c.lastRound.Add(c.cfg.Interval)) {
		return RoundReport{}, fmt.Errorf("next round at %s: %w", c.lastRound.Add(c.cfg.Interval).Format(time.RFC3339), ErrRoundTooEarly)
	}
	if len(assets) == 0 {
		assets = c.assets.IDs()
	}
	targets := make([]common.Address, 0, len(assets))
	for _, asset := range assets {
		if asset == c.cfg.QuoteAsset.Address {
			continue
		}
		if !c.assets.Has(asset) {
			return RoundReport{}, fmt.Errorf("%s: %w", asset.Hex(), ErrUnknownAsset)
		}
		targets = append(targets, asset)
	}

	feeds := make([]*SubFeed, 0)
	for _, op := range c.staking.Operators() {
		if f, ok := c.feeds[op]; ok {
			feeds = append(feeds, f)
		}
	}

	report := RoundReport{Timestamp: now, Operators: len(feeds)}
	for _, asset := range targets {
		values := make([]*uint256.Int, 0, len(feeds))
		for _, f := range feeds {
			if price, ok := f.GetPrice(asset); ok {
				values = append(values, price)
			}
		}
		if len(values) < c.cfg.MinimumUpdates {
			report.Skipped = append(report.Skipped, SkippedAsset{Asset: asset, Reports: len(values)})
			c.log.Info("asset skipped", zap.String("asset", asset.Hex()), zap.Int("reports", len(values)), zap.Int("minimum", c.cfg.MinimumUpdates))
			continue
		}
		median, ok := fixed.Median(values)
		if !ok {
			report.Skipped = append(report.Skipped, SkippedAsset{Asset: asset})
			continue
		}
		report.Updated = append(report.Updated, Record{Asset: asset, Price: median, Timestamp: now})
	}
	if len(report.Updated) == 0 {
		return report, ErrNoConsensus
	}

	c.updateID++
	c.lastRound = now
	report.UpdateID = c.updateID
	for i := range report.Updated {
		report.Updated[i].UpdateID = c.updateID
		rec := report.Updated[i]
		rec.Price = fixed.Clone(rec.Price)
		c.history[rec.Asset] = append(c.history[rec.Asset], rec)
	}
	c.emit("price-update-round-completed", map[string]string{
		"updateId": strconv.FormatUint(c.updateID, 10),
		"updated":  strconv.Itoa(len(report.Updated)),
		"skipped":  strconv.Itoa(len(report.Skipped)),
	})
	return report, nil
}

// Update is the manual override path. It never moves canonical prices; only medians do.
func (c *Canonical) Update(caller common.Address, assets []common.Address, prices []*uint256.Int) error {
	c.log.Warn("manual price update refused", zap.String("caller", caller.Hex()), zap.Int("assets", len(assets)))
	return ErrManualUpdateDisabled
}

func (c *Canonical) UpdateID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateID
}

// AssetUpdateID is the round that last priced asset. The quote asset is priced by every round.
func (c *Canonical) AssetUpdateID(asset common.Address) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if asset == c.cfg.QuoteAsset.Address {
		return c.updateID
	}
	rec, _ := c.history[asset].latest()
	return rec.UpdateID
}

// GetPrice returns the latest canonical price and whether it is still inside the validity window.
func (c *Canonical) GetPrice(asset common.Address) (*uint256.Int, bool) {
	info := c.GetPriceInfo(asset)
	return info.Price, info.Valid
}

func (c *Canonical) GetPriceInfo(asset common.Address) PriceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assets.Get(asset)
	if !ok {
		return PriceInfo{Price: fixed.Zero()}
	}
	if asset == c.cfg.QuoteAsset.Address {
		return PriceInfo{Valid: true, Price: fixed.Clone(fixed.One), Decimals: a.Decimals, Timestamp: c.clock.Now()}
	}
	rec, ok := c.history[asset].latest()
	if !ok {
		return PriceInfo{Price: fixed.Zero(), Decimals: a.Decimals}
	}
	return PriceInfo{
		Valid:     c.isRecent(rec.Timestamp),
		Price:     fixed.Clone(rec.Price),
		Decimals:  a.Decimals,
		Timestamp: rec.Timestamp,
	}
}

func (c *Canonical) GetInvertedPriceInfo(asset common.Address) PriceInfo {
	info := c.GetPriceInfo(asset)
	info.Price, info.Valid = invert(info.Price, info.Valid)
	return info
}

func (c *Canonical) HasRecentPrice(asset common.Address) bool {
	_, ok := c.GetPrice(asset)
	return ok
}

// GetPriceAtTimestamp returns the last record at or before t. ok is false when the asset had no
// canonical price yet.
func (c *Canonical) GetPriceAtTimestamp(asset common.Address, t time.Time) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.history[asset].at(t)
	if !ok {
		return Record{Asset: asset, Price: fixed.Zero()}, false
	}
	rec.Price = fixed.Clone(rec.Price)
	return rec, true
}

// GetPricesInRange returns every record with from <= timestamp <= to, oldest first.
func (c *Canonical) GetPricesInRange(asset common.Address, from, to time.Time) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.history[asset].between(from, to)
	for i := range out {
		out[i].Price = fixed.Clone(out[i].Price)
	}
	return out
}

// History returns the full canonical series for asset.
func (c *Canonical) History(asset common.Address) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[asset]
	out := make([]Record, len(h))
	for i, r := range h {
		r.Price = fixed.Clone(r.Price)
		out[i] = r
	}
	return out
}

// Restore replays archived records, used when the engine boots from a snapshot.
func (c *Canonical) Restore(updateID uint64, records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		r.Price = fixed.Clone(r.Price)
		c.history[r.Asset] = append(c.history[r.Asset], r)
		if r.Timestamp.After(c.lastRound) {
			c.lastRound = r.Timestamp
		}
	}
	if updateID > c.updateID {
		c.updateID = updateID
	}
}

// ReferencePrice is the price of base denominated in quote, 18-decimal.
func (c *Canonical) ReferencePrice(base, quote common.Address) (*uint256.Int, bool) {
	basePrice, baseOK := c.GetPrice(base)
	quotePrice, quoteOK := c.GetPrice(quote)
	if quotePrice.IsZero() || basePrice.IsZero() {
		return fixed.Zero(), false
	}
	out, err := fixed.Div(basePrice, quotePrice)
	if err != nil {
		return fixed.Zero(), false
	}
	return out, baseOK && quoteOK
}

// ConvertQuantity values qty of from (native decimals) in units of to (native decimals), rounding
// down.
func (c *Canonical) ConvertQuantity(qty *uint256.Int, from, to common.Address) (*uint256.Int, bool) {
	ref, ok := c.ReferencePrice(from, to)
	if !ok {
		return fixed.Zero(), false
	}
	canonical, err := fixed.ToCanonical(qty, c.assetDecimals(from))
	if err != nil {
		return fixed.Zero(), false
	}
	value, err := fixed.Mul(canonical, ref)
	if err != nil {
		return fixed.Zero(), false
	}
	out, err := fixed.FromCanonical(value, c.assetDecimals(to))
	if err != nil {
		return fixed.Zero(), false
	}
	return out, true
}

func (c *Canonical) RegisterAsset(caller common.Address, a Asset) error {
	if !c.auth.IsAuthorized(caller, governance.ActionRegisterAsset) {
		return ledger.ErrUnauthorized
	}
	if a.Decimals > fixed.Decimals {
		return fmt.Errorf("asset %s decimals %d: %w", a.Symbol, a.Decimals, ledger.ErrInvalidInput)
	}
	c.mu.Lock()
	err := c.assets.Register(a.Address, a)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emit("asset-registered", map[string]string{"asset": a.Address.Hex(), "symbol": a.Symbol})
	return nil
}

func (c *Canonical) UpdateAsset(caller common.Address, a Asset) error {
	if !c.auth.IsAuthorized(caller, governance.ActionUpdateAsset) {
		return ledger.ErrUnauthorized
	}
	if a.Address == c.cfg.QuoteAsset.Address {
		return ErrQuoteAsset
	}
	if a.Decimals > fixed.Decimals {
		return fmt.Errorf("asset %s decimals %d: %w", a.Symbol, a.Decimals, ledger.ErrInvalidInput)
	}
	c.mu.Lock()
	err := c.assets.Update(a.Address, a)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emit("asset-updated", map[string]string{"asset": a.Address.Hex(), "symbol": a.Symbol})
	return nil
}

// RemoveAsset drops asset, which the caller claims sits at index. Its history is kept.
func (c *Canonical) RemoveAsset(caller, asset common.Address, index int) error {
	if !c.auth.IsAuthorized(caller, governance.ActionRemoveAsset) {
		return ledger.ErrUnauthorized
	}
	if asset == c.cfg.QuoteAsset.Address {
		return ErrQuoteAsset
	}
	c.mu.Lock()
	err := c.assets.Remove(asset, index)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emit("asset-removed", map[string]string{"asset": asset.Hex()})
	return nil
}

func (c *Canonical) RegisterExchange(caller common.Address, e Exchange) error {
	if !c.auth.IsAuthorized(caller, governance.ActionRegisterExchange) {
		return ledger.ErrUnauthorized
	}
	c.mu.Lock()
	err := c.exchanges.Register(e.Address, cloneExchange(e))
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emit("exchange-registered", map[string]string{"exchange": e.Address.Hex(), "adapter": e.Adapter.Hex()})
	return nil
}

func (c *Canonical) UpdateExchange(caller common.Address, e Exchange) error {
	if !c.auth.IsAuthorized(caller, governance.ActionUpdateExchange) {
		return ledger.ErrUnauthorized
	}
	c.mu.Lock()
	err := c.exchanges.Update(e.Address, cloneExchange(e))
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emit("exchange-updated", map[string]string{"exchange": e.Address.Hex(), "adapter": e.Adapter.Hex()})
	return nil
}

func (c *Canonical) RemoveExchange(caller, exchange common.Address, index int) error {
	if !c.auth.IsAuthorized(caller, governance.ActionRemoveExchange) {
		return ledger.ErrUnauthorized
	}
	c.mu.Lock()
	err := c.exchanges.Remove(exchange, index)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emit("exchange-removed", map[string]string{"exchange": exchange.Hex()})
	return nil
}

func (c *Canonical) AssetIsRegistered(asset common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assets.Has(asset)
}

func (c *Canonical) RegisteredAssets() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assets.IDs()
}

func (c *Canonical) AssetInformation(asset common.Address) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assets.Get(asset)
}

func (c *Canonical) ExchangeIsRegistered(exchange common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exchanges.Has(exchange)
}

func (c *Canonical) RegisteredExchanges() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exchanges.IDs()
}

func (c *Canonical) ExchangeInformation(exchange common.Address) (Exchange, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.exchanges.Get(exchange)
	if !ok {
		return Exchange{}, false
	}
	return cloneExchange(e), true
}

func (c *Canonical) ExchangeMethodIsAllowed(exchange common.Address, selector [4]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.exchanges.Get(exchange)
	if !ok {
		return false
	}
	for _, m := range e.Methods {
		if m == selector {
			return true
		}
	}
	return false
}

func (c *Canonical) isRecent(ts time.Time) bool {
	return !c.clock.Now().After(ts.Add(c.cfg.Validity))
}

func (c *Canonical) assetDecimals(asset common.Address) uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if a, ok := c.assets.Get(asset); ok {
		return a.Decimals
	}
	return fixed.Decimals
}

func (c *Canonical) emit(kind string, attrs map[string]string) {
	if c.events == nil {
		return
	}
	c.events.Emit(kind, attrs)
}

func cloneExchange(e Exchange) Exchange {
	e.Methods = append([][4]byte(nil), e.Methods...)
	return e
}
