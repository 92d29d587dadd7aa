package pricefeed

import (
	"testing"
	"time"

	"fundfeed/internal/fixed"
	"fundfeed/internal/governance"
	"fundfeed/internal/ledger"
	"fundfeed/internal/staking"
	"fundfeed/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	govAddr    = common.HexToAddress("0x600d")
	stakeAsset = common.HexToAddress("0x5a")
	poolAddr   = common.HexToAddress("0x9001")
	feedSeed   = common.HexToAddress("0xfeed")
	quote      = Asset{Address: common.HexToAddress("0xe7"), Name: "Ether token", Symbol: "WETH", Decimals: 18}
	mln        = Asset{Address: common.HexToAddress("0x31"), Name: "Melon", Symbol: "MLN", Decimals: 18}
	btc        = Asset{Address: common.HexToAddress("0xb7"), Name: "Bitcoin", Symbol: "WBTC", Decimals: 8}
)

type env struct {
	bank    *token.Bank
	clock   *ledger.ManualClock
	staking *staking.Staking
	feed    *Canonical
	feeds   []*SubFeed
	owners  []common.Address
}

func newEnv(t *testing.T, operators int, minimumUpdates int) *env {
	t.Helper()
	bank := token.NewBank()
	clock := ledger.NewManualClock(time.Unix(1_700_000_000, 0))
	events := ledger.New(clock, nil)
	auth := governance.OnlyGovernance(govAddr)
	st, err := staking.New(staking.Config{
		Pool:            poolAddr,
		MinimumStake:    fixed.New(1000),
		NumOperators:    4,
		WithdrawalDelay: time.Hour,
	}, bank.Token(stakeAsset), auth, clock, events, nil)
	require.NoError(t, err)
	c, err := New(Config{
		Address:        feedSeed,
		QuoteAsset:     quote,
		Validity:       time.Hour,
		MinimumUpdates: minimumUpdates,
	}, st, bank.Token(stakeAsset), auth, clock, events, nil)
	require.NoError(t, err)
	require.NoError(t, c.RegisterAsset(govAddr, mln))
	require.NoError(t, c.RegisterAsset(govAddr, btc))

	e := &env{bank: bank, clock: clock, staking: st, feed: c}
	for i := 0; i < operators; i++ {
		e.addFeed(t, 5000+uint64(i))
	}
	return e
}

func (e *env) addFeed(t *testing.T, stake uint64) *SubFeed {
	t.Helper()
	owner := common.BigToAddress(uint256.NewInt(uint64(0x700 + len(e.owners))).ToBig())
	f, err := e.feed.SetupStakingFeed(owner)
	require.NoError(t, err)
	e.bank.Mint(stakeAsset, owner, fixed.New(1_000_000))
	require.NoError(t, e.bank.Token(stakeAsset).Approve(owner, f.Address(), fixed.New(1_000_000)))
	if stake > 0 {
		require.NoError(t, f.DepositStake(owner, fixed.New(stake)))
	}
	e.feeds = append(e.feeds, f)
	e.owners = append(e.owners, owner)
	return f
}

func (e *env) report(t *testing.T, i int, asset common.Address, price *uint256.Int) {
	t.Helper()
	require.NoError(t, e.feeds[i].Update(e.owners[i], []common.Address{asset}, []*uint256.Int{price}))
}

func units(n uint64) *uint256.Int { return fixed.Units(n) }

func TestCollectMedianOdd(t *testing.T) {
	e := newEnv(t, 3, 3)
	for i, p := range []uint64{1, 2, 4} {
		e.report(t, i, mln.Address, units(p))
	}
	report, err := e.feed.CollectAndUpdate(govAddr, []common.Address{mln.Address})
	require.NoError(t, err)
	require.Equal(t, uint64(1), report.UpdateID)
	price, ok := e.feed.GetPrice(mln.Address)
	require.True(t, ok)
	require.Equal(t, units(2), price)
}

func TestCollectMedianEven(t *testing.T) {
	e := newEnv(t, 4, 4)
	for i, p := range []uint64{1, 2, 3, 4} {
		e.report(t, i, mln.Address, units(p))
	}
	_, err := e.feed.CollectAndUpdate(govAddr, []common.Address{mln.Address})
	require.NoError(t, err)
	want, _ := fixed.ParseDecimal("2.5", 18)
	price, _ := e.feed.GetPrice(mln.Address)
	require.Equal(t, want, price)
}

func TestMinimumButNotAllReporting(t *testing.T) {
	e := newEnv(t, 4, 3)
	for i, p := range []uint64{10, 30, 20} {
		e.report(t, i, mln.Address, units(p))
	}
	e.report(t, 0, btc.Address, units(100))
	e.report(t, 1, btc.Address, units(200))

	report, err := e.feed.CollectAndUpdate(govAddr, nil)
	require.NoError(t, err)
	require.Len(t, report.Updated, 1)
	require.Equal(t, mln.Address, report.Updated[0].Asset)
	require.Equal(t, []SkippedAsset{{Asset: btc.Address, Reports: 2}}, report.Skipped)

	price, _ := e.feed.GetPrice(mln.Address)
	require.Equal(t, units(20), price)
	_, ok := e.feed.GetPrice(btc.Address)
	require.False(t, ok)
	require.Equal(t, uint64(1), e.feed.AssetUpdateID(mln.Address))
	require.Equal(t, uint64(0), e.feed.AssetUpdateID(btc.Address))
}

func TestRoundWithoutConsensusKeepsUpdateID(t *testing.T) {
	e := newEnv(t, 3, 2)
	e.report(t, 0, mln.Address, units(1))
	_, err := e.feed.CollectAndUpdate(govAddr, []common.Address{mln.Address})
	require.ErrorIs(t, err, ErrNoConsensus)
	require.Equal(t, ledger.KindConsensus, ledger.Classify(err))
	require.Equal(t, uint64(0), e.feed.UpdateID())
}

func TestUnstakedFeedIsIgnored(t *testing.T) {
	e := newEnv(t, 3, 2)
	idle := e.addFeed(t, 0)
	err := idle.Update(e.owners[3], []common.Address{mln.Address}, []*uint256.Int{units(99)})
	require.ErrorIs(t, err, ErrNotOperator)
	_, ok := idle.Entry(mln.Address)
	require.False(t, ok)

	for i, p := range []uint64{1, 3, 1000} {
		e.report(t, i, mln.Address, units(p))
	}
	require.NoError(t, e.feeds[2].Unstake(e.owners[2], fixed.New(5002)))
	require.False(t, e.staking.IsOperator(e.feeds[2].Address()))

	_, err = e.feed.CollectAndUpdate(govAddr, []common.Address{mln.Address})
	require.NoError(t, err)
	price, _ := e.feed.GetPrice(mln.Address)
	require.Equal(t, units(2), price)
}

func TestSubFeedUpdateIsAllOrNothing(t *testing.T) {
	e := newEnv(t, 1, 1)
	unknown := common.HexToAddress("0x404")
	err := e.feeds[0].Update(e.owners[0], []common.Address{mln.Address, unknown}, []*uint256.Int{units(1), units(2)})
	require.ErrorIs(t, err, ErrUnknownAsset)
	_, ok := e.feeds[0].Entry(mln.Address)
	require.False(t, ok)

	err = e.feeds[0].Update(govAddr, []common.Address{mln.Address}, []*uint256.Int{units(1)})
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestSubFeedValidityWindow(t *testing.T) {
	e := newEnv(t, 1, 1)
	e.report(t, 0, mln.Address, units(5))
	_, ok := e.feeds[0].GetPrice(mln.Address)
	require.True(t, ok)

	inv := e.feeds[0].GetInvertedPriceInfo(mln.Address)
	want, _ := fixed.ParseDecimal("0.2", 18)
	require.Equal(t, want, inv.Price)

	e.clock.Advance(2 * time.Hour)
	price, ok := e.feeds[0].GetPrice(mln.Address)
	require.False(t, ok)
	require.Equal(t, units(5), price)
	_, err := e.feed.CollectAndUpdate(govAddr, []common.Address{mln.Address})
	require.ErrorIs(t, err, ErrNoConsensus)
}

func TestManualUpdateIsRefused(t *testing.T) {
	e := newEnv(t, 1, 1)
	e.report(t, 0, mln.Address, units(7))
	_, err := e.feed.CollectAndUpdate(govAddr, nil)
	require.NoError(t, err)

	err = e.feed.Update(govAddr, []common.Address{mln.Address}, []*uint256.Int{units(1)})
	require.ErrorIs(t, err, ErrManualUpdateDisabled)
	require.Equal(t, uint64(1), e.feed.UpdateID())
	price, _ := e.feed.GetPrice(mln.Address)
	require.Equal(t, units(7), price)
}

func TestCollectRequiresAuthorization(t *testing.T) {
	e := newEnv(t, 1, 1)
	_, err := e.feed.CollectAndUpdate(e.owners[0], nil)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestCollectRespectsInterval(t *testing.T) {
	e := newEnv(t, 1, 1)
	e.feed.cfg.Interval = time.Minute
	e.report(t, 0, mln.Address, units(1))
	_, err := e.feed.CollectAndUpdate(govAddr, nil)
	require.NoError(t, err)
	_, err = e.feed.CollectAndUpdate(govAddr, nil)
	require.ErrorIs(t, err, ErrRoundTooEarly)
	e.clock.Advance(time.Minute)
	_, err = e.feed.CollectAndUpdate(govAddr, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.feed.UpdateID())
}

func TestPriceHistoryQueries(t *testing.T) {
	e := newEnv(t, 1, 1)
	start := e.clock.Now()
	for _, p := range []uint64{10, 11, 12} {
		e.report(t, 0, mln.Address, units(p))
		_, err := e.feed.CollectAndUpdate(govAddr, nil)
		require.NoError(t, err)
		e.clock.Advance(10 * time.Minute)
	}

	_, ok := e.feed.GetPriceAtTimestamp(mln.Address, start.Add(-time.Second))
	require.False(t, ok)

	rec, ok := e.feed.GetPriceAtTimestamp(mln.Address, start.Add(15*time.Minute))
	require.True(t, ok)
	require.Equal(t, units(11), rec.Price)
	require.Equal(t, uint64(2), rec.UpdateID)

	rec, _ = e.feed.GetPriceAtTimestamp(mln.Address, start.Add(20*time.Minute))
	require.Equal(t, units(12), rec.Price)

	got := e.feed.GetPricesInRange(mln.Address, start, start.Add(10*time.Minute))
	require.Len(t, got, 2)
	require.Equal(t, units(10), got[0].Price)
	require.Equal(t, units(11), got[1].Price)
	require.Empty(t, e.feed.GetPricesInRange(mln.Address, start.Add(time.Hour), start))
}

// wallClock can be set backwards, unlike ledger.ManualClock.
type wallClock struct{ now time.Time }

func (c *wallClock) Now() time.Time { return c.now }

func TestRoundTimestampsNeverDecrease(t *testing.T) {
	e := newEnv(t, 1, 1)
	start := e.clock.Now()
	wall := &wallClock{now: start}
	e.feed.clock = wall

	for _, step := range []struct {
		at    time.Duration
		price uint64
	}{{0, 10}, {10 * time.Minute, 11}, {5 * time.Minute, 12}, {20 * time.Minute, 13}} {
		wall.now = start.Add(step.at)
		e.report(t, 0, mln.Address, units(step.price))
		_, err := e.feed.CollectAndUpdate(govAddr, nil)
		require.NoError(t, err)
	}

	history := e.feed.History(mln.Address)
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		require.False(t, history[i].Timestamp.Before(history[i-1].Timestamp), "record %d went back in time", i)
	}
	require.Equal(t, start.Add(10*time.Minute), history[2].Timestamp)

	rec, ok := e.feed.GetPriceAtTimestamp(mln.Address, start.Add(10*time.Minute))
	require.True(t, ok)
	require.Equal(t, units(12), rec.Price)
	rec, ok = e.feed.GetPriceAtTimestamp(mln.Address, start.Add(15*time.Minute))
	require.True(t, ok)
	require.Equal(t, units(12), rec.Price)
	require.Len(t, e.feed.GetPricesInRange(mln.Address, start.Add(10*time.Minute), start.Add(10*time.Minute)), 2)
}

func TestReferencePriceAndConvert(t *testing.T) {
	e := newEnv(t, 1, 1)
	require.NoError(t, e.feeds[0].Update(e.owners[0],
		[]common.Address{mln.Address, btc.Address},
		[]*uint256.Int{units(2), units(40)}))
	_, err := e.feed.CollectAndUpdate(govAddr, nil)
	require.NoError(t, err)

	ref, ok := e.feed.ReferencePrice(btc.Address, mln.Address)
	require.True(t, ok)
	require.Equal(t, units(20), ref)

	// 1.5 BTC in MLN.
	got, ok := e.feed.ConvertQuantity(uint256.NewInt(150_000_000), btc.Address, mln.Address)
	require.True(t, ok)
	require.Equal(t, units(30), got)

	price, ok := e.feed.GetPrice(quote.Address)
	require.True(t, ok)
	require.Equal(t, fixed.One, price)
}

func TestRegistryRemovalRevalidatesIndex(t *testing.T) {
	e := newEnv(t, 0, 1)
	require.Equal(t, []common.Address{quote.Address, mln.Address, btc.Address}, e.feed.RegisteredAssets())

	err := e.feed.RemoveAsset(govAddr, btc.Address, 1)
	require.ErrorIs(t, err, ErrStaleIndex)
	require.True(t, e.feed.AssetIsRegistered(btc.Address))

	require.NoError(t, e.feed.RemoveAsset(govAddr, mln.Address, 1))
	require.Equal(t, []common.Address{quote.Address, btc.Address}, e.feed.RegisteredAssets())
	require.ErrorIs(t, e.feed.RemoveAsset(govAddr, quote.Address, 0), ErrQuoteAsset)
	require.ErrorIs(t, e.feed.RemoveAsset(common.HexToAddress("0xbad"), btc.Address, 1), ledger.ErrUnauthorized)
	require.ErrorIs(t, e.feed.RegisterAsset(govAddr, btc), ErrAlreadyRegistered)
}

func TestExchangeRegistryAndSelectors(t *testing.T) {
	e := newEnv(t, 0, 1)
	sel := Selector("transfer(address,uint256)")
	require.Equal(t, [4]byte{0xa9, 0x05, 0x9c, 0xbb}, sel)

	ex := Exchange{
		Address:      common.HexToAddress("0xe1"),
		Adapter:      common.HexToAddress("0xad"),
		TakesCustody: true,
		Methods:      [][4]byte{sel},
	}
	require.NoError(t, e.feed.RegisterExchange(govAddr, ex))
	require.True(t, e.feed.ExchangeIsRegistered(ex.Address))
	require.True(t, e.feed.ExchangeMethodIsAllowed(ex.Address, sel))
	require.False(t, e.feed.ExchangeMethodIsAllowed(ex.Address, Selector("approve(address,uint256)")))

	ex.TakesCustody = false
	require.NoError(t, e.feed.UpdateExchange(govAddr, ex))
	info, ok := e.feed.ExchangeInformation(ex.Address)
	require.True(t, ok)
	require.False(t, info.TakesCustody)

	require.NoError(t, e.feed.RemoveExchange(govAddr, ex.Address, 0))
	require.Empty(t, e.feed.RegisteredExchanges())
}

func TestStakingFeedsByOwner(t *testing.T) {
	e := newEnv(t, 2, 1)
	second, err := e.feed.SetupStakingFeed(e.owners[0])
	require.NoError(t, err)
	require.Equal(t, []common.Address{e.feeds[0].Address(), second.Address()}, e.feed.PriceFeedsByOwner(e.owners[0]))
	require.NotEqual(t, e.feeds[0].Address(), second.Address())
	require.Equal(t, uint64(5000), e.feed.TotalStakedFor(e.feeds[0].Address()).Uint64())
}

func TestSubFeedStakeRoundTrip(t *testing.T) {
	e := newEnv(t, 1, 1)
	f, owner := e.feeds[0], e.owners[0]
	tok := e.bank.Token(stakeAsset)
	before := tok.BalanceOf(owner).Uint64()

	err := f.DepositStake(owner, fixed.New(10_000_000))
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	require.NoError(t, f.Unstake(owner, fixed.New(5000)))
	_, err = f.WithdrawStake(owner)
	require.ErrorIs(t, err, staking.ErrWithdrawalDelay)
	e.clock.Advance(time.Hour)
	got, err := f.WithdrawStake(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), got.Uint64())
	require.Equal(t, before+5000, tok.BalanceOf(owner).Uint64())
	require.True(t, tok.BalanceOf(f.Address()).IsZero())
}

func TestMedianIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		prices := rapid.SliceOfN(rapid.Uint64Range(1, 1_000_000), 4, 4).Draw(rt, "prices")
		perm := rapid.Permutation(prices).Draw(rt, "perm")
		run := func(ps []uint64) *uint256.Int {
			e := newEnv(t, len(ps), 2)
			for i, p := range ps {
				e.report(t, i, mln.Address, units(p))
			}
			if _, err := e.feed.CollectAndUpdate(govAddr, nil); err != nil {
				rt.Fatalf("collect: %v", err)
			}
			price, _ := e.feed.GetPrice(mln.Address)
			return price
		}
		a, b := run(prices), run(perm)
		if !a.Eq(b) {
			rt.Fatalf("median %s != %s", fixed.String(a), fixed.String(b))
		}
	})
}
