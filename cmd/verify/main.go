package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fundfeed/internal/app"
	"fundfeed/internal/config"
	"fundfeed/internal/fixed"
	"fundfeed/internal/ledger"
	"fundfeed/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed scenario.yaml
var scenarioYAML []byte

const (
	defaultVerifyEnvFile = ".env"
	defaultInvestShares  = "10"
	defaultPriceStep     = "0.05"
	scenarioStart        = 1_700_000_000
)

var scenarioPrices = map[string]string{"MLN": "0.2", "WBTC": "17.5"}

// verify runs a deterministic end-to-end scenario on a manual clock: operators report, rounds
// settle, an investor buys in, fees accrue and crystallise, the investor redeems and an operator
// exits through the withdrawal delay.
func main() {
	configPath := flag.String("config", "", "optional config path; defaults to the embedded scenario")
	rounds := flag.Int("rounds", 3, "number of collection rounds before investing")
	feeDays := flag.Int("fee-days", 30, "days to accrue fees before allocation")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.Parse(scenarioYAML)
	}
	if err != nil {
		fatal(err)
	}
	cfg.Schedule = config.ScheduleConfig{}

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	shares, err := decimalEnv("VERIFY_INVEST_SHARES", defaultInvestShares)
	if err != nil {
		fatal(err)
	}
	step, err := decimalEnv("VERIFY_PRICE_STEP", defaultPriceStep)
	if err != nil {
		fatal(err)
	}

	clock := ledger.NewManualClock(time.Unix(scenarioStart, 0))
	engine, err := app.Build(cfg, app.Deps{Clock: clock}, log)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()
	s := &scenario{engine: engine, clock: clock, log: log, step: step, stake: config.Address(cfg.Staking.Token)}

	fmt.Printf("operators: %d of %d hosted feeds\n", len(engine.Staking().Operators()), len(engine.HostedFeeds()))
	for i := 0; i < *rounds; i++ {
		s.reportAll(ctx, i)
		report, receipt := engine.Collect(ctx)
		if err := receipt.Result(); err != nil {
			fatal(fmt.Errorf("round %d: %w", i+1, err))
		}
		for _, rec := range report.Updated {
			fmt.Printf("round %d: %s = %s\n", report.UpdateID, s.symbol(rec.Asset), fixed.Format(rec.Price))
		}
		for _, skip := range report.Skipped {
			fmt.Printf("round %d: %s skipped with %d reports\n", report.UpdateID, s.symbol(skip.Asset), skip.Reports)
		}
		clock.Advance(cfg.PriceFeed.Interval)
	}

	if err := s.investAndRedeem(ctx, shares, *feeDays); err != nil {
		fatal(err)
	}
	if err := s.exitOperator(ctx, cfg.Staking.WithdrawalDelay); err != nil {
		fatal(err)
	}
	events, cursor := engine.Ledger().EventsSince(0)
	fmt.Printf("events: %d (cursor %d)\n", len(events), cursor)
}

type scenario struct {
	engine *app.App
	clock  *ledger.ManualClock
	log    *zap.Logger
	step   decimal.Decimal
	stake  common.Address
}

func (s *scenario) symbol(asset common.Address) string {
	if info, ok := s.engine.PriceFeed().AssetInformation(asset); ok && info.Symbol != "" {
		return info.Symbol
	}
	return asset.Hex()
}

// reportAll has every hosted operator report each priced asset, spread by step per operator.
func (s *scenario) reportAll(ctx context.Context, round int) {
	feed := s.engine.PriceFeed()
	for i, addr := range s.engine.HostedFeeds() {
		sub, ok := feed.SubFeed(addr)
		if !ok || !s.engine.Staking().IsOperator(addr) {
			continue
		}
		var assets []common.Address
		var prices []*uint256.Int
		for _, asset := range feed.RegisteredAssets() {
			if asset == feed.QuoteAsset() {
				continue
			}
			base, ok := scenarioPrices[s.symbol(asset)]
			if !ok {
				base = "1"
			}
			price := decimal.RequireFromString(base).Add(s.step.Mul(decimal.NewFromInt(int64(i + round))))
			v, err := fixed.FromDecimal(price, fixed.Decimals)
			if err != nil {
				fatal(err)
			}
			assets = append(assets, asset)
			prices = append(prices, v)
		}
		receipt := s.engine.Ledger().Submit(ctx, "subFeedUpdate", sub.Owner(), func(context.Context) error {
			return sub.Update(sub.Owner(), assets, prices)
		})
		if err := receipt.Result(); err != nil {
			s.log.Warn("operator report rejected", zap.String("feed", addr.Hex()), zap.Error(err))
		}
	}
}

func (s *scenario) investAndRedeem(ctx context.Context, shares decimal.Decimal, feeDays int) error {
	funds := s.engine.Version().Funds()
	if len(funds) == 0 {
		fmt.Println("no funds configured, skipping investment")
		return nil
	}
	f := funds[0]
	investor := common.HexToAddress(strings.TrimSpace(os.Getenv("VERIFY_INVESTOR")))
	if investor == (common.Address{}) {
		investor = common.HexToAddress("0xa11ce")
	}
	base := s.engine.Bank().Token(f.BaseAsset())
	wanted, err := fixed.FromDecimal(shares, fixed.Decimals)
	if err != nil {
		return err
	}
	offered := base.BalanceOf(investor)
	if offered.IsZero() {
		return fmt.Errorf("investor %s holds no %s", investor.Hex(), s.symbol(f.BaseAsset()))
	}

	receipt := s.engine.Ledger().Submit(ctx, "requestInvestment", investor, func(context.Context) error {
		if err := base.Approve(investor, f.Address(), offered); err != nil {
			return err
		}
		_, err := f.RequestInvestment(investor, offered, wanted, f.BaseAsset())
		return err
	})
	if err := receipt.Result(); err != nil {
		return fmt.Errorf("request investment: %w", err)
	}

	s.reportAll(ctx, 0)
	if _, receipt := s.engine.Collect(ctx); !receipt.Applied() {
		return fmt.Errorf("settlement round: %w", receipt.Result())
	}
	for _, r := range s.engine.ExecutePendingRequests(ctx) {
		if !r.Applied() {
			return fmt.Errorf("execute request: %w", r.Result())
		}
	}
	fmt.Printf("fund %q: investor holds %s shares, paid %s %s\n",
		f.Name(), fixed.Format(f.BalanceOf(investor)), fixed.Format(fixed.Sub(offered, base.BalanceOf(investor))), s.symbol(f.BaseAsset()))

	s.clock.Advance(time.Duration(feeDays) * 24 * time.Hour)
	s.reportAll(ctx, 0)
	if _, receipt := s.engine.Collect(ctx); !receipt.Applied() {
		return fmt.Errorf("fee round: %w", receipt.Result())
	}
	for _, r := range s.engine.AllocateFees(ctx) {
		if !r.Applied() {
			return fmt.Errorf("allocate fees: %w", r.Result())
		}
	}
	calc, err := f.PerformCalculations()
	if err != nil {
		return err
	}
	fmt.Printf("after %d days: manager holds %s shares, share price %s, nav %s\n",
		feeDays, fixed.Format(f.BalanceOf(f.Manager())), fixed.Format(calc.SharePrice), fixed.Format(calc.Nav))

	held := f.BalanceOf(investor)
	receipt = s.engine.Ledger().Submit(ctx, "redeemAllOwnedAssets", investor, func(context.Context) error {
		return f.RedeemAllOwnedAssets(investor, held)
	})
	if err := receipt.Result(); err != nil {
		return fmt.Errorf("redeem: %w", err)
	}
	fmt.Printf("investor redeemed %s shares, now holds %s %s\n", fixed.Format(held), fixed.Format(base.BalanceOf(investor)), s.symbol(f.BaseAsset()))
	return nil
}

// exitOperator unstakes the last hosted operator and shows the withdrawal delay holding.
func (s *scenario) exitOperator(ctx context.Context, delay time.Duration) error {
	hosted := s.engine.HostedFeeds()
	if len(hosted) == 0 {
		return nil
	}
	sub, ok := s.engine.PriceFeed().SubFeed(hosted[len(hosted)-1])
	if !ok {
		return errors.New("hosted feed missing")
	}
	staked := sub.StakedAmount()
	owner := sub.Owner()
	receipt := s.engine.Ledger().Submit(ctx, "unstake", owner, func(context.Context) error {
		return sub.Unstake(owner, staked)
	})
	if err := receipt.Result(); err != nil {
		return fmt.Errorf("unstake: %w", err)
	}
	fmt.Printf("operator %s unstaked %s, operators now %d\n", sub.Address().Hex(), fixed.Format(staked), len(s.engine.Staking().Operators()))

	withdraw := func() ledger.Receipt {
		return s.engine.Ledger().Submit(ctx, "withdrawStake", owner, func(context.Context) error {
			_, err := sub.WithdrawStake(owner)
			return err
		})
	}
	early := withdraw()
	fmt.Printf("early withdrawal: %s %s\n", early.Status, early.Kind)
	s.clock.Advance(delay)
	if err := withdraw().Result(); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	stakeToken := s.engine.Bank().Token(s.stake)
	fmt.Printf("operator owner balance after withdrawal: %s\n", fixed.Format(stakeToken.BalanceOf(owner)))
	return nil
}

func decimalEnv(key, fallback string) (decimal.Decimal, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		val = fallback
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid %s: %s", key, strconv.Quote(val))
	}
	return d, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
