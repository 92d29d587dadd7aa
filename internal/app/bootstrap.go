package app

import (
	"context"
	"fmt"

	"fundfeed/internal/config"
	"fundfeed/internal/fixed"
	"fundfeed/internal/fund"
	"fundfeed/internal/governance"
	"fundfeed/internal/ledger"
	"fundfeed/internal/pricefeed"
	"fundfeed/internal/quotes"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// RemoveArgs is the payload of removeAsset and removeExchange proposals.
type RemoveArgs struct {
	ID    common.Address `msgpack:"id"`
	Index int            `msgpack:"index"`
}

// BurnArgs is the payload of burnStake proposals. Amount is a raw 18-decimal integer.
type BurnArgs struct {
	Staker common.Address `msgpack:"staker"`
	Amount string         `msgpack:"amount"`
}

func (a *App) registerGovernanceHandlers() {
	a.governance.Handle(governance.ActionRegisterAsset, func(_ context.Context, caller common.Address, payload []byte) error {
		var asset pricefeed.Asset
		if err := governance.Decode(payload, &asset); err != nil {
			return err
		}
		return a.feed.RegisterAsset(caller, asset)
	})
	a.governance.Handle(governance.ActionUpdateAsset, func(_ context.Context, caller common.Address, payload []byte) error {
		var asset pricefeed.Asset
		if err := governance.Decode(payload, &asset); err != nil {
			return err
		}
		return a.feed.UpdateAsset(caller, asset)
	})
	a.governance.Handle(governance.ActionRemoveAsset, func(_ context.Context, caller common.Address, payload []byte) error {
		var args RemoveArgs
		if err := governance.Decode(payload, &args); err != nil {
			return err
		}
		return a.feed.RemoveAsset(caller, args.ID, args.Index)
	})
	a.governance.Handle(governance.ActionRegisterExchange, func(_ context.Context, caller common.Address, payload []byte) error {
		var ex pricefeed.Exchange
		if err := governance.Decode(payload, &ex); err != nil {
			return err
		}
		return a.feed.RegisterExchange(caller, ex)
	})
	a.governance.Handle(governance.ActionUpdateExchange, func(_ context.Context, caller common.Address, payload []byte) error {
		var ex pricefeed.Exchange
		if err := governance.Decode(payload, &ex); err != nil {
			return err
		}
		return a.feed.UpdateExchange(caller, ex)
	})
	a.governance.Handle(governance.ActionRemoveExchange, func(_ context.Context, caller common.Address, payload []byte) error {
		var args RemoveArgs
		if err := governance.Decode(payload, &args); err != nil {
			return err
		}
		return a.feed.RemoveExchange(caller, args.ID, args.Index)
	})
	a.governance.Handle(governance.ActionBurnStake, func(_ context.Context, caller common.Address, payload []byte) error {
		var args BurnArgs
		if err := governance.Decode(payload, &args); err != nil {
			return err
		}
		amount, err := fixed.Parse(args.Amount)
		if err != nil {
			return fmt.Errorf("burn amount: %w", ledger.ErrInvalidInput)
		}
		return a.staking.BurnStake(caller, args.Staker, amount)
	})
}

// bootstrap applies the configured registry, genesis balances, funds and operators. Every step
// is a ledger operation run as the identity that owns it.
func (a *App) bootstrap(ctx context.Context) error {
	cfg := a.cfg
	gov := a.governance.Address()

	for _, ac := range cfg.PriceFeed.Assets {
		asset := assetFromConfig(ac)
		if err := a.submit(ctx, "registerAsset", gov, func() error {
			return a.feed.RegisterAsset(gov, asset)
		}); err != nil {
			return fmt.Errorf("register asset %s: %w", ac.Symbol, err)
		}
	}
	for _, ec := range cfg.PriceFeed.Exchanges {
		ex := exchangeFromConfig(ec)
		if err := a.submit(ctx, "registerExchange", gov, func() error {
			return a.feed.RegisterExchange(gov, ex)
		}); err != nil {
			return fmt.Errorf("register exchange %s: %w", ec.Address, err)
		}
	}

	for _, g := range cfg.Genesis {
		asset := config.Address(g.Asset)
		amount, err := fixed.FromDecimal(g.Amount, a.decimalsOf(asset))
		if err != nil {
			return fmt.Errorf("genesis %s: %w", g.Account, err)
		}
		a.bank.Mint(asset, config.Address(g.Account), amount)
	}

	for _, fc := range cfg.Funds.Setup {
		manager := config.Address(fc.Manager)
		params, err := fundParams(fc)
		if err != nil {
			return fmt.Errorf("fund %s: %w", fc.Name, err)
		}
		if err := a.submit(ctx, "setupFund", manager, func() error {
			_, err := a.version.SetupFund(manager, params)
			return err
		}); err != nil {
			return fmt.Errorf("setup fund %s: %w", fc.Name, err)
		}
	}

	for i, oc := range cfg.Operators {
		if err := a.bootstrapOperator(ctx, oc); err != nil {
			return fmt.Errorf("operators[%d]: %w", i, err)
		}
	}
	return nil
}

func (a *App) bootstrapOperator(ctx context.Context, oc config.OperatorConfig) error {
	owner := config.Address(oc.Owner)
	var feed *pricefeed.SubFeed
	if err := a.submit(ctx, "setupStakingFeed", owner, func() error {
		var err error
		feed, err = a.feed.SetupStakingFeed(owner)
		return err
	}); err != nil {
		return err
	}
	a.mu.Lock()
	a.hosted = append(a.hosted, feed.Address())
	a.mu.Unlock()

	stake, err := fixed.FromDecimal(oc.Stake, fixed.Decimals)
	if err != nil {
		return err
	}
	if !stake.IsZero() {
		stakeToken := a.bank.Token(config.Address(a.cfg.Staking.Token))
		if err := a.submit(ctx, "depositStake", owner, func() error {
			if err := stakeToken.Approve(owner, feed.Address(), stake); err != nil {
				return err
			}
			return feed.DepositStake(owner, stake)
		}); err != nil {
			return err
		}
	}

	if oc.StreamURL != "" {
		client := quotes.NewClient(oc.StreamURL, oc.ReconnectDelay, oc.PingInterval, a.log.Named("quotes"))
		a.agents = append(a.agents, quotes.NewAgent(feed, a.ledger, client, nil, a.log.Named("operator")))
	}
	a.log.Info("operator feed ready",
		zap.String("owner", owner.Hex()),
		zap.String("feed", feed.Address().Hex()),
		zap.String("stake", fixed.Format(stake)),
		zap.Bool("operator", a.staking.IsOperator(feed.Address())),
	)
	return nil
}

// submit runs fn as one ledger operation and returns its rejection, if any.
func (a *App) submit(ctx context.Context, op string, caller common.Address, fn func() error) error {
	return a.ledger.Submit(ctx, op, caller, func(context.Context) error { return fn() }).Result()
}

// decimalsOf returns the registered decimals of asset, or 18 for unregistered assets such as the
// staking token.
func (a *App) decimalsOf(asset common.Address) uint8 {
	if info, ok := a.feed.AssetInformation(asset); ok {
		return info.Decimals
	}
	return fixed.Decimals
}

func assetFromConfig(ac config.AssetConfig) pricefeed.Asset {
	return pricefeed.Asset{
		Address:            config.Address(ac.Address),
		Name:               ac.Name,
		Symbol:             ac.Symbol,
		Decimals:           ac.Decimals,
		URL:                ac.URL,
		IPFSHash:           ac.IPFSHash,
		BreakIn:            config.Address(ac.BreakIn),
		BreakOut:           config.Address(ac.BreakOut),
		StandardsSupported: append([]string(nil), ac.Standard...),
		FunctionSignatures: append([]string(nil), ac.Functions...),
	}
}

func exchangeFromConfig(ec config.ExchangeConfig) pricefeed.Exchange {
	ex := pricefeed.Exchange{
		Address:      config.Address(ec.Address),
		Adapter:      config.Address(ec.Adapter),
		TakesCustody: ec.TakesCustody,
	}
	for _, sig := range ec.Methods {
		ex.Methods = append(ex.Methods, pricefeed.Selector(sig))
	}
	return ex
}

func fundParams(fc config.FundConfig) (fund.Params, error) {
	mgmt, err := fixed.FromDecimal(fc.ManagementFee, fixed.Decimals)
	if err != nil {
		return fund.Params{}, err
	}
	perf, err := fixed.FromDecimal(fc.PerformanceFee, fixed.Decimals)
	if err != nil {
		return fund.Params{}, err
	}
	return fund.Params{
		Name:               fc.Name,
		BaseAsset:          config.Address(fc.BaseAsset),
		ManagementFeeRate:  mgmt,
		PerformanceFeeRate: perf,
		Exchanges:          addresses(fc.Exchanges),
	}, nil
}
