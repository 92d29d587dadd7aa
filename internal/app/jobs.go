package app

import (
	"context"
	"errors"
	"fmt"

	"fundfeed/internal/alerts"
	"fundfeed/internal/fixed"
	"fundfeed/internal/fund"
	"fundfeed/internal/governance"
	"fundfeed/internal/ledger"
	"fundfeed/internal/pricefeed"
	"fundfeed/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func (a *App) schedule() error {
	s := a.cfg.Schedule
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"collect", s.Collect, func(ctx context.Context) error {
			_, receipt := a.Collect(ctx)
			if errors.Is(receipt.Err, pricefeed.ErrRoundTooEarly) {
				return nil
			}
			return receipt.Result()
		}},
		{"execute-requests", s.ExecuteRequests, func(ctx context.Context) error {
			a.ExecutePendingRequests(ctx)
			return nil
		}},
		{"allocate-fees", s.AllocateFees, func(ctx context.Context) error {
			a.AllocateFees(ctx)
			return nil
		}},
		{"snapshot", s.Snapshot, a.Snapshot},
	}
	for _, job := range jobs {
		if err := a.scheduler.Add(job.name, job.spec, job.run); err != nil {
			return err
		}
	}
	return nil
}

// Collect runs one collection round over every registered asset as the collector identity.
func (a *App) Collect(ctx context.Context) (pricefeed.RoundReport, ledger.Receipt) {
	var report pricefeed.RoundReport
	receipt := a.ledger.Submit(ctx, "collectAndUpdate", a.collector, func(context.Context) error {
		var err error
		report, err = a.feed.CollectAndUpdate(a.collector, nil)
		return err
	})
	for range report.Skipped {
		a.metrics.AssetsSkipped.Inc()
	}
	switch {
	case receipt.Applied():
		a.metrics.RoundsCompleted.Inc()
		a.metrics.UpdateID.Set(float64(report.UpdateID))
		a.mu.Lock()
		a.lastRound = report.Timestamp
		a.mu.Unlock()
		a.archiveRound(report)
		a.log.Info("price round completed",
			zap.Uint64("update_id", report.UpdateID),
			zap.Int("updated", len(report.Updated)),
			zap.Int("skipped", len(report.Skipped)),
			zap.Int("operators", report.Operators),
		)
	case errors.Is(receipt.Err, pricefeed.ErrNoConsensus):
		a.metrics.RoundsFailed.Inc()
		skipped := make(map[string]int, len(report.Skipped))
		for _, s := range report.Skipped {
			skipped[a.symbolOf(s.Asset)] = s.Reports
		}
		a.alert(alerts.RoundFailed(a.feed.UpdateID(), skipped, a.feed.MinimumUpdates()))
		a.log.Warn("price round produced no prices", zap.Int("skipped", len(report.Skipped)), zap.Int("operators", report.Operators))
	}
	return report, receipt
}

// ExecutePendingRequests tries every active investment request whose offered asset has been
// repriced since the request was made. Requests that fail stay active for the next pass.
func (a *App) ExecutePendingRequests(ctx context.Context) []ledger.Receipt {
	var receipts []ledger.Receipt
	for _, f := range a.version.Funds() {
		for _, id := range f.ActiveRequests() {
			req, ok := f.Request(id)
			if !ok || a.feed.AssetUpdateID(req.OfferedAsset) <= req.AtUpdateID {
				continue
			}
			receipt := a.ledger.Submit(ctx, "executeRequest", a.collector, func(context.Context) error {
				return f.ExecuteRequest(id)
			})
			if receipt.Applied() {
				a.metrics.RequestsExecuted.Inc()
			} else {
				a.log.Info("request not executed",
					zap.Uint64("fund_id", f.ID()),
					zap.Uint64("request_id", id),
					zap.String("kind", string(receipt.Kind)),
					zap.String("reason", receipt.Reason),
				)
			}
			receipts = append(receipts, receipt)
		}
	}
	return receipts
}

// AllocateFees crystallises fees for every fund as its manager and archives the valuation.
func (a *App) AllocateFees(ctx context.Context) []ledger.Receipt {
	var receipts []ledger.Receipt
	for _, f := range a.version.Funds() {
		var calc fund.Calculations
		receipt := a.ledger.Submit(ctx, "allocateFees", f.Manager(), func(context.Context) error {
			var err error
			calc, err = f.CalcSharePriceAndAllocateFees(f.Manager())
			return err
		})
		if receipt.Applied() {
			a.metrics.FeesAllocated.Inc()
			a.archiveFund(f, calc)
		} else {
			a.log.Warn("fee allocation failed", zap.Uint64("fund_id", f.ID()), zap.String("reason", receipt.Reason))
		}
		receipts = append(receipts, receipt)
	}
	return receipts
}

// Propose, Confirm and Trigger run the governance steps as ledger operations.
func (a *App) Propose(ctx context.Context, caller common.Address, action governance.Action, args any) (uint64, ledger.Receipt) {
	var id uint64
	receipt := a.ledger.Submit(ctx, "propose", caller, func(context.Context) error {
		var err error
		id, err = a.governance.Propose(caller, action, args)
		return err
	})
	return id, receipt
}

func (a *App) Confirm(ctx context.Context, caller common.Address, id uint64) ledger.Receipt {
	return a.ledger.Submit(ctx, "confirm", caller, func(context.Context) error {
		return a.governance.Confirm(caller, id)
	})
}

func (a *App) Trigger(ctx context.Context, caller common.Address, id uint64) ledger.Receipt {
	return a.ledger.Submit(ctx, "trigger", caller, func(ctx context.Context) error {
		return a.governance.Trigger(ctx, caller, id)
	})
}

// Snapshot persists the canonical history tail and every fund's current valuation.
func (a *App) Snapshot(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	now := a.clock.Now()
	snap := state.EngineSnapshot{
		UpdateID:  a.feed.UpdateID(),
		TakenAtMS: now.UnixMilli(),
		FundCount: len(a.version.Funds()),
	}
	for _, op := range a.staking.Operators() {
		snap.Operators = append(snap.Operators, op.Hex())
	}
	_, snap.EventCursor = a.ledger.EventsSince(^uint64(0))
	tail := a.cfg.PriceFeed.HistoryTail
	for _, asset := range a.feed.RegisteredAssets() {
		history := a.feed.History(asset)
		if tail > 0 && len(history) > tail {
			history = history[len(history)-tail:]
		}
		for _, r := range history {
			snap.Prices = append(snap.Prices, state.PriceRecord{
				Asset:    r.Asset.Hex(),
				Price:    fixed.String(r.Price),
				UpdateID: r.UpdateID,
				UnixTime: r.Timestamp.Unix(),
			})
		}
	}
	if err := state.SaveEngineSnapshot(ctx, a.store, snap); err != nil {
		return fmt.Errorf("save engine snapshot: %w", err)
	}
	for _, f := range a.version.Funds() {
		calc, err := f.PerformCalculations()
		if err != nil {
			a.log.Warn("fund valuation failed", zap.Uint64("fund_id", f.ID()), zap.Error(err))
			continue
		}
		if err := state.SaveFundSnapshot(ctx, a.store, fundSnapshot(f, calc)); err != nil {
			return fmt.Errorf("save fund %d snapshot: %w", f.ID(), err)
		}
		a.archiveFund(f, calc)
	}
	a.log.Debug("snapshot saved", zap.Uint64("update_id", snap.UpdateID), zap.Int("prices", len(snap.Prices)))
	return nil
}

// restore reloads canonical history from the last snapshot. Balances, stakes and funds are
// rebuilt from config.
func (a *App) restore(ctx context.Context) error {
	snap, ok, err := state.LoadEngineSnapshot(ctx, a.store)
	if err != nil || !ok {
		return err
	}
	records := make([]pricefeed.Record, 0, len(snap.Prices))
	for _, p := range snap.Prices {
		price, err := fixed.Parse(p.Price)
		if err != nil {
			return fmt.Errorf("snapshot price for %s: %w", p.Asset, err)
		}
		records = append(records, pricefeed.Record{
			Asset:     common.HexToAddress(p.Asset),
			Price:     price,
			UpdateID:  p.UpdateID,
			Timestamp: unixUTC(p.UnixTime),
		})
	}
	a.feed.Restore(snap.UpdateID, records)
	a.metrics.UpdateID.Set(float64(snap.UpdateID))
	funds, err := state.LoadFundSnapshots(ctx, a.store)
	if err != nil {
		return err
	}
	a.log.Info("snapshot restored",
		zap.Uint64("update_id", snap.UpdateID),
		zap.Int("prices", len(records)),
		zap.Int("fund_snapshots", len(funds)),
	)
	return nil
}

func fundSnapshot(f *fund.Fund, calc fund.Calculations) state.FundSnapshot {
	return state.FundSnapshot{
		ID:             f.ID(),
		Address:        f.Address().Hex(),
		Manager:        f.Manager().Hex(),
		Name:           f.Name(),
		Gav:            fixed.String(calc.Gav),
		Nav:            fixed.String(calc.Nav),
		SharePrice:     fixed.String(calc.SharePrice),
		TotalSupply:    fixed.String(calc.TotalSupply),
		UnclaimedFees:  fixed.String(calc.UnclaimedFees),
		HighWaterMark:  fixed.String(f.HighWaterMark()),
		LastAllocation: f.LastFeeAllocation().Unix(),
		TakenAtMS:      calc.Timestamp.UnixMilli(),
	}
}

func (a *App) symbolOf(asset common.Address) string {
	if info, ok := a.feed.AssetInformation(asset); ok && info.Symbol != "" {
		return info.Symbol
	}
	return asset.Hex()
}
