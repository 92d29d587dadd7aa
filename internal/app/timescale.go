package app

import (
	"time"

	"fundfeed/internal/fixed"
	"fundfeed/internal/fund"
	"fundfeed/internal/pricefeed"
	"fundfeed/internal/timescale"
)

func (a *App) archiveRound(report pricefeed.RoundReport) {
	if a.archive == nil {
		return
	}
	for _, r := range report.Updated {
		a.archive.EnqueuePrice(timescale.PriceRow{
			Time:      r.Timestamp,
			UpdateID:  r.UpdateID,
			Asset:     r.Asset.Hex(),
			Symbol:    a.symbolOf(r.Asset),
			Price:     fixed.Format(r.Price),
			Reporters: report.Operators,
		})
	}
}

func (a *App) archiveFund(f *fund.Fund, calc fund.Calculations) {
	if a.archive == nil {
		return
	}
	a.archive.EnqueueFund(timescale.FundRow{
		Time:           calc.Timestamp,
		FundID:         f.ID(),
		Fund:           f.Name(),
		Gav:            fixed.Format(calc.Gav),
		Nav:            fixed.Format(calc.Nav),
		SharePrice:     fixed.Format(calc.SharePrice),
		TotalSupply:    fixed.Format(calc.TotalSupply),
		ManagementFee:  fixed.Format(calc.ManagementFee),
		PerformanceFee: fixed.Format(calc.PerformanceFee),
		UnclaimedFees:  fixed.Format(calc.UnclaimedFees),
	})
}

func unixUTC(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
