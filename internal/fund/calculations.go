package fund

import (
	"strconv"
	"time"

	"fundfeed/internal/fixed"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const yearSeconds = 365 * 24 * 60 * 60

// Calculations is one valuation of the fund. Values are 18-decimal base-asset units except
// SharePrice (base per share) and FeesShareQuantity (shares).
type Calculations struct {
	Gav               *uint256.Int
	ManagementFee     *uint256.Int
	PerformanceFee    *uint256.Int
	UnclaimedFees     *uint256.Int
	FeesShareQuantity *uint256.Int
	Nav               *uint256.Int
	SharePrice        *uint256.Int
	TotalSupply       *uint256.Int
	Timestamp         time.Time
}

type Fees struct {
	Management  *uint256.Int
	Performance *uint256.Int
	Unclaimed   *uint256.Int
}

// CalcGav values every owned asset at its canonical price and expresses the sum in the base asset.
func (f *Fund) CalcGav() (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gavLocked()
}

func (f *Fund) gavLocked() (*uint256.Int, error) {
	inQuote := fixed.Zero()
	for _, asset := range f.owned {
		bal := f.version.tokens(asset).BalanceOf(f.address)
		if bal.IsZero() {
			continue
		}
		price, err := f.priceLocked(asset)
		if err != nil {
			return nil, err
		}
		canonical, err := fixed.ToCanonical(bal, f.decimals(asset))
		if err != nil {
			return nil, err
		}
		value, err := fixed.Mul(canonical, price)
		if err != nil {
			return nil, err
		}
		inQuote = fixed.Add(inQuote, value)
	}
	if inQuote.IsZero() {
		return inQuote, nil
	}
	basePrice, err := f.priceLocked(f.params.BaseAsset)
	if err != nil {
		return nil, err
	}
	return fixed.Div(inQuote, basePrice)
}

// CalcUnclaimedFees accrues the management fee on gav for the time since the last allocation and
// the performance fee on share value above the high-water-mark.
func (f *Fund) CalcUnclaimedFees(gav *uint256.Int) (Fees, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feesLocked(gav, f.version.clock.Now())
}

func (f *Fund) feesLocked(gav *uint256.Int, now time.Time) (Fees, error) {
	fees := Fees{Management: fixed.Zero(), Performance: fixed.Zero(), Unclaimed: fixed.Zero()}
	if gav.IsZero() {
		return fees, nil
	}
	elapsed := now.Sub(f.lastAllocation)
	if elapsed > 0 && !f.params.ManagementFeeRate.IsZero() {
		rateTime := new(uint256.Int).Mul(f.params.ManagementFeeRate, uint256.NewInt(uint64(elapsed/time.Second)))
		denom := new(uint256.Int).Mul(fixed.One, uint256.NewInt(yearSeconds))
		mgmt, err := fixed.MulDiv(gav, rateTime, denom)
		if err != nil {
			return fees, err
		}
		fees.Management = fixed.Min(mgmt, gav)
	}
	if !f.totalSupply.IsZero() && !f.params.PerformanceFeeRate.IsZero() {
		value, err := fixed.MulDiv(fixed.Sub(gav, fees.Management), fixed.One, f.totalSupply)
		if err != nil {
			return fees, err
		}
		if value.Gt(f.highWaterMark) {
			gain, err := fixed.Mul(new(uint256.Int).Sub(value, f.highWaterMark), f.totalSupply)
			if err != nil {
				return fees, err
			}
			perf, err := fixed.Mul(gain, f.params.PerformanceFeeRate)
			if err != nil {
				return fees, err
			}
			fees.Performance = perf
		}
	}
	fees.Unclaimed = fixed.Min(fixed.Add(fees.Management, fees.Performance), gav)
	return fees, nil
}

// CalcSharePrice is NAV per share, or 1.0 when no shares exist.
func (f *Fund) CalcSharePrice() (*uint256.Int, error) {
	calc, err := f.PerformCalculations()
	if err != nil {
		return nil, err
	}
	return calc.SharePrice, nil
}

func (f *Fund) PerformCalculations() (Calculations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calculateLocked()
}

func (f *Fund) calculateLocked() (Calculations, error) {
	now := f.version.clock.Now()
	gav, err := f.gavLocked()
	if err != nil {
		return Calculations{}, err
	}
	fees, err := f.feesLocked(gav, now)
	if err != nil {
		return Calculations{}, err
	}
	nav := fixed.Sub(gav, fees.Unclaimed)
	sharePrice := fixed.Clone(fixed.One)
	if !f.totalSupply.IsZero() {
		if sharePrice, err = fixed.MulDiv(nav, fixed.One, f.totalSupply); err != nil {
			return Calculations{}, err
		}
	}
	feeShares := fixed.Zero()
	if !fees.Unclaimed.IsZero() && !sharePrice.IsZero() {
		if feeShares, err = fixed.Div(fees.Unclaimed, sharePrice); err != nil {
			return Calculations{}, err
		}
	}
	return Calculations{
		Gav:               gav,
		ManagementFee:     fees.Management,
		PerformanceFee:    fees.Performance,
		UnclaimedFees:     fees.Unclaimed,
		FeesShareQuantity: feeShares,
		Nav:               nav,
		SharePrice:        sharePrice,
		TotalSupply:       fixed.Clone(f.totalSupply),
		Timestamp:         now,
	}, nil
}

// CalcSharePriceAndAllocateFees mints the accrued fees to the manager as shares and moves the
// high-water-mark and allocation time forward.
func (f *Fund) CalcSharePriceAndAllocateFees(caller common.Address) (Calculations, error) {
	if caller != f.manager {
		return Calculations{}, ErrNotManager
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	calc, err := f.calculateLocked()
	if err != nil {
		return Calculations{}, err
	}
	f.allocateLocked(calc)
	return calc, nil
}

func (f *Fund) allocateLocked(calc Calculations) {
	if !calc.FeesShareQuantity.IsZero() {
		f.mintLocked(f.manager, calc.FeesShareQuantity)
	}
	f.highWaterMark = fixed.Max(f.highWaterMark, calc.SharePrice)
	f.lastAllocation = calc.Timestamp
	f.emit("fees-allocated", map[string]string{
		"fund":          f.address.Hex(),
		"manager":       f.manager.Hex(),
		"feeShares":     fixed.String(calc.FeesShareQuantity),
		"sharePrice":    fixed.String(calc.SharePrice),
		"highWaterMark": fixed.String(f.highWaterMark),
		"unixTime":      strconv.FormatInt(calc.Timestamp.Unix(), 10),
	})
	if !calc.FeesShareQuantity.IsZero() {
		f.log.Info("fees allocated",
			zap.String("fee_shares", fixed.Format(calc.FeesShareQuantity)),
			zap.String("share_price", fixed.Format(calc.SharePrice)),
		)
	}
}
