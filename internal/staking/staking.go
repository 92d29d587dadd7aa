package staking

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fundfeed/internal/fixed"
	"fundfeed/internal/governance"
	"fundfeed/internal/ledger"
	"fundfeed/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var (
	ErrBelowMinimum      = ledger.Reject(ledger.KindInvariant, errors.New("stake below minimum"))
	ErrInsufficientStake = ledger.Reject(ledger.KindInsufficientResource, errors.New("unstake exceeds staked amount"))
	ErrWithdrawalDelay   = ledger.Reject(ledger.KindTiming, errors.New("withdrawal delay not elapsed"))
	ErrNothingToWithdraw = ledger.Reject(ledger.KindInsufficientResource, errors.New("nothing to withdraw"))
	ErrZeroAmount        = ledger.Reject(ledger.KindInvariant, errors.New("amount must be positive"))
)

type Config struct {
	// Pool is the identity holding staked tokens.
	Pool            common.Address
	MinimumStake    *uint256.Int
	NumOperators    int
	WithdrawalDelay time.Duration
}

type Record struct {
	Staker common.Address
	Amount *uint256.Int
	Ranked bool
	// Rank is the 1-based position among ranked stakers, 0 when unranked.
	Rank int
}

type Withdrawal struct {
	Staker       common.Address
	Amount       *uint256.Int
	UnstakedAt   time.Time
	ReleasableAt time.Time
}

type stake struct {
	amount *uint256.Int
	ranked bool
	// since orders ties: it is the sequence number of the stake that made the staker ranked.
	since uint64
}

type withdrawal struct {
	amount     *uint256.Int
	unstakedAt time.Time
}

// Staking holds stake deposits and ranks stakers. The top NumOperators ranked stakers are
// operators.
type Staking struct {
	cfg    Config
	token  token.Transferer
	auth   governance.Authorizer
	clock  ledger.Clock
	events ledger.Emitter
	log    *zap.Logger

	mu          sync.RWMutex
	stakes      map[common.Address]*stake
	withdrawals map[common.Address]*withdrawal
	ranked      []common.Address
	operators   map[common.Address]struct{}
	seq         uint64
	listeners   []func(operators []common.Address)
}

func New(cfg Config, tok token.Transferer, auth governance.Authorizer, clock ledger.Clock, events ledger.Emitter, log *zap.Logger) (*Staking, error) {
	if tok == nil {
		return nil, errors.New("staking token is required")
	}
	if cfg.NumOperators <= 0 {
		return nil, errors.New("staking requires at least one operator slot")
	}
	if cfg.MinimumStake == nil || cfg.MinimumStake.IsZero() {
		return nil, errors.New("staking minimum must be > 0")
	}
	if cfg.WithdrawalDelay < 0 {
		return nil, errors.New("withdrawal delay must be >= 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Staking{
		cfg:         cfg,
		token:       tok,
		auth:        auth,
		clock:       clock,
		events:      events,
		log:         log,
		stakes:      make(map[common.Address]*stake),
		withdrawals: make(map[common.Address]*withdrawal),
		operators:   make(map[common.Address]struct{}),
	}, nil
}

func (s *Staking) Config() Config { return s.cfg }

// Pool is the account stakers approve before staking.
func (s *Staking) Pool() common.Address { return s.cfg.Pool }

// OnOperatorsChanged registers fn to be called with the new operator list whenever it changes.
func (s *Staking) OnOperatorsChanged(fn func(operators []common.Address)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Stake pulls amount from staker into the pool. The staker must have approved the pool.
// A first stake that does not reach the minimum is rejected without moving tokens.
func (s *Staking) Stake(staker common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	s.mu.Lock()
	current := s.amountLocked(staker)
	rec := s.stakes[staker]
	wasRanked := rec != nil && rec.ranked
	total := fixed.Add(current, amount)
	if !wasRanked && total.Lt(s.cfg.MinimumStake) {
		s.mu.Unlock()
		return fmt.Errorf("stake %s for %s: %w", fixed.String(total), staker.Hex(), ErrBelowMinimum)
	}
	if err := s.token.TransferFrom(s.cfg.Pool, staker, s.cfg.Pool, amount); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("stake transfer: %w", err)
	}
	if rec == nil {
		rec = &stake{}
		s.stakes[staker] = rec
	}
	rec.amount = total
	if !rec.ranked {
		s.seq++
		rec.ranked = true
		rec.since = s.seq
	}
	changed, ops := s.rerankLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.emit("staked", staker, amount, total)
	s.log.Debug("staked", zap.String("staker", staker.Hex()), zap.String("amount", fixed.String(amount)))
	s.notify(changed, ops, listeners)
	return nil
}

// Unstake lowers the stake at once and queues amount for withdrawal after the delay.
// Repeated unstakes accumulate and restart the delay.
func (s *Staking) Unstake(staker common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	s.mu.Lock()
	rec := s.stakes[staker]
	if rec == nil || rec.amount.Lt(amount) {
		s.mu.Unlock()
		return fmt.Errorf("unstake %s for %s: %w", fixed.String(amount), staker.Hex(), ErrInsufficientStake)
	}
	rec.amount = new(uint256.Int).Sub(rec.amount, amount)
	if rec.amount.Lt(s.cfg.MinimumStake) {
		rec.ranked = false
		rec.since = 0
	}
	now := s.clock.Now()
	w := s.withdrawals[staker]
	if w == nil {
		w = &withdrawal{amount: fixed.Zero()}
		s.withdrawals[staker] = w
	}
	w.amount = fixed.Add(w.amount, amount)
	w.unstakedAt = now
	remaining := fixed.Clone(rec.amount)
	if rec.amount.IsZero() {
		delete(s.stakes, staker)
	}
	changed, ops := s.rerankLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.emit("unstaked", staker, amount, remaining)
	s.notify(changed, ops, listeners)
	return nil
}

// WithdrawStake releases every unstaked amount whose delay has elapsed. Before the delay it is
// a no-op that reports ErrWithdrawalDelay.
func (s *Staking) WithdrawStake(staker common.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.withdrawals[staker]
	if w == nil || w.amount.IsZero() {
		return fixed.Zero(), ErrNothingToWithdraw
	}
	if s.clock.Now().Before(w.unstakedAt.Add(s.cfg.WithdrawalDelay)) {
		return fixed.Zero(), fmt.Errorf("withdraw for %s releasable at %s: %w", staker.Hex(), w.unstakedAt.Add(s.cfg.WithdrawalDelay).Format(time.RFC3339), ErrWithdrawalDelay)
	}
	amount := fixed.Clone(w.amount)
	if err := s.token.Transfer(s.cfg.Pool, staker, amount); err != nil {
		return fixed.Zero(), fmt.Errorf("withdraw transfer: %w", err)
	}
	delete(s.withdrawals, staker)
	s.emit("stake-withdrawn", staker, amount, nil)
	return amount, nil
}

// BurnStake destroys amount of staker's stake. Governance only.
func (s *Staking) BurnStake(caller, staker common.Address, amount *uint256.Int) error {
	if s.auth == nil || !s.auth.IsAuthorized(caller, governance.ActionBurnStake) {
		return ledger.ErrUnauthorized
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	s.mu.Lock()
	rec := s.stakes[staker]
	if rec == nil || rec.amount.Lt(amount) {
		s.mu.Unlock()
		return fmt.Errorf("burn %s for %s: %w", fixed.String(amount), staker.Hex(), ErrInsufficientStake)
	}
	if err := s.token.Transfer(s.cfg.Pool, token.BurnAddress, amount); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("burn transfer: %w", err)
	}
	rec.amount = new(uint256.Int).Sub(rec.amount, amount)
	if rec.amount.Lt(s.cfg.MinimumStake) {
		rec.ranked = false
		rec.since = 0
	}
	remaining := fixed.Clone(rec.amount)
	if rec.amount.IsZero() {
		delete(s.stakes, staker)
	}
	changed, ops := s.rerankLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.emit("stake-burned", staker, amount, remaining)
	s.log.Info("stake burned", zap.String("staker", staker.Hex()), zap.String("amount", fixed.String(amount)))
	s.notify(changed, ops, listeners)
	return nil
}

func (s *Staking) IsOperator(id common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.operators[id]
	return ok
}

func (s *Staking) IsRanked(id common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.stakes[id]
	return rec != nil && rec.ranked
}

// Operators returns the operators in rank order.
func (s *Staking) Operators() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := min(s.cfg.NumOperators, len(s.ranked))
	return append([]common.Address(nil), s.ranked[:n]...)
}

// StakersAndAmounts returns every ranked staker with its stake, most staked first.
func (s *Staking) StakersAndAmounts() ([]common.Address, []*uint256.Int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stakers := append([]common.Address(nil), s.ranked...)
	amounts := make([]*uint256.Int, len(stakers))
	for i, id := range stakers {
		amounts[i] = fixed.Clone(s.stakes[id].amount)
	}
	return stakers, amounts
}

// StakedAmount is the current stake of id, ranked or not.
func (s *Staking) StakedAmount(id common.Address) *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fixed.Clone(s.amountLocked(id))
}

func (s *Staking) Record(id common.Address) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Record{Staker: id, Amount: fixed.Clone(s.amountLocked(id))}
	if rec := s.stakes[id]; rec != nil && rec.ranked {
		out.Ranked = true
		for i, r := range s.ranked {
			if r == id {
				out.Rank = i + 1
				break
			}
		}
	}
	return out
}

func (s *Staking) PendingWithdrawal(id common.Address) (Withdrawal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.withdrawals[id]
	if w == nil {
		return Withdrawal{}, false
	}
	return Withdrawal{
		Staker:       id,
		Amount:       fixed.Clone(w.amount),
		UnstakedAt:   w.unstakedAt,
		ReleasableAt: w.unstakedAt.Add(s.cfg.WithdrawalDelay),
	}, true
}

func (s *Staking) amountLocked(id common.Address) *uint256.Int {
	if rec := s.stakes[id]; rec != nil {
		return rec.amount
	}
	return fixed.Zero()
}

// rerankLocked rebuilds the ranking from scratch: descending stake, earlier ranking wins ties.
func (s *Staking) rerankLocked() (bool, []common.Address) {
	ranked := make([]common.Address, 0, len(s.stakes))
	for id, rec := range s.stakes {
		if rec.ranked {
			ranked = append(ranked, id)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := s.stakes[ranked[i]], s.stakes[ranked[j]]
		if c := a.amount.Cmp(b.amount); c != 0 {
			return c > 0
		}
		return a.since < b.since
	})
	s.ranked = ranked

	n := min(s.cfg.NumOperators, len(ranked))
	next := make(map[common.Address]struct{}, n)
	for _, id := range ranked[:n] {
		next[id] = struct{}{}
	}
	changed := len(next) != len(s.operators)
	if !changed {
		for id := range next {
			if _, ok := s.operators[id]; !ok {
				changed = true
				break
			}
		}
	}
	s.operators = next
	return changed, append([]common.Address(nil), ranked[:n]...)
}

func (s *Staking) notify(changed bool, ops []common.Address, listeners []func([]common.Address)) {
	if !changed {
		return
	}
	s.log.Info("operator set changed", zap.Int("operators", len(ops)))
	for _, fn := range listeners {
		fn(ops)
	}
}

func (s *Staking) emit(kind string, staker common.Address, amount, total *uint256.Int) {
	if s.events == nil {
		return
	}
	attrs := map[string]string{
		"staker": staker.Hex(),
		"amount": fixed.String(amount),
	}
	if total != nil {
		attrs["total"] = fixed.String(total)
	}
	s.events.Emit(kind, attrs)
}
