package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
}

// Emitter receives events from state transitions that were applied.
type Emitter interface {
	Emit(kind string, attrs map[string]string)
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock only moves when advanced. It is what tests and the scenario runner use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

type Event struct {
	Seq   uint64            `json:"seq"`
	Kind  string            `json:"kind"`
	Time  time.Time         `json:"time"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

type Status string

const (
	StatusApplied  Status = "APPLIED"
	StatusRejected Status = "REJECTED"
)

type Receipt struct {
	ID     string
	Op     string
	Caller common.Address
	Time   time.Time
	Status Status
	Kind   Kind
	Reason string
	Err    error
	Events []Event
}

func (r Receipt) Applied() bool { return r.Status == StatusApplied }

// Observer is notified of every receipt. Metrics hook in here.
type Observer func(Receipt)

// Ledger is the local deterministic store: a single global order of operations, each either
// fully applied or fully rejected.
type Ledger struct {
	clock Clock
	log   *zap.Logger

	submitMu sync.Mutex

	mu        sync.Mutex
	events    []Event
	pending   []Event
	inTx      bool
	seq       uint64
	subs      []chan struct{}
	observers []Observer
	maxEvents int
}

const defaultMaxEvents = 100_000

func New(clock Clock, log *zap.Logger) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{clock: clock, log: log, maxEvents: defaultMaxEvents}
}

// SetMaxEvents bounds how many committed events are retained for EventsSince.
func (l *Ledger) SetMaxEvents(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	l.maxEvents = n
	l.mu.Unlock()
}

func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

func (l *Ledger) Observe(fn Observer) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// Submit runs op under the global operation lock. Events emitted while op runs are kept only if
// op returns nil.
func (l *Ledger) Submit(ctx context.Context, op string, caller common.Address, fn func(ctx context.Context) error) Receipt {
	l.submitMu.Lock()
	defer l.submitMu.Unlock()

	receipt := Receipt{ID: uuid.NewString(), Op: op, Caller: caller, Time: l.Now()}
	if err := ctx.Err(); err != nil {
		receipt.Status = StatusRejected
		receipt.Kind = KindCancelled
		receipt.Reason = err.Error()
		receipt.Err = err
		l.notify(receipt)
		return receipt
	}

	l.mu.Lock()
	l.inTx = true
	l.pending = nil
	l.mu.Unlock()

	err := fn(ctx)

	l.mu.Lock()
	l.inTx = false
	pending := l.pending
	l.pending = nil
	if err == nil {
		pending = l.commitLocked(pending)
	}
	l.mu.Unlock()

	if err != nil {
		receipt.Status = StatusRejected
		receipt.Kind = Classify(err)
		receipt.Reason = err.Error()
		receipt.Err = err
		l.log.Debug("operation rejected",
			zap.String("op", op),
			zap.String("caller", caller.Hex()),
			zap.String("kind", string(receipt.Kind)),
			zap.Error(err),
		)
	} else {
		receipt.Status = StatusApplied
		receipt.Events = pending
		l.wake()
	}
	l.notify(receipt)
	return receipt
}

// Emit records an event. Inside Submit the event is staged until the operation succeeds;
// outside Submit it is committed immediately.
func (l *Ledger) Emit(kind string, attrs map[string]string) {
	l.mu.Lock()
	ev := Event{Kind: kind, Time: l.clock.Now(), Attrs: attrs}
	if l.inTx {
		l.pending = append(l.pending, ev)
		l.mu.Unlock()
		return
	}
	l.commitLocked([]Event{ev})
	l.mu.Unlock()
	l.wake()
}

func (l *Ledger) commitLocked(evs []Event) []Event {
	for i := range evs {
		l.seq++
		evs[i].Seq = l.seq
	}
	l.events = append(l.events, evs...)
	if over := len(l.events) - l.maxEvents; over > 0 {
		l.events = append([]Event(nil), l.events[over:]...)
	}
	return evs
}

// EventsSince returns events with Seq > cursor and the cursor to use next time.
func (l *Ledger) EventsSince(cursor uint64) ([]Event, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.seq
	if len(l.events) == 0 || cursor >= next {
		return nil, next
	}
	first := l.events[0].Seq
	start := 0
	if cursor >= first {
		start = int(cursor - first + 1)
	}
	if start >= len(l.events) {
		return nil, next
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out, next
}

// Subscribe returns a channel that receives a signal whenever new events are committed.
func (l *Ledger) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, sub := range l.subs {
			if sub == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (l *Ledger) wake() {
	l.mu.Lock()
	subs := append([]chan struct{}(nil), l.subs...)
	l.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (l *Ledger) notify(r Receipt) {
	l.mu.Lock()
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()
	for _, fn := range observers {
		fn(r)
	}
}

var ErrNotApplied = errors.New("operation not applied")

// Result returns nil for applied receipts and the rejection error otherwise.
func (r Receipt) Result() error {
	if r.Applied() {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return ErrNotApplied
}
