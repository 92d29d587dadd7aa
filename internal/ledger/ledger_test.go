package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var errTooEarly = Reject(KindTiming, errors.New("too early"))

func TestSubmitCommitsEventsOnSuccess(t *testing.T) {
	l := New(NewManualClock(time.Unix(1000, 0)), nil)
	caller := common.HexToAddress("0x01")
	receipt := l.Submit(context.Background(), "noop", caller, func(ctx context.Context) error {
		l.Emit("did-something", map[string]string{"k": "v"})
		return nil
	})
	if !receipt.Applied() {
		t.Fatalf("expected applied receipt, got %+v", receipt)
	}
	if len(receipt.Events) != 1 || receipt.Events[0].Seq != 1 {
		t.Fatalf("unexpected receipt events: %+v", receipt.Events)
	}
	if receipt.ID == "" {
		t.Fatalf("expected receipt id")
	}
	evs, next := l.EventsSince(0)
	if len(evs) != 1 || next != 1 {
		t.Fatalf("expected 1 event and cursor 1, got %d/%d", len(evs), next)
	}
}

func TestSubmitDropsEventsOnRejection(t *testing.T) {
	l := New(NewManualClock(time.Unix(1000, 0)), nil)
	receipt := l.Submit(context.Background(), "late", common.Address{}, func(ctx context.Context) error {
		l.Emit("should-not-survive", nil)
		return fmt.Errorf("withdraw: %w", errTooEarly)
	})
	if receipt.Applied() {
		t.Fatalf("expected rejection")
	}
	if receipt.Kind != KindTiming {
		t.Fatalf("expected timing kind, got %s", receipt.Kind)
	}
	if !errors.Is(receipt.Result(), errTooEarly) {
		t.Fatalf("expected wrapped sentinel, got %v", receipt.Result())
	}
	if evs, _ := l.EventsSince(0); len(evs) != 0 {
		t.Fatalf("expected no committed events, got %d", len(evs))
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	l := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	receipt := l.Submit(ctx, "op", common.Address{}, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called || receipt.Kind != KindCancelled {
		t.Fatalf("expected cancelled receipt without running op")
	}
}

func TestEventsSinceCursor(t *testing.T) {
	l := New(nil, nil)
	for i := 0; i < 3; i++ {
		l.Emit("tick", nil)
	}
	evs, next := l.EventsSince(2)
	if len(evs) != 1 || evs[0].Seq != 3 || next != 3 {
		t.Fatalf("unexpected events %+v next=%d", evs, next)
	}
	if evs, _ := l.EventsSince(3); len(evs) != 0 {
		t.Fatalf("expected nothing past the head")
	}
	if evs, next := l.EventsSince(^uint64(0)); len(evs) != 0 || next != 3 {
		t.Fatalf("expected empty batch and head cursor, got %d/%d", len(evs), next)
	}
}

func TestMaxEventsTrimsOldest(t *testing.T) {
	l := New(nil, nil)
	l.SetMaxEvents(2)
	for i := 0; i < 5; i++ {
		l.Emit("tick", nil)
	}
	evs, next := l.EventsSince(0)
	if len(evs) != 2 || evs[0].Seq != 4 || next != 5 {
		t.Fatalf("unexpected retained events %+v next=%d", evs, next)
	}
}

func TestSubscribeWakes(t *testing.T) {
	l := New(nil, nil)
	ch, cancel := l.Subscribe()
	defer cancel()
	l.Emit("tick", nil)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected wake-up")
	}
}

func TestObserverSeesReceipts(t *testing.T) {
	l := New(nil, nil)
	var got []Status
	l.Observe(func(r Receipt) { got = append(got, r.Status) })
	l.Submit(context.Background(), "ok", common.Address{}, func(context.Context) error { return nil })
	l.Submit(context.Background(), "bad", common.Address{}, func(context.Context) error { return ErrUnauthorized })
	if len(got) != 2 || got[0] != StatusApplied || got[1] != StatusRejected {
		t.Fatalf("unexpected observed statuses %v", got)
	}
}

func TestClassifyUntagged(t *testing.T) {
	if Classify(errors.New("boom")) != KindInvariant {
		t.Fatalf("expected invariant for untagged errors")
	}
	if Classify(nil) != KindNone {
		t.Fatalf("expected none for nil")
	}
}

func TestManualClockAdvance(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	c.Advance(5 * time.Second)
	c.Advance(-time.Second)
	if got := c.Now().Unix(); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}
