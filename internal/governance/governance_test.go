package governance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fundfeed/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	govAddr = common.HexToAddress("0x600d")
	auth1   = common.HexToAddress("0x01")
	auth2   = common.HexToAddress("0x02")
	outside = common.HexToAddress("0x03")
)

type burnArgs struct {
	Staker common.Address
	Amount uint64
}

func newGov(t *testing.T, clock *ledger.ManualClock, quorum int) *Governance {
	t.Helper()
	g, err := New(Config{
		Address:     govAddr,
		Authorities: []common.Address{auth1, auth2},
		Quorum:      quorum,
		Window:      time.Hour,
	}, clock, ledger.New(clock, nil), nil)
	require.NoError(t, err)
	return g
}

func TestProposeConfirmTrigger(t *testing.T) {
	clock := ledger.NewManualClock(time.Unix(0, 0))
	g := newGov(t, clock, 2)

	var got burnArgs
	var gotCaller common.Address
	g.Handle(ActionBurnStake, func(ctx context.Context, caller common.Address, payload []byte) error {
		gotCaller = caller
		return Decode(payload, &got)
	})

	id, err := g.Propose(auth1, ActionBurnStake, burnArgs{Staker: auth2, Amount: 42})
	require.NoError(t, err)

	require.ErrorIs(t, g.Trigger(context.Background(), auth1, id), ErrNotConfirmed)
	require.NoError(t, g.Confirm(auth1, id))
	require.ErrorIs(t, g.Confirm(auth1, id), ErrAlreadyConfirmed)
	p, _ := g.Proposal(id)
	require.Equal(t, StateProposed, p.State)

	require.NoError(t, g.Confirm(auth2, id))
	require.NoError(t, g.Trigger(context.Background(), auth2, id))
	p, _ = g.Proposal(id)
	require.Equal(t, StateTriggered, p.State)
	require.Equal(t, burnArgs{Staker: auth2, Amount: 42}, got)
	require.Equal(t, govAddr, gotCaller)

	require.ErrorIs(t, g.Trigger(context.Background(), auth1, id), ErrProposalClosed)
}

func TestOutsiderCannotPropose(t *testing.T) {
	g := newGov(t, ledger.NewManualClock(time.Unix(0, 0)), 1)
	_, err := g.Propose(outside, ActionRemoveAsset, nil)
	require.ErrorIs(t, err, ErrNotAuthority)
	require.Equal(t, ledger.KindAuthorization, ledger.Classify(err))
}

func TestProposalExpires(t *testing.T) {
	clock := ledger.NewManualClock(time.Unix(0, 0))
	g := newGov(t, clock, 1)
	id, err := g.Propose(auth1, ActionRemoveAsset, nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	require.ErrorIs(t, g.Confirm(auth1, id), ErrProposalExpired)
	p, ok := g.Proposal(id)
	require.True(t, ok)
	require.Equal(t, StateExpired, p.State)
}

func TestFailingHandlerKeepsProposalConfirmed(t *testing.T) {
	g := newGov(t, ledger.NewManualClock(time.Unix(0, 0)), 1)
	boom := errors.New("boom")
	g.Handle(ActionRemoveAsset, func(context.Context, common.Address, []byte) error { return boom })
	id, _ := g.Propose(auth1, ActionRemoveAsset, nil)
	require.NoError(t, g.Confirm(auth1, id))
	require.ErrorIs(t, g.Trigger(context.Background(), auth1, id), boom)
	p, _ := g.Proposal(id)
	require.Equal(t, StateConfirmed, p.State)
}

func TestNoHandler(t *testing.T) {
	g := newGov(t, ledger.NewManualClock(time.Unix(0, 0)), 1)
	id, _ := g.Propose(auth1, ActionUpdateAsset, nil)
	require.NoError(t, g.Confirm(auth1, id))
	require.ErrorIs(t, g.Trigger(context.Background(), auth1, id), ErrNoHandler)
}

func TestAuthorizers(t *testing.T) {
	only := OnlyGovernance(govAddr)
	require.True(t, only.IsAuthorized(govAddr, ActionBurnStake))
	require.False(t, only.IsAuthorized(auth1, ActionBurnStake))

	d := Delegated{
		Governance: govAddr,
		Extra:      map[Action]map[common.Address]struct{}{ActionCollectAndUpdate: {auth1: {}}},
	}
	require.True(t, d.IsAuthorized(auth1, ActionCollectAndUpdate))
	require.False(t, d.IsAuthorized(auth1, ActionBurnStake))
}

func TestNextStateIgnoresInvalidTransitions(t *testing.T) {
	require.Equal(t, StateProposed, nextState(StateProposed, EventTrigger))
	require.Equal(t, StateTriggered, nextState(StateTriggered, EventExpire))
}

func TestTriggerRunsHandlerOnce(t *testing.T) {
	g := newGov(t, ledger.NewManualClock(time.Unix(0, 0)), 1)
	id, _ := g.Propose(auth1, ActionBurnStake, burnArgs{Staker: auth2, Amount: 1})
	require.NoError(t, g.Confirm(auth1, id))

	runs := 0
	var nested error
	g.Handle(ActionBurnStake, func(ctx context.Context, _ common.Address, _ []byte) error {
		runs++
		nested = g.Trigger(ctx, auth2, id)
		return nil
	})
	require.NoError(t, g.Trigger(context.Background(), auth1, id))
	require.Equal(t, 1, runs)
	require.ErrorIs(t, nested, ErrTriggerInFlight)

	p, _ := g.Proposal(id)
	require.Equal(t, StateTriggered, p.State)
	require.ErrorIs(t, g.Trigger(context.Background(), auth2, id), ErrProposalClosed)
}

func TestConcurrentTriggerRunsHandlerOnce(t *testing.T) {
	g := newGov(t, ledger.NewManualClock(time.Unix(0, 0)), 1)
	id, _ := g.Propose(auth1, ActionRemoveAsset, nil)
	require.NoError(t, g.Confirm(auth1, id))

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	g.Handle(ActionRemoveAsset, func(context.Context, common.Address, []byte) error {
		runs.Add(1)
		close(entered)
		<-release
		return nil
	})

	first := make(chan error, 1)
	go func() { first <- g.Trigger(context.Background(), auth1, id) }()
	<-entered
	require.ErrorIs(t, g.Trigger(context.Background(), auth2, id), ErrTriggerInFlight)
	close(release)
	require.NoError(t, <-first)
	require.Equal(t, int32(1), runs.Load())
}

func TestFailedTriggerCanBeRetried(t *testing.T) {
	g := newGov(t, ledger.NewManualClock(time.Unix(0, 0)), 1)
	id, _ := g.Propose(auth1, ActionRemoveAsset, nil)
	require.NoError(t, g.Confirm(auth1, id))

	fail := true
	g.Handle(ActionRemoveAsset, func(context.Context, common.Address, []byte) error {
		if fail {
			return errors.New("busy")
		}
		return nil
	})
	require.Error(t, g.Trigger(context.Background(), auth1, id))
	fail = false
	require.NoError(t, g.Trigger(context.Background(), auth1, id))
	p, _ := g.Proposal(id)
	require.Equal(t, StateTriggered, p.State)
}
