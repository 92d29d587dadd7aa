package quotes

import (
	"context"
	"sync/atomic"

	"fundfeed/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// Feed is the sub-feed a hosted operator writes to.
type Feed interface {
	Address() common.Address
	Owner() common.Address
	Update(caller common.Address, assets []common.Address, prices []*uint256.Int) error
}

type Submitter interface {
	Submit(ctx context.Context, op string, caller common.Address, fn func(ctx context.Context) error) ledger.Receipt
}

// Agent pushes every quote batch from the stream into its feed as one all-or-nothing update.
type Agent struct {
	feed    Feed
	ledger  Submitter
	client  *Client
	allowed map[common.Address]struct{}
	assets  []string
	log     *zap.Logger

	applied  atomic.Uint64
	rejected atomic.Uint64
}

// NewAgent restricts updates to assets when it is non-empty.
func NewAgent(feed Feed, submitter Submitter, client *Client, assets []common.Address, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Agent{
		feed:    feed,
		ledger:  submitter,
		client:  client,
		allowed: make(map[common.Address]struct{}, len(assets)),
		log:     log.With(zap.String("feed", feed.Address().Hex())),
	}
	for _, asset := range assets {
		a.allowed[asset] = struct{}{}
		a.assets = append(a.assets, asset.Hex())
	}
	return a
}

func (a *Agent) Run(ctx context.Context) error {
	if err := a.client.Subscribe(ctx, a.assets); err != nil {
		return err
	}
	defer a.client.Close()
	return a.client.Run(ctx, func(data []byte) {
		a.Handle(ctx, data)
	})
}

// Handle applies one stream frame. ok is false when the frame carried nothing to submit.
func (a *Agent) Handle(ctx context.Context, data []byte) (ledger.Receipt, bool) {
	quotes, _, ok, err := ParseMessage(data)
	if err != nil {
		a.log.Warn("quote frame dropped", zap.Error(err))
		return ledger.Receipt{}, false
	}
	if !ok {
		return ledger.Receipt{}, false
	}
	assets := make([]common.Address, 0, len(quotes))
	prices := make([]*uint256.Int, 0, len(quotes))
	for _, q := range quotes {
		if len(a.allowed) > 0 {
			if _, want := a.allowed[q.Asset]; !want {
				continue
			}
		}
		assets = append(assets, q.Asset)
		prices = append(prices, q.Price)
	}
	if len(assets) == 0 {
		return ledger.Receipt{}, false
	}
	owner := a.feed.Owner()
	receipt := a.ledger.Submit(ctx, "subFeedUpdate", owner, func(context.Context) error {
		return a.feed.Update(owner, assets, prices)
	})
	if receipt.Applied() {
		a.applied.Add(1)
	} else {
		a.rejected.Add(1)
		a.log.Warn("sub-feed update rejected", zap.String("kind", string(receipt.Kind)), zap.String("reason", receipt.Reason))
	}
	return receipt, true
}

// Stats reports applied and rejected updates since start.
func (a *Agent) Stats() (applied, rejected uint64) {
	return a.applied.Load(), a.rejected.Load()
}
