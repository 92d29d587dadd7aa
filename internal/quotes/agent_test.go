package quotes

import (
	"context"
	"errors"
	"testing"
	"time"

	"fundfeed/internal/fixed"
	"fundfeed/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var (
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assetB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fakeFeed struct {
	owner   common.Address
	fail    error
	updates [][]common.Address
	prices  [][]*uint256.Int
}

func (f *fakeFeed) Address() common.Address { return common.HexToAddress("0xfeed") }

func (f *fakeFeed) Owner() common.Address { return f.owner }

func (f *fakeFeed) Update(caller common.Address, assets []common.Address, prices []*uint256.Int) error {
	if caller != f.owner {
		return errors.New("wrong caller")
	}
	if f.fail != nil {
		return f.fail
	}
	f.updates = append(f.updates, assets)
	f.prices = append(f.prices, prices)
	return nil
}

func newAgent(feed *fakeFeed, assets ...common.Address) *Agent {
	l := ledger.New(ledger.NewManualClock(time.Unix(1_700_000_000, 0)), zap.NewNop())
	return NewAgent(feed, l, NewClient("ws://unused", time.Second, 0, nil), assets, zap.NewNop())
}

func TestParseMessage(t *testing.T) {
	frame := []byte(`{"channel":"quotes","data":{"time":1700000000000,"prices":[
		{"asset":"0x00000000000000000000000000000000000000aa","price":"2.5"},
		{"asset":"0x00000000000000000000000000000000000000bb","price":"0.000000000000000001"},
		{"asset":"0x00000000000000000000000000000000000000aa","price":"3"}]}}`)
	quotes, at, ok, err := ParseMessage(frame)
	if err != nil || !ok {
		t.Fatalf("parse: ok=%v err=%v", ok, err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected duplicate asset to collapse, got %d quotes", len(quotes))
	}
	if !quotes[0].Price.Eq(fixed.Units(3)) {
		t.Fatalf("expected later quote to win, got %s", fixed.Format(quotes[0].Price))
	}
	if !quotes[1].Price.Eq(uint256.NewInt(1)) {
		t.Fatalf("expected 1 wei price, got %s", fixed.String(quotes[1].Price))
	}
	if at.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected batch time %v", at)
	}
}

func TestParseMessageIgnoresOtherChannels(t *testing.T) {
	if _, _, ok, err := ParseMessage([]byte(`{"channel":"pong"}`)); ok || err != nil {
		t.Fatalf("expected pong to be ignored, ok=%v err=%v", ok, err)
	}
}

func TestParseMessageRejectsBadInput(t *testing.T) {
	bad := []string{
		`not json`,
		`{"channel":"quotes","data":{"prices":[{"asset":"nope","price":"1"}]}}`,
		`{"channel":"quotes","data":{"prices":[{"asset":"0x00000000000000000000000000000000000000aa","price":"-1"}]}}`,
		`{"channel":"quotes","data":{"prices":[{"asset":"0x00000000000000000000000000000000000000aa","price":"abc"}]}}`,
	}
	for _, frame := range bad {
		if _, _, _, err := ParseMessage([]byte(frame)); err == nil {
			t.Fatalf("expected error for %s", frame)
		}
	}
}

func TestAgentSubmitsAsOwner(t *testing.T) {
	feed := &fakeFeed{owner: common.HexToAddress("0x0a")}
	agent := newAgent(feed)
	receipt, ok := agent.Handle(context.Background(), []byte(`{"channel":"quotes","data":{"prices":[
		{"asset":"0x00000000000000000000000000000000000000aa","price":"2"}]}}`))
	if !ok || !receipt.Applied() {
		t.Fatalf("expected applied receipt, got %+v", receipt)
	}
	if receipt.Op != "subFeedUpdate" || receipt.Caller != feed.owner {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(feed.updates) != 1 || feed.updates[0][0] != assetA || !feed.prices[0][0].Eq(fixed.Units(2)) {
		t.Fatalf("unexpected feed updates %+v", feed.updates)
	}
	if applied, rejected := agent.Stats(); applied != 1 || rejected != 0 {
		t.Fatalf("unexpected stats %d/%d", applied, rejected)
	}
}

func TestAgentFiltersAssets(t *testing.T) {
	feed := &fakeFeed{owner: common.HexToAddress("0x0a")}
	agent := newAgent(feed, assetB)
	if _, ok := agent.Handle(context.Background(), []byte(`{"channel":"quotes","data":{"prices":[
		{"asset":"0x00000000000000000000000000000000000000aa","price":"2"}]}}`)); ok {
		t.Fatalf("expected frame without wanted assets to be skipped")
	}
	if len(feed.updates) != 0 {
		t.Fatalf("expected no updates, got %d", len(feed.updates))
	}
}

func TestAgentCountsRejections(t *testing.T) {
	feed := &fakeFeed{owner: common.HexToAddress("0x0a"), fail: ledger.Reject(ledger.KindAuthorization, errors.New("not an operator"))}
	agent := newAgent(feed)
	receipt, ok := agent.Handle(context.Background(), []byte(`{"channel":"quotes","data":{"prices":[
		{"asset":"0x00000000000000000000000000000000000000aa","price":"2"}]}}`))
	if !ok || receipt.Applied() {
		t.Fatalf("expected rejected receipt, got %+v", receipt)
	}
	if receipt.Kind != ledger.KindAuthorization {
		t.Fatalf("expected authorization kind, got %s", receipt.Kind)
	}
	if _, rejected := agent.Stats(); rejected != 1 {
		t.Fatalf("expected one rejection, got %d", rejected)
	}
}
