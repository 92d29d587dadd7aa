package quotes

import (
	"encoding/json"
	"fmt"
	"time"

	"fundfeed/internal/fixed"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const quotesChannel = "quotes"

// Quote is one asset price in quote-asset units, 18-decimal.
type Quote struct {
	Asset common.Address
	Price *uint256.Int
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type quoteBatch struct {
	TimeMS int64 `json:"time"`
	Prices []struct {
		Asset string `json:"asset"`
		Price string `json:"price"`
	} `json:"prices"`
}

// ParseMessage decodes a stream frame. ok is false for frames on other channels such as pongs.
// A later quote for the same asset in one batch wins.
func ParseMessage(data []byte) (quotes []Quote, at time.Time, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, time.Time{}, false, err
	}
	if env.Channel != quotesChannel {
		return nil, time.Time{}, false, nil
	}
	var batch quoteBatch
	if err := json.Unmarshal(env.Data, &batch); err != nil {
		return nil, time.Time{}, false, err
	}
	index := make(map[common.Address]int, len(batch.Prices))
	for _, p := range batch.Prices {
		if !common.IsHexAddress(p.Asset) {
			return nil, time.Time{}, false, fmt.Errorf("quote asset %q is not an address", p.Asset)
		}
		price, err := fixed.ParseDecimal(p.Price, fixed.Decimals)
		if err != nil {
			return nil, time.Time{}, false, fmt.Errorf("quote price for %s: %w", p.Asset, err)
		}
		asset := common.HexToAddress(p.Asset)
		if i, dup := index[asset]; dup {
			quotes[i].Price = price
			continue
		}
		index[asset] = len(quotes)
		quotes = append(quotes, Quote{Asset: asset, Price: price})
	}
	if batch.TimeMS > 0 {
		at = time.UnixMilli(batch.TimeMS).UTC()
	}
	return quotes, at, true, nil
}
