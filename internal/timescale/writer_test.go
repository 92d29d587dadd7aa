package timescale

import (
	"testing"

	"fundfeed/internal/config"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
	w.EnqueuePrice(PriceRow{})
	w.EnqueueFund(FundRow{})
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true, DSN: "  "}, nil); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	w := newWriter(nil, nil, "", 1)
	w.EnqueuePrice(PriceRow{UpdateID: 1})
	w.EnqueuePrice(PriceRow{UpdateID: 2})
	w.EnqueuePrice(PriceRow{UpdateID: 3})
	w.EnqueueFund(FundRow{FundID: 1})
	prices, funds := w.Dropped()
	if prices != 2 || funds != 0 {
		t.Fatalf("expected 2 dropped prices and 0 funds, got %d %d", prices, funds)
	}
	if got := (<-w.prices).UpdateID; got != 1 {
		t.Fatalf("expected first queued row to survive, got %d", got)
	}
}

func TestTableUsesSchema(t *testing.T) {
	w := newWriter(nil, nil, "archive", 0)
	if got := w.table("canonical_prices"); got != "archive.canonical_prices" {
		t.Fatalf("unexpected table name %q", got)
	}
	if cap(w.prices) != 256 {
		t.Fatalf("expected default queue size, got %d", cap(w.prices))
	}
}
