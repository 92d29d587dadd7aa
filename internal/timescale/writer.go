package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"fundfeed/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// PriceRow is one asset's canonical price from a completed round. Price is a decimal string in
// quote-asset units.
type PriceRow struct {
	Time      time.Time
	UpdateID  uint64
	Asset     string
	Symbol    string
	Price     string
	Reporters int
}

// FundRow is one fund valuation. Amounts are decimal strings in base-asset units.
type FundRow struct {
	Time           time.Time
	FundID         uint64
	Fund           string
	Gav            string
	Nav            string
	SharePrice     string
	TotalSupply    string
	ManagementFee  string
	PerformanceFee string
	UnclaimedFees  string
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	prices    chan PriceRow
	funds     chan FundRow
	started   atomic.Bool
	dropPrice atomic.Uint64
	dropFund  atomic.Uint64
}

// New opens the archive. It returns a nil writer when the archive is disabled; every method is
// safe on a nil writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, log, cfg.Schema, cfg.QueueSize)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, log *zap.Logger, schema string, queueSize int) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		prices: make(chan PriceRow, queueSize),
		funds:  make(chan FundRow, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePrice(row PriceRow) {
	if w == nil {
		return
	}
	select {
	case w.prices <- row:
	default:
		if w.dropPrice.Add(1) == 1 {
			w.log.Warn("timescale price queue full")
		}
	}
}

func (w *Writer) EnqueueFund(row FundRow) {
	if w == nil {
		return
	}
	select {
	case w.funds <- row:
	default:
		if w.dropFund.Add(1) == 1 {
			w.log.Warn("timescale fund queue full")
		}
	}
}

// Dropped reports rows discarded because a queue was full.
func (w *Writer) Dropped() (prices, funds uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropPrice.Load(), w.dropFund.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.prices:
			w.writePrice(ctx, row)
		case row := <-w.funds:
			w.writeFund(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		update_id BIGINT NOT NULL,
		asset TEXT NOT NULL,
		symbol TEXT NOT NULL,
		price NUMERIC(78, 18) NOT NULL,
		reporters INTEGER NOT NULL,
		PRIMARY KEY (ts, asset)
	)`, w.table("canonical_prices"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		fund_id BIGINT NOT NULL,
		fund TEXT NOT NULL,
		gav NUMERIC(78, 18) NOT NULL,
		nav NUMERIC(78, 18) NOT NULL,
		share_price NUMERIC(78, 18) NOT NULL,
		total_supply NUMERIC(78, 18) NOT NULL,
		management_fee NUMERIC(78, 18) NOT NULL,
		performance_fee NUMERIC(78, 18) NOT NULL,
		unclaimed_fees NUMERIC(78, 18) NOT NULL
	)`, w.table("fund_calculations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"canonical_prices", "fund_calculations"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePrice(ctx context.Context, row PriceRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, update_id, asset, symbol, price, reporters)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (ts, asset) DO UPDATE SET
		update_id = EXCLUDED.update_id,
		price = EXCLUDED.price,
		reporters = EXCLUDED.reporters`, w.table("canonical_prices"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time, int64(row.UpdateID), row.Asset, row.Symbol, row.Price, row.Reporters,
	); err != nil {
		w.log.Warn("timescale price upsert failed", zap.Uint64("update_id", row.UpdateID), zap.Error(err))
	}
}

func (w *Writer) writeFund(ctx context.Context, row FundRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, fund_id, fund, gav, nav, share_price, total_supply, management_fee, performance_fee, unclaimed_fees
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("fund_calculations"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		int64(row.FundID),
		row.Fund,
		row.Gav,
		row.Nav,
		row.SharePrice,
		row.TotalSupply,
		row.ManagementFee,
		row.PerformanceFee,
		row.UnclaimedFees,
	); err != nil {
		w.log.Warn("timescale fund insert failed", zap.Uint64("fund_id", row.FundID), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
