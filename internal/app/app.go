package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fundfeed/internal/alerts"
	"fundfeed/internal/config"
	"fundfeed/internal/events"
	"fundfeed/internal/fixed"
	"fundfeed/internal/fund"
	"fundfeed/internal/governance"
	"fundfeed/internal/ledger"
	"fundfeed/internal/metrics"
	"fundfeed/internal/pricefeed"
	"fundfeed/internal/quotes"
	"fundfeed/internal/scheduler"
	"fundfeed/internal/staking"
	"fundfeed/internal/state"
	"fundfeed/internal/state/sqlite"
	"fundfeed/internal/timescale"
	"fundfeed/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const alertQueueSize = 32

// Deps are the outer resources the engine runs against. Nil members are replaced by in-process
// defaults: a system clock, no persistence, no archive, no alerts and no-op metrics.
type Deps struct {
	Clock    ledger.Clock
	Store    state.Store
	Archive  *timescale.Writer
	Notifier alerts.Notifier
	Metrics  *metrics.Prometheus
}

type App struct {
	cfg *config.Config
	log *zap.Logger

	clock      ledger.Clock
	ledger     *ledger.Ledger
	bank       *token.Bank
	governance *governance.Governance
	staking    *staking.Staking
	feed       *pricefeed.Canonical
	version    *fund.Version
	collector  common.Address

	store     state.Store
	archive   *timescale.Writer
	prom      *metrics.Prometheus
	metrics   *metrics.Metrics
	notifier  alerts.Notifier
	alertCh   chan string
	events    *events.Server
	scheduler *scheduler.Scheduler
	agents    []*quotes.Agent

	mu        sync.Mutex
	hosted    []common.Address
	lastRound time.Time
}

// New opens the configured store, archive and alert channel, then builds the engine.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	archive, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
	}
	deps := Deps{
		Clock:   ledger.SystemClock{},
		Store:   store,
		Archive: archive,
		Metrics: prom,
	}
	if cfg.Telegram.Enabled {
		deps.Notifier = alerts.NewTelegram(cfg.Telegram, log.Named("telegram"))
	}
	a, err := Build(cfg, deps, log)
	if err != nil {
		_ = archive.Close()
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// Build wires the domain components from cfg and bootstraps the configured registry, funds and
// operators through the ledger.
func Build(cfg *config.Config, deps Deps, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = ledger.SystemClock{}
	}
	a := &App{
		cfg:       cfg,
		log:       log,
		clock:     deps.Clock,
		store:     deps.Store,
		archive:   deps.Archive,
		prom:      deps.Metrics,
		notifier:  deps.Notifier,
		alertCh:   make(chan string, alertQueueSize),
		scheduler: scheduler.New(log.Named("scheduler")),
	}
	a.metrics = metrics.NewNoop()
	if a.prom != nil {
		a.metrics = a.prom.Metrics
	}

	a.ledger = ledger.New(a.clock, log.Named("ledger"))
	a.ledger.SetMaxEvents(cfg.Ledger.MaxEvents)
	a.ledger.Observe(a.observe)
	a.events = events.NewServer(a.ledger, cfg.Server.PollInterval, log.Named("events"))
	a.bank = token.NewBank()

	if err := a.buildDomain(); err != nil {
		return nil, err
	}
	if err := a.restore(context.Background()); err != nil {
		log.Warn("snapshot restore failed", zap.Error(err))
	}
	if err := a.bootstrap(context.Background()); err != nil {
		return nil, err
	}
	if err := a.schedule(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildDomain() error {
	cfg := a.cfg
	gov, err := governance.New(governance.Config{
		Address:     config.Address(cfg.Governance.Address),
		Authorities: addresses(cfg.Governance.Authorities),
		Quorum:      cfg.Governance.Quorum,
		Window:      cfg.Governance.Window,
	}, a.clock, a.ledger, a.log.Named("governance"))
	if err != nil {
		return err
	}
	a.governance = gov

	a.collector = gov.Address()
	collectors := map[common.Address]struct{}{}
	for _, c := range addresses(cfg.Governance.Collectors) {
		collectors[c] = struct{}{}
	}
	if len(cfg.Governance.Collectors) > 0 {
		a.collector = config.Address(cfg.Governance.Collectors[0])
	}
	auth := governance.Delegated{
		Governance: gov.Address(),
		Extra:      map[governance.Action]map[common.Address]struct{}{governance.ActionCollectAndUpdate: collectors},
	}

	minimum, err := fixed.FromDecimal(cfg.Staking.MinimumStake, fixed.Decimals)
	if err != nil {
		return fmt.Errorf("staking.minimum_stake: %w", err)
	}
	stakeToken := a.bank.Token(config.Address(cfg.Staking.Token))
	a.staking, err = staking.New(staking.Config{
		Pool:            config.Address(cfg.Staking.Pool),
		MinimumStake:    minimum,
		NumOperators:    cfg.Staking.NumOperators,
		WithdrawalDelay: cfg.Staking.WithdrawalDelay,
	}, stakeToken, auth, a.clock, a.ledger, a.log.Named("staking"))
	if err != nil {
		return err
	}
	a.staking.OnOperatorsChanged(a.operatorsChanged)

	a.feed, err = pricefeed.New(pricefeed.Config{
		Address:        config.Address(cfg.PriceFeed.Address),
		QuoteAsset:     assetFromConfig(cfg.PriceFeed.QuoteAsset),
		Interval:       cfg.PriceFeed.Interval,
		Validity:       cfg.PriceFeed.Validity,
		MinimumUpdates: cfg.PriceFeed.MinimumUpdates,
	}, a.staking, stakeToken, auth, a.clock, a.ledger, a.log.Named("pricefeed"))
	if err != nil {
		return err
	}

	a.version = fund.NewVersion(config.Address(cfg.Funds.Version), a.feed, func(asset common.Address) token.Transferer {
		return a.bank.Token(asset)
	}, a.clock, a.ledger, a.log.Named("fund"))

	a.registerGovernanceHandlers()
	return nil
}

// Run serves HTTP, starts the scheduler, archive, alert delivery and hosted operators, and
// blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.archive.Start(ctx)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("component stopped", zap.String("component", name), zap.Error(err))
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	server := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	spawn("http", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = server.Shutdown(shutdownCtx)
		}()
		a.log.Info("http listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	spawn("scheduler", a.scheduler.Run)
	spawn("alerts", a.deliverAlerts)
	for _, agent := range a.agents {
		spawn("operator", agent.Run)
	}

	a.log.Info("engine started",
		zap.Int("operators", len(a.staking.Operators())),
		zap.Int("assets", len(a.feed.RegisteredAssets())),
		zap.Int("funds", len(a.version.Funds())),
		zap.Int("hosted_operators", len(a.agents)),
	)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		cancel()
	}
	wg.Wait()
	if snapErr := a.Snapshot(context.Background()); snapErr != nil {
		a.log.Warn("final snapshot failed", zap.Error(snapErr))
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) close() {
	if err := a.archive.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}

func (a *App) Ledger() *ledger.Ledger { return a.ledger }

func (a *App) Bank() *token.Bank { return a.bank }

func (a *App) Governance() *governance.Governance { return a.governance }

func (a *App) Staking() *staking.Staking { return a.staking }

func (a *App) PriceFeed() *pricefeed.Canonical { return a.feed }

func (a *App) Version() *fund.Version { return a.version }

// Collector is the identity scheduled collection rounds run as.
func (a *App) Collector() common.Address { return a.collector }

// HostedFeeds lists the sub-feeds created for configured operators, in config order.
func (a *App) HostedFeeds() []common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]common.Address(nil), a.hosted...)
}

// observe feeds every receipt into the operation counters.
func (a *App) observe(r ledger.Receipt) {
	if r.Applied() {
		a.metrics.OperationsApplied.Inc()
		return
	}
	a.metrics.OperationsRejected.With(string(r.Kind)).Inc()
}

func (a *App) operatorsChanged(operators []common.Address) {
	a.metrics.OperatorChanges.Inc()
	a.metrics.Operators.Set(float64(len(operators)))
	a.alert(alerts.OperatorsChanged(operators))
}

func (a *App) alert(message string) {
	if a.notifier == nil {
		return
	}
	select {
	case a.alertCh <- message:
	default:
		a.log.Warn("alert queue full, dropping alert")
	}
}

func (a *App) deliverAlerts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.alertCh:
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := a.notifier.Send(sendCtx, msg); err != nil {
				a.log.Warn("alert delivery failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func addresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		out = append(out, config.Address(s))
	}
	return out
}
