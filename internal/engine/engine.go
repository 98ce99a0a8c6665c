// Package engine drives the round lifecycle: create, tick, resolve, and the
// watchdog that keeps rounds coming.
//
// One mutex serializes every mutation of the current round. Round creation,
// ticks, resolution, bet placement and cashout all run under it, so a bet or
// cashout either lands before a crash is applied or observes the resolved
// round. The multiplier is owned by the engine and only ever read under the
// lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/crash-engine/internal/fairness"
	"github.com/atmx/crash-engine/internal/ledger"
	"github.com/atmx/crash-engine/internal/limits"
	"github.com/atmx/crash-engine/internal/metrics"
	"github.com/atmx/crash-engine/internal/model"
	"github.com/atmx/crash-engine/internal/store"
)

var (
	ErrRoundActive   = errors.New("engine: a round is already active")
	ErrNoActiveRound = errors.New("engine: no active round")
	ErrStopped       = errors.New("engine: stopped")
)

// PriceSource returns the display-currency price of one settlement unit.
type PriceSource interface {
	Price(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Config holds lifecycle timing and growth parameters.
type Config struct {
	TickInterval     time.Duration
	WatchdogInterval time.Duration
	Cooldown         time.Duration   // pause between a crash and the next round
	RetryDelay       time.Duration   // pause after a failed round creation
	GrowthFactor     decimal.Decimal // multiplier growth per tick
	ResolveAttempts  int
	ResolveBackoff   time.Duration
}

// DefaultConfig returns the reference cadence: 100ms ticks growing 1%.
func DefaultConfig() Config {
	return Config{
		TickInterval:     100 * time.Millisecond,
		WatchdogInterval: 3 * time.Second,
		Cooldown:         time.Second,
		RetryDelay:       2 * time.Second,
		GrowthFactor:     decimal.RequireFromString("1.01"),
		ResolveAttempts:  3,
		ResolveBackoff:   100 * time.Millisecond,
	}
}

// Deps are the engine's collaborators. Limiter and Publisher are optional.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Generator *fairness.Generator
	Prices    PriceSource
	Limiter   *limits.StakeLimiter
	Publisher Publisher
	Logger    *slog.Logger
}

// live is the in-process view of the active round.
type live struct {
	id         string
	seed       string
	commitment string
	crashPoint decimal.Decimal
	multiplier decimal.Decimal
	startedAt  time.Time
}

// Engine owns the current round and its multiplier.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	gen     *fairness.Generator
	prices  PriceSource
	limiter *limits.StakeLimiter
	pub     Publisher
	log     *slog.Logger
	cfg     Config

	newSeed    func() (string, error)
	newRoundID func() (string, error)
	now        func() time.Time

	mu        sync.Mutex
	current   *live
	lastRound string
	nextAt    time.Time
	stopped   bool
}

// New creates an engine. Zero-valued Config fields take DefaultConfig values.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.GrowthFactor.LessThanOrEqual(decimal.NewFromInt(1)) {
		cfg.GrowthFactor = def.GrowthFactor
	}
	if cfg.ResolveAttempts <= 0 {
		cfg.ResolveAttempts = def.ResolveAttempts
	}
	if cfg.ResolveBackoff <= 0 {
		cfg.ResolveBackoff = def.ResolveBackoff
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = NopPublisher{}
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = limits.NewStakeLimiter(decimal.Zero, decimal.Zero)
	}

	return &Engine{
		store:   deps.Store,
		ledger:  deps.Ledger,
		gen:     deps.Generator,
		prices:  deps.Prices,
		limiter: limiter,
		pub:     pub,
		log:     logger,
		cfg:     cfg,
		newSeed: fairness.GenerateSeed,
		newRoundID: func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create starts a new round. It fails with ErrRoundActive while another round
// is live and with ErrStopped after shutdown.
func (e *Engine) Create(ctx context.Context) (*model.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createLocked(ctx)
}

func (e *Engine) createLocked(ctx context.Context) (*model.Round, error) {
	if e.stopped {
		return nil, ErrStopped
	}
	if e.current != nil {
		return nil, fmt.Errorf("%w: %s", ErrRoundActive, e.current.id)
	}

	seed, err := e.newSeed()
	if err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	id, err := e.newRoundID()
	if err != nil {
		return nil, fmt.Errorf("generate round id: %w", err)
	}

	now := e.now()
	round := &model.Round{
		ID:         id,
		Seed:       seed,
		Commitment: fairness.Commitment(seed),
		CrashPoint: e.gen.CrashPoint(seed, id),
		Status:     model.RoundActive,
		StartedAt:  now,
	}
	if err := e.store.CreateRound(ctx, round); err != nil {
		metrics.RoundsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("persist round: %w", err)
	}

	e.current = &live{
		id:         round.ID,
		seed:       round.Seed,
		commitment: round.Commitment,
		crashPoint: round.CrashPoint,
		multiplier: decimal.NewFromInt(1),
		startedAt:  now,
	}
	metrics.RoundsTotal.WithLabelValues("started").Inc()
	metrics.CurrentMultiplier.Set(1)

	e.log.Info("round started", "round_id", round.ID, "commitment", round.Commitment)
	e.pub.Publish(EventRoundStart, RoundStarted{
		RoundID:    round.ID,
		Commitment: round.Commitment,
		StartedAt:  now,
	})
	return round, nil
}

// Tick advances the multiplier by one growth step. When it reaches the crash
// point the round is resolved at exactly the crash point. Tick on an idle
// engine does nothing.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickLocked(ctx)
}

func (e *Engine) tickLocked(ctx context.Context) {
	cur := e.current
	if cur == nil {
		return
	}

	cur.multiplier = cur.multiplier.Mul(e.cfg.GrowthFactor).Round(2)
	if cur.multiplier.GreaterThanOrEqual(cur.crashPoint) {
		cur.multiplier = cur.crashPoint
		e.resolveLocked(ctx)
		return
	}

	metrics.CurrentMultiplier.Set(cur.multiplier.InexactFloat64())
	e.pub.Publish(EventMultiplierUpdate, MultiplierUpdate{
		RoundID:    cur.id,
		Multiplier: cur.multiplier,
	})
}

// Resolve crashes the active round at its current multiplier. Used by the
// force-crash operation; natural crashes go through Tick.
func (e *Engine) Resolve(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ErrNoActiveRound
	}
	e.resolveLocked(ctx)
	return nil
}

// resolveLocked settles the current round, clears it and schedules the next
// one. In-memory state is cleared even when persistence keeps failing.
func (e *Engine) resolveLocked(ctx context.Context) {
	cur := e.current
	ctx = context.WithoutCancel(ctx)

	lost, err := e.settle(ctx, cur.id)
	if err != nil {
		metrics.RoundsTotal.WithLabelValues("failed").Inc()
		e.log.Error("round resolution failed", "round_id", cur.id, "err", err)
	} else {
		metrics.RoundsTotal.WithLabelValues("resolved").Inc()
		metrics.BetsLost.Add(float64(lost))
		metrics.CrashPoints.Observe(cur.crashPoint.InexactFloat64())
		e.log.Info("round crashed",
			"round_id", cur.id,
			"crash_point", cur.crashPoint.String(),
			"final_multiplier", cur.multiplier.String(),
			"bets_lost", lost,
		)
	}

	e.current = nil
	e.lastRound = cur.id
	e.nextAt = e.now().Add(e.cfg.Cooldown)
	metrics.CurrentMultiplier.Set(0)

	e.pub.Publish(EventRoundCrash, RoundCrashed{
		RoundID:         cur.id,
		FinalMultiplier: cur.multiplier,
		Seed:            cur.seed,
	})
}

// settle marks the stored round resolved and forfeits its open bets. Each
// attempt re-reads the round so bets written since the last read are not
// overwritten; version conflicts are retried with a short backoff.
func (e *Engine) settle(ctx context.Context, roundID string) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.ResolveAttempts; attempt++ {
		round, err := e.store.GetRound(ctx, roundID)
		if err != nil {
			return 0, fmt.Errorf("load round: %w", err)
		}
		if round.Status == model.RoundResolved {
			return 0, nil
		}

		now := e.now()
		round.Status = model.RoundResolved
		round.EndedAt = &now
		lost := e.ledger.Forfeit(round)

		err = e.store.UpdateRound(ctx, round)
		if err == nil {
			return lost, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrVersionConflict) {
			return 0, fmt.Errorf("save round: %w", err)
		}

		metrics.ResolveRetries.Inc()
		e.log.Warn("round resolve conflict, retrying",
			"round_id", roundID, "attempt", attempt, "err", err)
		if attempt < e.cfg.ResolveAttempts {
			time.Sleep(e.cfg.ResolveBackoff)
		}
	}
	return 0, fmt.Errorf("resolve round %s after %d attempts: %w", roundID, e.cfg.ResolveAttempts, lastErr)
}

// Recover resolves rounds a previous process left active, forfeiting their
// open bets. Run calls it before creating the first round.
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sweepLocked(ctx)
}

// sweepLocked resolves every stored active round other than the live one.
func (e *Engine) sweepLocked(ctx context.Context) error {
	stale, err := e.store.ListRounds(ctx, model.RoundActive, 0)
	if err != nil {
		return fmt.Errorf("list active rounds: %w", err)
	}
	var errs []error
	for _, r := range stale {
		if e.current != nil && e.current.id == r.ID {
			continue
		}
		lost, err := e.settle(ctx, r.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if e.lastRound == "" {
			e.lastRound = r.ID
		}
		e.log.Warn("recovered stale round", "round_id", r.ID, "bets_lost", lost)
	}
	return errors.Join(errs...)
}

// Run drives ticks and the watchdog until ctx is cancelled. A tick in flight
// when ctx is cancelled completes; no round is created afterwards.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		e.log.Error("stale round recovery failed", "err", err)
	}

	tick := time.NewTicker(e.cfg.TickInterval)
	defer tick.Stop()
	watchdog := time.NewTicker(e.cfg.WatchdogInterval)
	defer watchdog.Stop()

	e.advance(ctx)
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stopped = true
			e.mu.Unlock()
			e.log.Info("round engine stopped")
			return nil
		case <-tick.C:
			e.advance(ctx)
		case <-watchdog.C:
			e.watchdog(ctx)
		}
	}
}

// advance ticks the active round or, once the cooldown has passed, starts
// the next one.
func (e *Engine) advance(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.tickLocked(ctx)
		return
	}
	e.startDueLocked(ctx)
}

// watchdog closes out rounds whose resolution failed and starts a round if
// none is active and one is due. It skips when another operation holds the
// lifecycle lock.
func (e *Engine) watchdog(ctx context.Context) {
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()
	if e.current != nil {
		return
	}
	e.log.Debug("watchdog: no active round")
	if err := e.sweepLocked(context.WithoutCancel(ctx)); err != nil {
		e.log.Error("stale round sweep failed", "err", err)
	}
	e.startDueLocked(ctx)
}

func (e *Engine) startDueLocked(ctx context.Context) {
	if e.stopped || ctx.Err() != nil || e.now().Before(e.nextAt) {
		return
	}
	if _, err := e.createLocked(ctx); err != nil {
		e.nextAt = e.now().Add(e.cfg.RetryDelay)
		e.log.Error("round creation failed", "err", err, "retry_in", e.cfg.RetryDelay.String())
	}
}

// PlaceBet converts a display-currency stake at the current price and places
// it in the active round.
func (e *Engine) PlaceBet(ctx context.Context, player string, stake decimal.Decimal, currency string) (*model.Bet, error) {
	e.mu.Lock()
	idle := e.current == nil
	e.mu.Unlock()
	if idle {
		metrics.Rejections.WithLabelValues("bet", reason(ledger.ErrRoundNotActive)).Inc()
		return nil, fmt.Errorf("%w: no round in progress", ledger.ErrRoundNotActive)
	}

	if err := e.limiter.CheckStake(stake); err != nil {
		metrics.Rejections.WithLabelValues("bet", "stake_limit").Inc()
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}
	price, err := e.prices.Price(ctx, currency)
	if err != nil {
		metrics.Rejections.WithLabelValues("bet", "price").Inc()
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		metrics.Rejections.WithLabelValues("bet", reason(ledger.ErrRoundNotActive)).Inc()
		return nil, fmt.Errorf("%w: no round in progress", ledger.ErrRoundNotActive)
	}
	round, err := e.store.GetRound(ctx, e.current.id)
	if err != nil {
		return nil, fmt.Errorf("load round: %w", err)
	}

	bet, err := e.ledger.PlaceBet(ctx, round, ledger.BetRequest{
		Player:      player,
		StakeAmount: stake,
		Currency:    currency,
		Price:       price,
	})
	if err != nil {
		metrics.Rejections.WithLabelValues("bet", reason(err)).Inc()
		return nil, err
	}

	metrics.BetsTotal.WithLabelValues(currency).Inc()
	e.pub.Publish(EventBetPlaced, BetPlaced{
		RoundID:          round.ID,
		Player:           player,
		Currency:         currency,
		StakeAmount:      bet.StakeAmount,
		SettlementAmount: bet.SettlementAmount,
	})
	return bet, nil
}

// Cashout pays out the player's active bet at the live multiplier. After a
// crash it targets the round that just ended, where the bet is already lost.
func (e *Engine) Cashout(ctx context.Context, player string) (*ledger.CashoutResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	roundID := e.lastRound
	multiplier := decimal.Zero
	if e.current != nil {
		roundID = e.current.id
		multiplier = e.current.multiplier
	}
	if roundID == "" {
		metrics.Rejections.WithLabelValues("cashout", reason(ledger.ErrRoundNotActive)).Inc()
		return nil, fmt.Errorf("%w: no round in progress", ledger.ErrRoundNotActive)
	}

	round, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("load round: %w", err)
	}
	if e.current == nil && round.Status == model.RoundActive {
		// Settlement of the last round failed; it is no longer live.
		metrics.Rejections.WithLabelValues("cashout", reason(ledger.ErrRoundNotActive)).Inc()
		return nil, fmt.Errorf("%w: round %s has ended", ledger.ErrRoundNotActive, round.ID)
	}
	res, err := e.ledger.Cashout(ctx, round, player, multiplier)
	if err != nil {
		metrics.Rejections.WithLabelValues("cashout", reason(err)).Inc()
		return nil, err
	}

	metrics.CashoutsTotal.WithLabelValues(res.Bet.Currency).Inc()
	e.pub.Publish(EventCashout, CashedOut{
		RoundID:                 round.ID,
		Player:                  player,
		Currency:                res.Bet.Currency,
		PayoutAmount:            res.Payout,
		PayoutInDisplayCurrency: res.PayoutDisplay,
		Multiplier:              res.Multiplier,
	})
	return res, nil
}

// Status is a public snapshot of the game. It never includes the crash point
// or seed of a live round.
type Status struct {
	RoundID    string          `json:"round_id,omitempty"`
	Active     bool            `json:"active"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Commitment string          `json:"commitment,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	BetCount   int             `json:"bet_count"`
}

// Status reports the current round.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	cur := e.current
	var st Status
	if cur != nil {
		started := cur.startedAt
		st = Status{
			RoundID:    cur.id,
			Active:     true,
			Multiplier: cur.multiplier,
			Commitment: cur.commitment,
			StartedAt:  &started,
		}
	}
	e.mu.Unlock()

	if !st.Active {
		st.Multiplier = decimal.NewFromInt(1)
		return st, nil
	}
	round, err := e.store.GetRound(ctx, st.RoundID)
	if err != nil {
		return st, fmt.Errorf("load round: %w", err)
	}
	st.BetCount = len(round.Bets)
	return st, nil
}

// reason maps an error to a low-cardinality metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrRoundNotActive):
		return "round_not_active"
	case errors.Is(err, ledger.ErrDuplicateBet):
		return "duplicate_bet"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrNoActiveBet):
		return "no_active_bet"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
