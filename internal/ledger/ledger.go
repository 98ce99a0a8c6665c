// Package ledger applies balance-affecting bet operations against a round:
// debit on bet, credit on cashout, forfeit on crash.
//
// The ledger never changes round status and never caches rounds. Callers pass
// a round freshly read from the store and must serialize calls for the same
// round (the engine holds its lifecycle lock around every call).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/crash-engine/internal/model"
	"github.com/atmx/crash-engine/internal/store"
)

var (
	ErrRoundNotActive      = errors.New("ledger: round is not active")
	ErrDuplicateBet        = errors.New("ledger: player already has a bet in this round")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrNoActiveBet         = errors.New("ledger: no active bet to cash out")
)

// Ledger settles bets against a Store.
type Ledger struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New creates a ledger. A nil logger uses slog.Default().
func New(st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store: st,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// BetRequest carries a stake in display currency plus the price snapshot
// used to convert it.
type BetRequest struct {
	Player      string
	StakeAmount decimal.Decimal
	Currency    string
	Price       decimal.Decimal
}

// CashoutResult describes a successful cashout.
type CashoutResult struct {
	Bet           model.Bet
	Payout        decimal.Decimal // settlement units
	PayoutDisplay decimal.Decimal // display currency at the bet's price snapshot
	Multiplier    decimal.Decimal
	Balance       decimal.Decimal // wallet balance after credit
}

// PlaceBet debits the stake and records an active bet in round. On success
// round reflects the persisted state, including its new version.
func (l *Ledger) PlaceBet(ctx context.Context, round *model.Round, req BetRequest) (*model.Bet, error) {
	if round.Status != model.RoundActive {
		return nil, fmt.Errorf("%w: round %s is %s", ErrRoundNotActive, round.ID, round.Status)
	}
	if round.BetOf(req.Player) != nil {
		return nil, fmt.Errorf("%w: %s in round %s", ErrDuplicateBet, req.Player, round.ID)
	}

	amount, err := ToSettlement(req.StakeAmount, req.Price)
	if err != nil {
		return nil, err
	}
	stake := req.StakeAmount.Truncate(DisplayScale)

	if _, err := l.store.AdjustBalance(ctx, req.Player, req.Currency, amount.Neg()); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		return nil, fmt.Errorf("debit stake: %w", err)
	}

	now := l.now()
	round.Bets = append(round.Bets, model.Bet{
		ID:               uuid.New().String(),
		RoundID:          round.ID,
		Player:           req.Player,
		StakeAmount:      stake,
		SettlementAmount: amount,
		Currency:         req.Currency,
		PriceSnapshot:    req.Price,
		Status:           model.BetActive,
		PlacedAt:         now,
	})

	if err := l.store.UpdateRound(ctx, round); err != nil {
		round.Bets = round.Bets[:len(round.Bets)-1]
		l.refund(ctx, req.Player, req.Currency, amount, round.ID)
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s in round %s", ErrDuplicateBet, req.Player, round.ID)
		}
		return nil, fmt.Errorf("save bet: %w", err)
	}

	bet := round.Bets[len(round.Bets)-1]
	l.record(ctx, &model.LedgerEntry{
		ID:               uuid.New().String(),
		Player:           req.Player,
		RoundID:          round.ID,
		Type:             model.EntryBet,
		DisplayAmount:    stake,
		SettlementAmount: amount,
		Currency:         req.Currency,
		PriceAtTime:      req.Price,
		Timestamp:        now,
	})

	l.log.Info("bet placed",
		"round_id", round.ID,
		"player", req.Player,
		"stake", stake.String(),
		"amount", amount.String(),
		"currency", req.Currency,
	)
	return &bet, nil
}

// Cashout credits the player's active bet at multiplier and marks it cashed
// out. A bet that is already terminal yields ErrNoActiveBet, so a cashout
// racing a forfeit (or another cashout) is rejected without paying twice.
func (l *Ledger) Cashout(ctx context.Context, round *model.Round, player string, multiplier decimal.Decimal) (*CashoutResult, error) {
	bet := round.BetOf(player)
	if bet == nil || bet.Status != model.BetActive {
		return nil, fmt.Errorf("%w: %s in round %s", ErrNoActiveBet, player, round.ID)
	}
	if round.Status != model.RoundActive {
		return nil, fmt.Errorf("%w: round %s is %s", ErrRoundNotActive, round.ID, round.Status)
	}
	if !multiplier.IsPositive() {
		return nil, fmt.Errorf("%w: multiplier %s", ErrInvalidAmount, multiplier)
	}

	payout := Payout(bet.SettlementAmount, multiplier)
	display := ToDisplay(payout, bet.PriceSnapshot)

	balance, err := l.store.AdjustBalance(ctx, player, bet.Currency, payout)
	if err != nil {
		return nil, fmt.Errorf("credit payout: %w", err)
	}

	now := l.now()
	prev := *bet
	bet.Status = model.BetCashedOut
	bet.CashoutMultiplier = decimal.NewNullDecimal(multiplier)
	bet.SettledAt = &now

	if err := l.store.UpdateRound(ctx, round); err != nil {
		*bet = prev
		if _, rerr := l.store.AdjustBalance(ctx, player, bet.Currency, payout.Neg()); rerr != nil {
			l.log.Error("cashout reversal failed",
				"round_id", round.ID, "player", player, "amount", payout.String(), "err", rerr)
		}
		return nil, fmt.Errorf("save cashout: %w", err)
	}

	l.record(ctx, &model.LedgerEntry{
		ID:               uuid.New().String(),
		Player:           player,
		RoundID:          round.ID,
		Type:             model.EntryCashout,
		DisplayAmount:    display,
		SettlementAmount: payout,
		Currency:         bet.Currency,
		PriceAtTime:      bet.PriceSnapshot,
		Timestamp:        now,
	})

	l.log.Info("bet cashed out",
		"round_id", round.ID,
		"player", player,
		"multiplier", multiplier.String(),
		"payout", payout.String(),
		"currency", bet.Currency,
	)
	return &CashoutResult{
		Bet:           *bet,
		Payout:        payout,
		PayoutDisplay: display,
		Multiplier:    multiplier,
		Balance:       balance,
	}, nil
}

// Forfeit marks every active bet in round as lost and returns how many
// changed. Stakes were debited at placement, so balances are untouched.
// Persisting the round is the caller's job. Idempotent.
func (l *Ledger) Forfeit(round *model.Round) int {
	now := l.now()
	n := 0
	for i := range round.Bets {
		b := &round.Bets[i]
		if b.Status != model.BetActive {
			continue
		}
		b.Status = model.BetLost
		b.SettledAt = &now
		n++
	}
	return n
}

func (l *Ledger) refund(ctx context.Context, player, currency string, amount decimal.Decimal, roundID string) {
	if _, err := l.store.AdjustBalance(ctx, player, currency, amount); err != nil {
		l.log.Error("stake refund failed",
			"round_id", roundID, "player", player, "amount", amount.String(), "err", err)
	}
}

// record appends an audit entry. Failures are logged, not returned.
func (l *Ledger) record(ctx context.Context, e *model.LedgerEntry) {
	if err := l.store.InsertLedgerEntry(ctx, e); err != nil {
		l.log.Error("ledger entry insert failed",
			"entry_id", e.ID, "type", e.Type, "round_id", e.RoundID, "player", e.Player, "err", err)
	}
}
