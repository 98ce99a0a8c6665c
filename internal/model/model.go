// Package model defines the core domain types shared across the crash engine.
// All monetary values use shopspring/decimal. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Supported settlement currencies.
const (
	CurrencyBTC = "BTC"
	CurrencyETH = "ETH"
)

// Currencies lists every currency a wallet can hold, in display order.
var Currencies = []string{CurrencyBTC, CurrencyETH}

// IsSupportedCurrency reports whether c is a settlement currency.
func IsSupportedCurrency(c string) bool {
	for _, s := range Currencies {
		if s == c {
			return true
		}
	}
	return false
}

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundPending  RoundStatus = "pending"  // built in memory, not yet persisted
	RoundActive   RoundStatus = "active"   // multiplier climbing, bets accepted
	RoundResolved RoundStatus = "resolved" // crashed, every bet terminal
)

// BetStatus is the settlement state of a bet. CashedOut and Lost are terminal.
type BetStatus string

const (
	BetActive    BetStatus = "active"
	BetCashedOut BetStatus = "cashed_out"
	BetLost      BetStatus = "lost"
)

// Terminal reports whether the status can no longer change.
func (s BetStatus) Terminal() bool {
	return s == BetCashedOut || s == BetLost
}

// Round is one play cycle from multiplier reset to crash resolution.
// Seed and CrashPoint are fixed at creation and must not leave the server
// before the round is resolved; transport layers decide what to reveal.
type Round struct {
	ID         string          `json:"id"`
	Seed       string          `json:"seed"`
	Commitment string          `json:"commitment"` // hex(sha256(seed))
	CrashPoint decimal.Decimal `json:"crash_point"`
	Status     RoundStatus     `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Bets       []Bet           `json:"bets"`    // insertion order = bet order
	Version    int64           `json:"version"` // optimistic concurrency token
}

// BetOf returns the player's bet in this round, or nil.
func (r *Round) BetOf(player string) *Bet {
	for i := range r.Bets {
		if r.Bets[i].Player == player {
			return &r.Bets[i]
		}
	}
	return nil
}

// Clone returns a deep copy so stores never share bet slices with callers.
func (r *Round) Clone() *Round {
	c := *r
	c.Bets = make([]Bet, len(r.Bets))
	copy(c.Bets, r.Bets)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Bet is a single player's wager within a round.
type Bet struct {
	ID                string              `json:"id"`
	RoundID           string              `json:"round_id"`
	Player            string              `json:"player"`
	StakeAmount       decimal.Decimal     `json:"stake_amount"`      // display currency (USD), 2dp
	SettlementAmount  decimal.Decimal     `json:"settlement_amount"` // settlement unit, 8dp
	Currency          string              `json:"currency"`
	PriceSnapshot     decimal.Decimal     `json:"price_snapshot"` // USD per unit at bet time
	Status            BetStatus           `json:"status"`
	CashoutMultiplier decimal.NullDecimal `json:"cashout_multiplier"`
	PlacedAt          time.Time           `json:"placed_at"`
	SettledAt         *time.Time          `json:"settled_at,omitempty"`
}

// Ledger entry types.
const (
	EntryBet     = "bet"
	EntryCashout = "cashout"
)

// LedgerEntry is an immutable audit record of a balance-affecting operation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID               string          `json:"id"`
	Player           string          `json:"player"`
	RoundID          string          `json:"round_id"`
	Type             string          `json:"type"` // "bet" or "cashout"
	DisplayAmount    decimal.Decimal `json:"display_amount"`
	SettlementAmount decimal.Decimal `json:"settlement_amount"`
	Currency         string          `json:"currency"`
	PriceAtTime      decimal.Decimal `json:"price_at_time"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Wallet is a player's balance in one settlement currency.
type Wallet struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// Player is an account identified by a unique username.
type Player struct {
	Username  string    `json:"username"`
	Wallets   []Wallet  `json:"wallets"`
	CreatedAt time.Time `json:"created_at"`
}
