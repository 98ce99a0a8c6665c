package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event names published to the broadcast sink.
const (
	EventRoundStart       = "round_start"
	EventMultiplierUpdate = "multiplier_update"
	EventRoundCrash       = "round_crash"
	EventBetPlaced        = "bet_placed"
	EventCashout          = "cashout"
)

// Publisher is the broadcast sink. Publish must not block on subscribers;
// delivery is at most once.
type Publisher interface {
	Publish(event string, payload any)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(string, any) {}

// RoundStarted carries the fairness commitment. The crash point and seed stay
// hidden until the round crashes.
type RoundStarted struct {
	RoundID    string    `json:"round_id"`
	Commitment string    `json:"commitment"`
	StartedAt  time.Time `json:"started_at"`
}

type MultiplierUpdate struct {
	RoundID    string          `json:"round_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// RoundCrashed reveals the seed so observers can verify the crash point.
type RoundCrashed struct {
	RoundID         string          `json:"round_id"`
	FinalMultiplier decimal.Decimal `json:"final_multiplier"`
	Seed            string          `json:"seed"`
}

type BetPlaced struct {
	RoundID          string          `json:"round_id"`
	Player           string          `json:"player"`
	Currency         string          `json:"currency"`
	StakeAmount      decimal.Decimal `json:"stake_amount"`
	SettlementAmount decimal.Decimal `json:"settlement_amount"`
}

type CashedOut struct {
	RoundID                 string          `json:"round_id"`
	Player                  string          `json:"player"`
	Currency                string          `json:"currency"`
	PayoutAmount            decimal.Decimal `json:"payout_amount"`
	PayoutInDisplayCurrency decimal.Decimal `json:"payout_in_display_currency"`
	Multiplier              decimal.Decimal `json:"multiplier"`
}
