package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/crash-engine/internal/ledger"
	"github.com/atmx/crash-engine/internal/model"
	"github.com/atmx/crash-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	ms  *store.MemoryStore
	led *ledger.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	return &testEnv{ms: ms, led: ledger.New(ms, nil)}
}

func (e *testEnv) seedPlayer(t *testing.T, username, btc string) {
	t.Helper()
	err := e.ms.CreatePlayer(context.Background(), &model.Player{
		Username: username,
		Wallets:  []model.Wallet{{Currency: model.CurrencyBTC, Balance: d(btc)}},
	})
	if err != nil {
		t.Fatalf("failed to seed player: %v", err)
	}
}

func (e *testEnv) seedRound(t *testing.T, id string) {
	t.Helper()
	r := &model.Round{ID: id, Status: model.RoundActive, CrashPoint: d("2.50"), StartedAt: time.Now().UTC()}
	if err := e.ms.CreateRound(context.Background(), r); err != nil {
		t.Fatalf("failed to seed round: %v", err)
	}
}

func (e *testEnv) round(t *testing.T, id string) *model.Round {
	t.Helper()
	r, err := e.ms.GetRound(context.Background(), id)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	return r
}

func (e *testEnv) balance(t *testing.T, player string) decimal.Decimal {
	t.Helper()
	bal, err := e.ms.GetBalance(context.Background(), player, model.CurrencyBTC)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return bal
}

func btcBet(player, usd string) ledger.BetRequest {
	return ledger.BetRequest{
		Player:      player,
		StakeAmount: d(usd),
		Currency:    model.CurrencyBTC,
		Price:       d("50000"),
	}
}

// --- Amount helpers ---

func TestToSettlement(t *testing.T) {
	tests := []struct {
		stake, price, want string
	}{
		{"100", "50000", "0.002"},
		{"100.999", "50000", "0.0020198"}, // stake truncated to 100.99 first
		{"1", "3", "0.33333333"},
		{"2", "3", "0.66666666"}, // truncates, never rounds up
	}
	for _, tc := range tests {
		got, err := ledger.ToSettlement(d(tc.stake), d(tc.price))
		if err != nil {
			t.Fatalf("%s/%s: unexpected error: %v", tc.stake, tc.price, err)
		}
		if !got.Equal(d(tc.want)) {
			t.Errorf("%s/%s: expected %s, got %s", tc.stake, tc.price, tc.want, got)
		}
	}
}

func TestToSettlement_Invalid(t *testing.T) {
	tests := []struct{ stake, price string }{
		{"0", "50000"},
		{"-5", "50000"},
		{"0.001", "50000"}, // truncates to 0.00
		{"100", "0"},
		{"0.01", "100000000000"}, // below one satoshi
	}
	for _, tc := range tests {
		if _, err := ledger.ToSettlement(d(tc.stake), d(tc.price)); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("%s/%s: expected ErrInvalidAmount, got %v", tc.stake, tc.price, err)
		}
	}
}

func TestPayout_Truncates(t *testing.T) {
	if got := ledger.Payout(d("0.002"), d("1.80")); !got.Equal(d("0.0036")) {
		t.Errorf("expected 0.0036, got %s", got)
	}
	if got := ledger.Payout(d("0.00000003"), d("1.5")); !got.Equal(d("0.00000004")) {
		t.Errorf("expected 0.00000004, got %s", got)
	}
	if got := ledger.Payout(d("0.00000001"), d("1.99")); !got.Equal(d("0.00000001")) {
		t.Errorf("expected truncation to 0.00000001, got %s", got)
	}
}

// --- PlaceBet ---

func TestPlaceBet_DebitsAndRecords(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")

	bet, err := env.led.PlaceBet(context.Background(), env.round(t, "R1"), btcBet("vikas", "100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bet.SettlementAmount.Equal(d("0.002")) {
		t.Errorf("expected settlement 0.002, got %s", bet.SettlementAmount)
	}
	if bet.Status != model.BetActive {
		t.Errorf("expected active bet, got %s", bet.Status)
	}
	if bet.CashoutMultiplier.Valid {
		t.Error("cashout multiplier must be null on an active bet")
	}
	if got := env.balance(t, "vikas"); !got.Equal(d("0.008")) {
		t.Errorf("expected balance 0.008, got %s", got)
	}

	stored := env.round(t, "R1")
	if len(stored.Bets) != 1 || stored.Bets[0].Player != "vikas" {
		t.Fatalf("bet not persisted: %+v", stored.Bets)
	}

	entries, _ := env.ms.GetLedgerEntriesByPlayer(context.Background(), "vikas")
	if len(entries) != 1 || entries[0].Type != model.EntryBet {
		t.Fatalf("expected one bet ledger entry, got %+v", entries)
	}
	if !entries[0].PriceAtTime.Equal(d("50000")) || !entries[0].DisplayAmount.Equal(d("100")) {
		t.Errorf("ledger entry amounts wrong: %+v", entries[0])
	}
}

func TestPlaceBet_RoundNotActive(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")

	r := env.round(t, "R1")
	r.Status = model.RoundResolved

	_, err := env.led.PlaceBet(context.Background(), r, btcBet("vikas", "100"))
	if !errors.Is(err, ledger.ErrRoundNotActive) {
		t.Fatalf("expected ErrRoundNotActive, got %v", err)
	}
	if got := env.balance(t, "vikas"); !got.Equal(d("0.01")) {
		t.Errorf("rejected bet must not debit, balance %s", got)
	}
}

func TestPlaceBet_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")
	ctx := context.Background()

	if _, err := env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("vikas", "100")); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	_, err := env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("vikas", "50"))
	if !errors.Is(err, ledger.ErrDuplicateBet) {
		t.Fatalf("expected ErrDuplicateBet, got %v", err)
	}
	if got := env.balance(t, "vikas"); !got.Equal(d("0.008")) {
		t.Errorf("duplicate must not debit again, balance %s", got)
	}
}

func TestPlaceBet_StaleRoundCopyIsRefunded(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")
	ctx := context.Background()

	stale := env.round(t, "R1")
	if _, err := env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("vikas", "100")); err != nil {
		t.Fatalf("first bet: %v", err)
	}

	// The stale copy has no bet for vikas, so only the version check stops it.
	_, err := env.led.PlaceBet(ctx, stale, btcBet("vikas", "100"))
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if got := env.balance(t, "vikas"); !got.Equal(d("0.008")) {
		t.Errorf("failed save must refund the debit, balance %s", got)
	}
	if n := len(env.round(t, "R1").Bets); n != 1 {
		t.Errorf("expected 1 bet, got %d", n)
	}
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.001")
	env.seedRound(t, "R1")

	_, err := env.led.PlaceBet(context.Background(), env.round(t, "R1"), btcBet("vikas", "100"))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if n := len(env.round(t, "R1").Bets); n != 0 {
		t.Errorf("expected no bets, got %d", n)
	}
}

func TestPlaceBet_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")

	for _, usd := range []string{"0", "-10", "0.001"} {
		_, err := env.led.PlaceBet(context.Background(), env.round(t, "R1"), btcBet("vikas", usd))
		if !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("stake %s: expected ErrInvalidAmount, got %v", usd, err)
		}
	}
}

// --- Cashout ---

func TestCashout_ScenarioAt180(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")
	ctx := context.Background()

	if _, err := env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("vikas", "100")); err != nil {
		t.Fatalf("bet: %v", err)
	}

	res, err := env.led.Cashout(ctx, env.round(t, "R1"), "vikas", d("1.80"))
	if err != nil {
		t.Fatalf("cashout: %v", err)
	}
	if !res.Payout.Equal(d("0.0036")) {
		t.Errorf("expected payout 0.0036, got %s", res.Payout)
	}
	if !res.PayoutDisplay.Equal(d("180")) {
		t.Errorf("expected display payout 180, got %s", res.PayoutDisplay)
	}
	if got := env.balance(t, "vikas"); !got.Equal(d("0.0116")) {
		t.Errorf("expected balance 0.0116, got %s", got)
	}

	bet := env.round(t, "R1").BetOf("vikas")
	if bet.Status != model.BetCashedOut {
		t.Errorf("expected cashed_out, got %s", bet.Status)
	}
	if !bet.CashoutMultiplier.Valid || !bet.CashoutMultiplier.Decimal.Equal(d("1.80")) {
		t.Errorf("expected cashout multiplier 1.80, got %+v", bet.CashoutMultiplier)
	}
}

func TestCashout_NoBet(t *testing.T) {
	env := newTestEnv(t)
	env.seedRound(t, "R1")

	_, err := env.led.Cashout(context.Background(), env.round(t, "R1"), "nobody", d("1.5"))
	if !errors.Is(err, ledger.ErrNoActiveBet) {
		t.Errorf("expected ErrNoActiveBet, got %v", err)
	}
}

func TestCashout_Twice(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")
	ctx := context.Background()

	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("vikas", "100"))
	if _, err := env.led.Cashout(ctx, env.round(t, "R1"), "vikas", d("1.5")); err != nil {
		t.Fatalf("first cashout: %v", err)
	}
	_, err := env.led.Cashout(ctx, env.round(t, "R1"), "vikas", d("1.6"))
	if !errors.Is(err, ledger.ErrNoActiveBet) {
		t.Fatalf("expected ErrNoActiveBet, got %v", err)
	}
	if got := env.balance(t, "vikas"); !got.Equal(d("0.011")) {
		t.Errorf("expected single payout, balance %s", got)
	}
}

func TestCashout_ConcurrentSameBet(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")
	ctx := context.Background()
	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("vikas", "100"))

	// Serialize read-then-settle the way the engine's lifecycle lock does.
	var lock sync.Mutex
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Lock()
			defer lock.Unlock()
			r, _ := env.ms.GetRound(ctx, "R1")
			_, err := env.led.Cashout(ctx, r, "vikas", d("1.5"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrNoActiveBet):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Errorf("expected 1 success and 1 ErrNoActiveBet, got %d/%d", ok, rejected)
	}
}

func TestCashout_AfterForfeit(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedRound(t, "R1")
	ctx := context.Background()
	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("vikas", "100"))

	r := env.round(t, "R1")
	r.Status = model.RoundResolved
	env.led.Forfeit(r)
	if err := env.ms.UpdateRound(ctx, r); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, err := env.led.Cashout(ctx, env.round(t, "R1"), "vikas", d("1.5"))
	if !errors.Is(err, ledger.ErrNoActiveBet) {
		t.Fatalf("expected ErrNoActiveBet, got %v", err)
	}
	if got := env.balance(t, "vikas"); !got.Equal(d("0.008")) {
		t.Errorf("forfeited bet must not pay, balance %s", got)
	}
}

// --- Forfeit ---

func TestForfeit_OnlyActiveBetsAndIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, "vikas", "0.01")
	env.seedPlayer(t, "elon", "0.02")
	env.seedRound(t, "R1")
	ctx := context.Background()

	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("vikas", "100"))
	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("elon", "100"))
	env.led.Cashout(ctx, env.round(t, "R1"), "vikas", d("1.80"))

	r := env.round(t, "R1")
	if n := env.led.Forfeit(r); n != 1 {
		t.Fatalf("expected 1 forfeited bet, got %d", n)
	}
	if r.BetOf("vikas").Status != model.BetCashedOut {
		t.Error("cashed out bet must keep its terminal status")
	}
	if r.BetOf("elon").Status != model.BetLost {
		t.Error("open bet must be lost")
	}
	if n := env.led.Forfeit(r); n != 0 {
		t.Errorf("second forfeit should change nothing, changed %d", n)
	}
	if got := env.balance(t, "elon"); !got.Equal(d("0.018")) {
		t.Errorf("forfeit must not change balance, got %s", got)
	}
}

func TestSettlement_Conservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	players := []string{"a", "b", "c", "d"}
	for _, p := range players {
		env.seedPlayer(t, p, "1")
	}
	env.seedRound(t, "R1")

	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("a", "100"))
	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("b", "333.33"))
	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("c", "12.34"))
	env.led.PlaceBet(ctx, env.round(t, "R1"), btcBet("d", "7"))
	env.led.Cashout(ctx, env.round(t, "R1"), "a", d("1.37"))
	env.led.Cashout(ctx, env.round(t, "R1"), "c", d("2.01"))

	r := env.round(t, "R1")
	env.led.Forfeit(r)

	entries, _ := env.ms.GetLedgerEntriesByRound(ctx, "R1")
	debits, credits := decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case model.EntryBet:
			debits = debits.Add(e.SettlementAmount)
		case model.EntryCashout:
			credits = credits.Add(e.SettlementAmount)
		}
	}

	// Expected credits from the payout formula over cashed-out bets only.
	expected := decimal.Zero
	for _, b := range r.Bets {
		if b.Status == model.BetCashedOut {
			expected = expected.Add(ledger.Payout(b.SettlementAmount, b.CashoutMultiplier.Decimal))
		}
	}
	if !credits.Equal(expected) {
		t.Errorf("credits %s != expected payouts %s", credits, expected)
	}

	// Wallet deltas must match ledger totals exactly.
	total := decimal.Zero
	for _, p := range players {
		total = total.Add(env.balance(t, p))
	}
	start := decimal.NewFromInt(int64(len(players)))
	if !start.Sub(debits).Add(credits).Equal(total) {
		t.Errorf("balances %s != start %s - debits %s + credits %s", total, start, debits, credits)
	}
}
