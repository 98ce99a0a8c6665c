package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/crash-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for read-mostly projections: player profiles and crash history.
// Rounds, balances and the ledger always go to the primary, since the engine
// and settlement rely on re-reading authoritative state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.UpdateRound(ctx, r); err != nil {
		return err
	}
	if r.Status == model.RoundResolved {
		// History changed; next read will re-populate.
		s.rdb.Del(ctx, historyKey(model.RoundResolved))
	}
	return nil
}

func (s *CachedStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	if err := s.primary.CreatePlayer(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, playerKey(p.Username))
	return nil
}

// --- Read-through (check cache first) ---

// GetPlayer caches the profile only; wallet balances are always read fresh.
func (s *CachedStore) GetPlayer(ctx context.Context, username string) (*model.Player, error) {
	data, err := s.rdb.Get(ctx, playerKey(username)).Bytes()
	if err == nil {
		var p model.Player
		if json.Unmarshal(data, &p) == nil {
			return s.withWallets(ctx, &p)
		}
	}

	p, err := s.primary.GetPlayer(ctx, username)
	if err != nil {
		return nil, err
	}

	profile := *p
	profile.Wallets = nil
	if data, err := json.Marshal(profile); err == nil {
		s.rdb.Set(ctx, playerKey(username), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListRounds(ctx context.Context, status model.RoundStatus, limit int) ([]model.Round, error) {
	if status != model.RoundResolved {
		return s.primary.ListRounds(ctx, status, limit)
	}

	field := fmt.Sprintf("%d", limit)
	data, err := s.rdb.HGet(ctx, historyKey(status), field).Bytes()
	if err == nil {
		var rounds []model.Round
		if json.Unmarshal(data, &rounds) == nil {
			return rounds, nil
		}
	}

	rounds, err := s.primary.ListRounds(ctx, status, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rounds); err == nil {
		key := historyKey(status)
		s.rdb.HSet(ctx, key, field, data)
		s.rdb.Expire(ctx, key, s.ttl)
	}
	return rounds, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateRound(ctx context.Context, r *model.Round) error {
	return s.primary.CreateRound(ctx, r)
}

func (s *CachedStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	return s.primary.GetRound(ctx, id)
}

func (s *CachedStore) GetBalance(ctx context.Context, username, currency string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, username, currency)
}

func (s *CachedStore) AdjustBalance(ctx context.Context, username, currency string, delta decimal.Decimal) (decimal.Decimal, error) {
	return s.primary.AdjustBalance(ctx, username, currency, delta)
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, entry)
}

func (s *CachedStore) GetLedgerEntriesByPlayer(ctx context.Context, username string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByPlayer(ctx, username)
}

func (s *CachedStore) GetLedgerEntriesByRound(ctx context.Context, roundID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByRound(ctx, roundID)
}

// --- Cache helpers ---

func (s *CachedStore) withWallets(ctx context.Context, p *model.Player) (*model.Player, error) {
	p.Wallets = p.Wallets[:0]
	for _, c := range model.Currencies {
		bal, err := s.primary.GetBalance(ctx, p.Username, c)
		if err != nil {
			return nil, err
		}
		p.Wallets = append(p.Wallets, model.Wallet{Currency: c, Balance: bal})
	}
	return p, nil
}

func playerKey(username string) string          { return fmt.Sprintf("player:%s", username) }
func historyKey(status model.RoundStatus) string { return fmt.Sprintf("rounds:%s", status) }
