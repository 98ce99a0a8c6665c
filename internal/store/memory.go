package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/crash-engine/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	rounds   map[string]*model.Round
	order    []string // round ids in creation order
	players  map[string]*model.Player
	balances map[string]map[string]decimal.Decimal // username -> currency -> balance
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:   make(map[string]*model.Round),
		players:  make(map[string]*model.Player),
		balances: make(map[string]map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) CreateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("%w: round %s", ErrAlreadyExists, r.ID)
	}
	s.rounds[r.ID] = r.Clone()
	s.order = append(s.order, r.ID)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: round %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rounds[r.ID]
	if !ok {
		return fmt.Errorf("%w: round %s", ErrNotFound, r.ID)
	}
	if stored.Version != r.Version {
		return fmt.Errorf("%w: round %s at version %d, have %d",
			ErrVersionConflict, r.ID, stored.Version, r.Version)
	}

	r.Version++
	s.rounds[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) ListRounds(_ context.Context, status model.RoundStatus, limit int) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Round
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.rounds[s.order[i]]
		if r.Status != status {
			continue
		}
		result = append(result, *r.Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CreatePlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[p.Username]; ok {
		return fmt.Errorf("%w: player %s", ErrAlreadyExists, p.Username)
	}

	balances := make(map[string]decimal.Decimal, len(model.Currencies))
	for _, c := range model.Currencies {
		balances[c] = decimal.Zero
	}
	for _, w := range p.Wallets {
		balances[w.Currency] = w.Balance
	}

	copy := *p
	copy.Wallets = nil
	s.players[p.Username] = &copy
	s.balances[p.Username] = balances
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, username string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[username]
	if !ok {
		return nil, fmt.Errorf("%w: player %s", ErrNotFound, username)
	}
	copy := *p
	for _, c := range model.Currencies {
		copy.Wallets = append(copy.Wallets, model.Wallet{Currency: c, Balance: s.balances[username][c]})
	}
	return &copy, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, username, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[username][currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: wallet %s/%s", ErrNotFound, username, currency)
	}
	return bal, nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, username, currency string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[username][currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: wallet %s/%s", ErrNotFound, username, currency)
	}
	next := bal.Add(delta)
	if next.IsNegative() {
		return bal, fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, username, bal, currency, delta.Neg())
	}
	s.balances[username][currency] = next
	return next, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByPlayer(_ context.Context, username string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if e := s.ledger[i]; e.Player == username {
			result = append(result, e)
		}
	}
	// Newest first; equal timestamps keep reverse insertion order.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByRound(_ context.Context, roundID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.RoundID == roundID {
			result = append(result, e)
		}
	}
	return result, nil
}
