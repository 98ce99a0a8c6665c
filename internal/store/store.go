// Package store defines the persistence interface for the crash engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/crash-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrVersionConflict     = errors.New("store: version conflict")
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	ErrAlreadyExists       = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Round operations ---

	// CreateRound persists a new round with its initial version.
	CreateRound(ctx context.Context, round *model.Round) error

	// GetRound reads a round and its bets from the authoritative store.
	GetRound(ctx context.Context, id string) (*model.Round, error)

	// UpdateRound writes status and bets if round.Version still matches the
	// stored version, then increments round.Version. Returns
	// ErrVersionConflict when another writer got there first.
	UpdateRound(ctx context.Context, round *model.Round) error

	// ListRounds returns rounds with the given status, newest first.
	ListRounds(ctx context.Context, status model.RoundStatus, limit int) ([]model.Round, error)

	// --- Players and balances ---

	// CreatePlayer persists a player with one wallet per supported currency.
	CreatePlayer(ctx context.Context, player *model.Player) error

	// GetPlayer returns a player and current wallet balances.
	GetPlayer(ctx context.Context, username string) (*model.Player, error)

	// GetBalance returns the player's balance in one currency.
	GetBalance(ctx context.Context, username, currency string) (decimal.Decimal, error)

	// AdjustBalance atomically adds delta and returns the new balance. A
	// debit that would go below zero fails with ErrInsufficientBalance and
	// leaves the balance unchanged.
	AdjustBalance(ctx context.Context, username, currency string, delta decimal.Decimal) (decimal.Decimal, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable audit record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByPlayer returns a player's entries, newest first.
	GetLedgerEntriesByPlayer(ctx context.Context, username string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByRound returns a round's entries in insertion order.
	GetLedgerEntriesByRound(ctx context.Context, roundID string) ([]model.LedgerEntry, error)
}
