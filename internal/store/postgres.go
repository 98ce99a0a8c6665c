package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/crash-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// --- Rounds ---

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (id, seed, commitment, crash_point, status, started_at, ended_at, version)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		r.ID, r.Seed, r.Commitment, r.CrashPoint.String(),
		string(r.Status), r.StartedAt, r.EndedAt, r.Version,
	)
	return err
}

const roundColumns = `id, seed, commitment, crash_point::TEXT, status, started_at, ended_at, version`

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: round %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %s: %w", id, err)
	}

	bets, err := s.roundBets(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	r.Bets = bets
	return r, nil
}

// UpdateRound applies the round status and bet set in one transaction,
// guarded by a version check on the round row.
func (s *PostgresStore) UpdateRound(ctx context.Context, r *model.Round) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rounds SET status = $3, ended_at = $4, version = version + 1
			 WHERE id = $1 AND version = $2`,
			r.ID, r.Version, string(r.Status), r.EndedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: round %s at version %d", ErrVersionConflict, r.ID, r.Version)
		}

		for i, b := range r.Bets {
			var mult *string
			if b.CashoutMultiplier.Valid {
				m := b.CashoutMultiplier.Decimal.String()
				mult = &m
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO bets (id, round_id, seq, username, stake_amount, settlement_amount,
				                   currency, price_snapshot, status, cashout_multiplier, placed_at, settled_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9, $10::NUMERIC, $11, $12)
				 ON CONFLICT (id) DO UPDATE
				 SET status = EXCLUDED.status,
				     cashout_multiplier = EXCLUDED.cashout_multiplier,
				     settled_at = EXCLUDED.settled_at`,
				b.ID, r.ID, i, b.Player,
				b.StakeAmount.String(), b.SettlementAmount.String(),
				b.Currency, b.PriceSnapshot.String(),
				string(b.Status), mult, b.PlacedAt, b.SettledAt,
			)
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: bet for %s in round %s", ErrAlreadyExists, b.Player, r.ID)
			}
			if err != nil {
				return fmt.Errorf("upsert bet %s: %w", b.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.Version++
	return nil
}

func (s *PostgresStore) ListRounds(ctx context.Context, status model.RoundStatus, limit int) ([]model.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE status = $1 ORDER BY started_at DESC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rounds {
		bets, err := s.roundBets(ctx, s.pool, rounds[i].ID)
		if err != nil {
			return nil, err
		}
		rounds[i].Bets = bets
	}
	return rounds, nil
}

// --- Players and balances ---

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *model.Player) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO players (username, created_at) VALUES ($1, $2)
			 ON CONFLICT (username) DO NOTHING`,
			p.Username, p.CreatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: player %s", ErrAlreadyExists, p.Username)
		}

		initial := make(map[string]decimal.Decimal)
		for _, w := range p.Wallets {
			initial[w.Currency] = w.Balance
		}
		for _, c := range model.Currencies {
			if _, err := tx.Exec(ctx,
				`INSERT INTO wallets (username, currency, balance) VALUES ($1, $2, $3::NUMERIC)`,
				p.Username, c, initial[c].String(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetPlayer(ctx context.Context, username string) (*model.Player, error) {
	var p model.Player
	err := s.pool.QueryRow(ctx,
		`SELECT username, created_at FROM players WHERE username = $1`, username).
		Scan(&p.Username, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: player %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", username, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT currency, balance::TEXT FROM wallets WHERE username = $1 ORDER BY currency`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var w model.Wallet
		var bal string
		if err := rows.Scan(&w.Currency, &bal); err != nil {
			return nil, err
		}
		w.Balance, _ = decimal.NewFromString(bal)
		p.Wallets = append(p.Wallets, w)
	}
	return &p, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, username, currency string) (decimal.Decimal, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM wallets WHERE username = $1 AND currency = $2`,
		username, currency).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: wallet %s/%s", ErrNotFound, username, currency)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(bal)
}

// AdjustBalance applies delta in a single conditional UPDATE so the
// sufficiency check and the write cannot interleave with another debit.
func (s *PostgresStore) AdjustBalance(ctx context.Context, username, currency string, delta decimal.Decimal) (decimal.Decimal, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`UPDATE wallets SET balance = balance + $3::NUMERIC
		 WHERE username = $1 AND currency = $2 AND balance + $3::NUMERIC >= 0
		 RETURNING balance::TEXT`,
		username, currency, delta.String()).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the wallet is missing or the debit would overdraw it.
		current, gerr := s.GetBalance(ctx, username, currency)
		if gerr != nil {
			return decimal.Zero, gerr
		}
		return current, fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, username, current, currency, delta.Neg())
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(bal)
}

// --- Immutable ledger ---

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, username, round_id, type, display_amount, settlement_amount,
		                             currency, price_at_time, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9)`,
		e.ID, e.Player, e.RoundID, e.Type,
		e.DisplayAmount.String(), e.SettlementAmount.String(),
		e.Currency, e.PriceAtTime.String(), e.Timestamp,
	)
	return err
}

const ledgerColumns = `id, username, round_id, type, display_amount::TEXT, settlement_amount::TEXT,
		        currency, price_at_time::TEXT, timestamp`

func (s *PostgresStore) GetLedgerEntriesByPlayer(ctx context.Context, username string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE username = $1 ORDER BY timestamp DESC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByRound(ctx context.Context, roundID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE round_id = $1 ORDER BY timestamp`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// --- Scanning helpers ---

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) roundBets(ctx context.Context, q querier, roundID string) ([]model.Bet, error) {
	rows, err := q.Query(ctx,
		`SELECT id, round_id, username, stake_amount::TEXT, settlement_amount::TEXT, currency,
		        price_snapshot::TEXT, status, cashout_multiplier::TEXT, placed_at, settled_at
		 FROM bets WHERE round_id = $1 ORDER BY seq`, roundID)
	if err != nil {
		return nil, fmt.Errorf("get bets for round %s: %w", roundID, err)
	}
	defer rows.Close()

	bets := []model.Bet{}
	for rows.Next() {
		var b model.Bet
		var stake, settlement, price, status string
		var mult *string
		if err := rows.Scan(&b.ID, &b.RoundID, &b.Player, &stake, &settlement, &b.Currency,
			&price, &status, &mult, &b.PlacedAt, &b.SettledAt); err != nil {
			return nil, err
		}
		b.StakeAmount, _ = decimal.NewFromString(stake)
		b.SettlementAmount, _ = decimal.NewFromString(settlement)
		b.PriceSnapshot, _ = decimal.NewFromString(price)
		b.Status = model.BetStatus(status)
		if mult != nil {
			m, _ := decimal.NewFromString(*mult)
			b.CashoutMultiplier = decimal.NewNullDecimal(m)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*model.Round, error) {
	var r model.Round
	var crash, status string
	var endedAt *time.Time
	if err := row.Scan(&r.ID, &r.Seed, &r.Commitment, &crash, &status,
		&r.StartedAt, &endedAt, &r.Version); err != nil {
		return nil, err
	}
	r.CrashPoint, _ = decimal.NewFromString(crash)
	r.Status = model.RoundStatus(status)
	r.EndedAt = endedAt
	return &r, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var display, settlement, price string

		if err := rows.Scan(&e.ID, &e.Player, &e.RoundID, &e.Type,
			&display, &settlement, &e.Currency, &price, &e.Timestamp); err != nil {
			return nil, err
		}

		e.DisplayAmount, _ = decimal.NewFromString(display)
		e.SettlementAmount, _ = decimal.NewFromString(settlement)
		e.PriceAtTime, _ = decimal.NewFromString(price)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
