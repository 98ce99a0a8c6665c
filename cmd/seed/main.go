// Command seed inserts sample players with funded wallets into PostgreSQL.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/crash-engine/internal/config"
	"github.com/atmx/crash-engine/internal/model"
	"github.com/atmx/crash-engine/internal/store"
)

var samplePlayers = []model.Player{
	{Username: "vikas", Wallets: []model.Wallet{
		{Currency: model.CurrencyBTC, Balance: decimal.RequireFromString("0.05")},
		{Currency: model.CurrencyETH, Balance: decimal.RequireFromString("1")},
	}},
	{Username: "elon", Wallets: []model.Wallet{
		{Currency: model.CurrencyBTC, Balance: decimal.RequireFromString("0.1")},
		{Currency: model.CurrencyETH, Balance: decimal.RequireFromString("2")},
	}},
	{Username: "satoshi", Wallets: []model.Wallet{
		{Currency: model.CurrencyBTC, Balance: decimal.RequireFromString("1")},
		{Currency: model.CurrencyETH, Balance: decimal.RequireFromString("0.5")},
	}},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)
	if err := st.Migrate(ctx); err != nil {
		slog.Error("migrate failed", "err", err)
		os.Exit(1)
	}

	for _, p := range samplePlayers {
		p.CreatedAt = time.Now().UTC()
		err := st.CreatePlayer(ctx, &p)
		switch {
		case errors.Is(err, store.ErrAlreadyExists):
			slog.Info("player exists, skipping", "player", p.Username)
		case err != nil:
			slog.Error("seed player failed", "player", p.Username, "err", err)
			os.Exit(1)
		default:
			slog.Info("player seeded", "player", p.Username)
		}
	}
}
