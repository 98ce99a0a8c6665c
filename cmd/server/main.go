package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/crash-engine/internal/config"
	"github.com/atmx/crash-engine/internal/engine"
	"github.com/atmx/crash-engine/internal/fairness"
	"github.com/atmx/crash-engine/internal/game"
	"github.com/atmx/crash-engine/internal/ledger"
	"github.com/atmx/crash-engine/internal/limits"
	"github.com/atmx/crash-engine/internal/metrics"
	"github.com/atmx/crash-engine/internal/oracle"
	"github.com/atmx/crash-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("crash-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("crash-engine stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Price oracle ---
	var fetcher oracle.Fetcher
	if cfg.CoinGeckoAPI != "" {
		fetcher = oracle.NewCoinGeckoFetcher(cfg.CoinGeckoAPI, nil)
		slog.Info("using CoinGecko prices", "endpoint", cfg.CoinGeckoAPI)
	} else {
		static, err := oracle.ParseStaticPrices(cfg.StaticPrices)
		if err != nil {
			return err
		}
		fetcher = static
		slog.Warn("COINGECKO_API not set, using static prices", "prices", cfg.StaticPrices)
	}
	prices := oracle.New(fetcher, cfg.PriceTTL, nil)

	// --- Round engine ---
	gen, err := fairness.NewGenerator(cfg.MaxMultiplier)
	if err != nil {
		return err
	}
	hub := game.NewHub(nil)
	eng := engine.New(engine.Config{
		TickInterval:     cfg.TickInterval,
		WatchdogInterval: cfg.WatchdogInterval,
		Cooldown:         cfg.RoundCooldown,
		RetryDelay:       cfg.RetryDelay,
		GrowthFactor:     cfg.GrowthFactor,
	}, engine.Deps{
		Store:     st,
		Ledger:    ledger.New(st, nil),
		Generator: gen,
		Prices:    prices,
		Limiter:   limits.NewStakeLimiter(cfg.MinStake, cfg.MaxStake),
		Publisher: hub,
	})

	svc := game.NewService(eng, st, prices, gen, hub, nil)

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(svc),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		slog.Info("crash-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down crash-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore selects PostgreSQL (optionally behind Redis) or the in-memory
// store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL.String())
	}
	return st, closeAll, nil
}

func newRouter(svc *game.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"crash-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for game events and cashout commands.
		r.Get("/ws", svc.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Players and wallets.
			r.Post("/players", svc.CreatePlayer)
			r.Get("/players/{username}/wallet", svc.GetWallet)
			r.Get("/players/{username}/transactions", svc.GetTransactions)

			// Betting.
			r.Post("/bets", svc.PlaceBet)
			r.Post("/cashout", svc.Cashout)

			// Rounds.
			r.Get("/game/status", svc.Status)
			r.Post("/game/start", svc.StartRound)
			r.Post("/game/crash", svc.ForceCrash)
			r.Get("/game/history", svc.History)
			r.Get("/game/rounds/{roundID}/verify", svc.VerifyRound)
		})
	})

	return r
}
