package main

import (
	"context"
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

	"github.com/finnacle/ledger-engine/internal/config"
	"github.com/finnacle/ledger-engine/internal/ledger"
	"github.com/finnacle/ledger-engine/internal/metrics"
	"github.com/finnacle/ledger-engine/internal/money"
	"github.com/finnacle/ledger-engine/internal/pricing"
	"github.com/finnacle/ledger-engine/internal/store"
	"github.com/finnacle/ledger-engine/internal/trade"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(context.Background(), cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.Storage.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.Storage.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.Storage.SQLitePath)

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis fronts both the store and the quote client when configured.
	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Storage.SummaryCacheTTL)
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Market data ---
	var quoter pricing.Quoter
	if cfg.Market.FinnhubAPIKey != "" {
		quoter = pricing.NewFinnhubClient(cfg.Market.FinnhubBaseURL, cfg.Market.FinnhubAPIKey, cfg.Market.RequestTimeout)
		if rdb != nil {
			quoter = pricing.NewCachedQuoter(quoter, rdb, cfg.Market.QuoteCacheTTL)
		}
		quoter = pricing.NewSingleflightQuoter(quoter, cfg.Market.RequestTimeout)
		slog.Info("Finnhub quotes enabled", "base_url", cfg.Market.FinnhubBaseURL)
	} else {
		slog.Warn("FINNHUB_API_KEY not set, trades require an explicit price")
	}

	if cfg.Server.InternalToken == "" {
		slog.Warn("INTERNAL_API_TOKEN not set, credit routes reject all requests")
	}

	// --- Ledger engine ---
	engine := ledger.NewEngine(st, ledger.Options{
		UnitTimeout:       cfg.Ledger.UnitTimeout,
		InitialGrantCents: money.Cents(cfg.Ledger.InitialGrantCents),
	})

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(engine, quoter, wsHub)

	// --- HTTP router ---
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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for per-user ledger events. Not under the
		// request timeout: the connection is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		// Public ranking.
		r.With(middleware.Timeout(30*time.Second)).Get("/leaderboard", tradeSvc.Leaderboard)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(trade.RequireUser)

			// Trade execution.
			r.Post("/trades/buy", tradeSvc.Buy)
			r.Post("/trades/sell", tradeSvc.Sell)

			// Portfolio queries.
			r.Get("/portfolio/summary", tradeSvc.Summary)

			// One-time signup grant.
			r.Post("/wallet/initial-grant", tradeSvc.InitialGrant)
		})

		// Wallet credits come only from internal callers (quiz grader,
		// reward jobs), never from end users.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(trade.RequireService(cfg.Server.InternalToken))
			r.Use(trade.RequireUser)

			r.Post("/credits", tradeSvc.Credit)
			r.Post("/rewards/quiz", tradeSvc.RewardQuiz)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
