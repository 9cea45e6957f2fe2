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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/challenge-engine/internal/api"
	"github.com/atmx/challenge-engine/internal/audit"
	"github.com/atmx/challenge-engine/internal/challenge"
	"github.com/atmx/challenge-engine/internal/config"
	"github.com/atmx/challenge-engine/internal/market"
	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/payout"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/trade"
)

func main() {
	if err := run(); err != nil {
		slog.Error("challenge-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("challenge-engine stopped")
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Store ---
	var st store.Store
	if cfg.DB.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.URL)
		if err != nil {
			return fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		poolCfg.MaxConns = cfg.DB.MaxConns
		poolCfg.MinConns = cfg.DB.MinConns
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool, cfg.DB.StatementTimeout)
		if cfg.DB.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Market data ---
	var upstream market.Gateway
	if cfg.Gateway.URL != "" {
		httpClient := &http.Client{Timeout: cfg.Gateway.Timeout}
		upstream = market.NewRetryingGateway(market.NewHTTPGateway(httpClient, cfg.Gateway.URL), cfg.Gateway.Retry())
		slog.Info("market gateway configured", "url", cfg.Gateway.URL)
	} else {
		slog.Warn("GATEWAY_URL not set, using in-memory market gateway with no markets")
		upstream = market.NewMemoryGateway()
	}

	var cache market.Cache = market.NewMemoryCache()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cache = market.NewRedisCache(rdb, cfg.Redis.Prefix)
		slog.Info("Redis market cache enabled")
	}
	gw := market.NewCachedGateway(upstream, cache, cfg.Gateway.CacheTTL, logger)

	// --- Services ---
	tiers, err := cfg.TierTable()
	if err != nil {
		return err
	}

	wsHub := trade.NewWSHub(logger)
	go wsHub.Run()
	cleanup = append(cleanup, wsHub.Stop)

	evaluator := challenge.NewEvaluator(st, gw, wsHub, logger)
	worker := challenge.NewWorker(evaluator, cfg.Monitor.QueueSize, cfg.Monitor.Workers, cfg.Monitor.EvalTimeout, logger)
	reconciler := audit.NewReconciler(st, logger)

	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	if cfg.Monitor.Enabled {
		monitor, err := challenge.NewMonitor(ctx, cfg.Monitor.Schedule(), st, gw, worker, reconciler, logger)
		if err != nil {
			return err
		}
		monitor.Start()
		cleanup = append(cleanup, monitor.Stop)
	}

	handler := api.NewHandler(api.Deps{
		Challenges: challenge.NewService(st, gw, tiers, logger),
		Risk:       risk.NewEngine(st, gw),
		Executor:   trade.NewExecutor(st, gw, worker, wsHub, logger),
		Worker:     worker,
		Payouts:    payout.NewService(st, wsHub, logger),
		Reconciler: reconciler,
		Logger:     logger,
	})

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
		w.Write([]byte(`{"status":"ok","service":"challenge-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stays outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("challenge-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down challenge-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := <-workerDone; err != nil {
		slog.Error("evaluation worker error", "err", err)
	}
	return nil
}
