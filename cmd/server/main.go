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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/stratsim/automation-engine/internal/advisor"
	"github.com/stratsim/automation-engine/internal/automation"
	"github.com/stratsim/automation-engine/internal/executor"
	"github.com/stratsim/automation-engine/internal/metrics"
	"github.com/stratsim/automation-engine/internal/quote"
	"github.com/stratsim/automation-engine/internal/rules"
	"github.com/stratsim/automation-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load .env variables into the process environment if present.
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using system environment")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cyclePeriod := 15 * time.Minute
	if v := os.Getenv("CYCLE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid CYCLE_PERIOD", "value", v, "err", err)
			os.Exit(1)
		}
		cyclePeriod = d
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var oracle quote.Oracle
	if quoteURL := os.Getenv("QUOTE_URL"); quoteURL != "" {
		oracle = quote.NewHTTPOracle(quoteURL, 5*time.Second)
		slog.Info("quote service configured", "url", quoteURL)
	} else {
		slog.Warn("QUOTE_URL not set, prices will stay stale")
		oracle = quote.NewStaticOracle(nil)
	}

	// --- Advisory service ---
	var adv advisor.Advisor
	if advisorURL := os.Getenv("ADVISOR_URL"); advisorURL != "" {
		adv = advisor.NewHTTPAdvisor(advisorURL, 30*time.Second)
		slog.Info("advisory service configured", "url", advisorURL)
	} else {
		slog.Info("ADVISOR_URL not set, ai-auto-optimize rules will not fire")
	}

	// --- Notification hub ---
	hub := automation.NewHub()
	go hub.Run()

	// --- Automation runner ---
	evaluator := rules.NewEvaluator(oracle, adv, cyclePeriod)
	exec := executor.New(st)
	runner := automation.NewRunner(st, oracle, evaluator, exec, hub, cyclePeriod)

	token := os.Getenv("AUTOMATION_TOKEN")
	if token == "" {
		slog.Warn("AUTOMATION_TOKEN not set, trigger endpoint is unauthenticated")
	}
	api := automation.NewAPI(runner, st, token)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"automation-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time automation notifications.
		r.Get("/ws", hub.HandleWS)

		// Schedule-trigger entry point.
		r.Post("/automation/run", api.RunCycle)

		// Automation bookkeeping views.
		r.Get("/strategies/{strategyID}/automation", api.GetAutomation)
		r.Get("/strategies/{strategyID}/executions", api.ListExecutions)
	})

	// --- Optional in-process schedule trigger ---
	if spec := os.Getenv("CYCLE_CRON"); spec != "" {
		c := cron.New()
		_, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cyclePeriod)
			defer cancel()
			runner.RunCycle(ctx)
		})
		if err != nil {
			slog.Error("invalid CYCLE_CRON", "spec", spec, "err", err)
			os.Exit(1)
		}
		c.Start()
		cleanup = append(cleanup, func() { <-c.Stop().Done() })
		slog.Info("in-process cycle trigger enabled", "cron", spec)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("automation-engine listening", "port", port)
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

	slog.Info("shutting down automation-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("automation-engine stopped")
}
