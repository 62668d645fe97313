package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/nft-market/internal/api"
	"github.com/atmx/nft-market/internal/asset"
	"github.com/atmx/nft-market/internal/chain"
	"github.com/atmx/nft-market/internal/config"
	"github.com/atmx/nft-market/internal/events"
	"github.com/atmx/nft-market/internal/market"
	"github.com/atmx/nft-market/internal/metrics"
	"github.com/atmx/nft-market/internal/model"
	"github.com/atmx/nft-market/internal/payout"
	"github.com/atmx/nft-market/internal/store"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(msg string, args ...any) {
		slog.Error(msg, args...)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Postgres.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
		if err != nil {
			fatal("invalid postgres url", "err", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			fatal("database connection failed", "err", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				fatal("migration failed", "err", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("postgres url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis backs both the read-through cache and the event channel.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			fatal("invalid redis url", "err", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if cfg.Postgres.URL != "" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	}

	// --- Asset registry and payouts ---
	var (
		registry asset.Registry
		treasury payout.Treasury
		operator common.Address
		dev      *api.DevTools
	)
	if cfg.OnChain() {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.OperatorKey, cfg.Chain.ChainID)
		if err != nil {
			fatal("chain connection failed", "err", err)
		}
		client.SetReceiptPoll(cfg.Chain.ReceiptPoll.Duration)
		client.SetTxTimeout(cfg.Chain.TxTimeout.Duration)
		registry = chain.NewRegistry(client)
		treasury = chain.NewPayer(client)
		operator = client.Address()
		slog.Info("connected to chain", "chain_id", cfg.Chain.ChainID, "operator", operator.Hex())
	} else {
		operator = common.HexToAddress(cfg.Chain.DevOperator)
		mem := asset.NewMemoryRegistry(operator)
		wallet := payout.NewWallet()
		registry, treasury = mem, wallet
		if cfg.Server.DevEndpoints {
			dev = api.NewDevTools(mem, wallet)
			slog.Warn("dev endpoints enabled")
		}
		slog.Warn("rpc url not set, using in-memory registry and wallet", "operator", operator.Hex())
	}

	// --- WebSocket hub and event delivery ---
	wsHub := api.NewWSHub()
	wsHub.SetAllowedOrigins(cfg.Server.CORSOrigins)
	go wsHub.Run(ctx)

	// With Redis every instance publishes to the channel and feeds its hub
	// from the subscription, so clients see events from all instances.
	var emitter events.Fanout
	if rdb != nil {
		pub := events.NewRedisPublisher(rdb, cfg.Redis.Channel)
		sub, err := pub.Subscribe(ctx)
		if err != nil {
			fatal("redis subscribe failed", "err", err)
		}
		go relay(ctx, sub, wsHub)
		emitter = append(emitter, pub)
	} else {
		emitter = append(emitter, wsHub)
	}

	// --- Marketplace ---
	m := market.New(st, registry, treasury, operator, emitter)
	if err := m.SyncMetrics(ctx); err != nil {
		slog.Warn("active listings gauge not seeded", "err", err)
	}
	svc := api.NewService(m, wsHub)
	if dev != nil {
		svc.EnableDev(dev)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))
	r.Use(api.NewAuthenticator(cfg.Auth.RequireSignature, cfg.Auth.MaxSkew.Duration).Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"nft-market"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Mount(r)

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("nft-market listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down nft-market...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("nft-market stopped")
}

// relay forwards events received from the Redis channel to the hub.
func relay(ctx context.Context, sub <-chan model.Event, hub *api.WSHub) {
	for e := range sub {
		if err := hub.Emit(ctx, e); err != nil {
			metrics.EventDeliveryFailures.Inc()
			slog.Warn("ws relay dropped event", "id", e.ID, "err", err)
		}
	}
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Content-Type", api.HeaderAccount, api.HeaderSignature, api.HeaderTimestamp,
			}, ", "))
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
