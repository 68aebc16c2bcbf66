package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/api"
	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/book"
	"github.com/xtrntr/p2pexchange/internal/config"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/markets"
	"github.com/xtrntr/p2pexchange/internal/trading"
)

// Main entry point: sets up storage, the trade engine and the HTTP server
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (db.Store, error) {
	if cfg.Storage == config.StorageMemory {
		log.Warn("using in-memory storage; data is lost on restart")
		return db.NewMemory(), nil
	}
	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		log.Info("database migrations applied")
	}
	return db.NewDB(ctx, cfg.DatabaseURL)
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close(context.Background())

	// Periodic order book push for websocket clients
	hub := events.NewHub(log, func(ctx context.Context) (any, error) {
		return book.Load(ctx, store, "BTC", "USD")
	})
	publishers := events.Multi{hub}
	if cfg.NATS.URL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		defer nc.Close()
		publishers = append(publishers, nc)
		log.Info("publishing events to NATS", zap.String("url", cfg.NATS.URL), zap.String("subject", cfg.NATS.Subject))
	}

	var prices markets.PriceSource = markets.NewMockSource(time.Now().UnixNano())
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, price cache will fall through", zap.Error(err))
		}
		prices = markets.NewCachedSource(prices, rdb, cfg.Redis.PriceTTL, log)
	}

	l := ledger.New(store, log.Named("ledger"))
	engine := trading.NewEngine(store, l, publishers, log.Named("trading"))
	handler := api.NewHandler(api.Options{
		Store:        store,
		Ledger:       l,
		Engine:       engine,
		Auth:         auth.NewAuthService(store, cfg.JWTSecret),
		Markets:      markets.NewService(prices, store, log.Named("markets")),
		Publisher:    publishers,
		Log:          log.Named("api"),
		AuthRequired: cfg.AuthRequired,
		CORSOrigins:  cfg.CORSOrigins,
	})

	go hub.Run(ctx, cfg.BroadcastInterval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", cfg.HTTPAddr), zap.String("storage", cfg.Storage), zap.Bool("auth_required", cfg.AuthRequired))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
