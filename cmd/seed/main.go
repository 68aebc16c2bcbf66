package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/config"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/trading"
)

type seedOrder struct {
	owner     string
	direction models.Direction
	crypto    string
	fiat      string
	amount    string
	price     string
	method    string
}

var seedOrders = []seedOrder{
	{owner: "trader1", direction: models.Sell, crypto: "BTC", fiat: "USD", amount: "0.5", price: "67000", method: "bank_transfer"},
	{owner: "trader1", direction: models.Sell, crypto: "ETH", fiat: "USD", amount: "4", price: "3450", method: "paypal"},
	{owner: "trader2", direction: models.Buy, crypto: "BTC", fiat: "USD", amount: "0.25", price: "66500", method: "bank_transfer"},
	{owner: "trader2", direction: models.Buy, crypto: "USDT", fiat: "EUR", amount: "1000", price: "0.92", method: "sepa"},
}

// Seed the database with demo users, orders and trades
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

	if cfg.Storage != config.StoragePostgres {
		log.Fatal("seeding requires postgres storage")
	}

	ctx := context.Background()
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal("failed to migrate", zap.Error(err))
	}
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	if err := seed(ctx, database, cfg.JWTSecret, log); err != nil {
		log.Fatal("failed to seed", zap.Error(err))
	}
}

func seed(ctx context.Context, store db.Store, secret string, log *zap.Logger) error {
	// First check if we already have trades
	trades, err := store.ListTrades(ctx, models.TradeFilter{})
	if err != nil {
		return fmt.Errorf("failed to check trades: %w", err)
	}
	if len(trades) > 0 {
		log.Info("database already seeded", zap.Int("trades", len(trades)))
		return nil
	}

	authService := auth.NewAuthService(store, secret)
	users := map[string]int64{}
	for _, name := range []string{"trader1", "trader2", "trader3"} {
		user, err := authService.Register(ctx, name, "password123")
		if errors.Is(err, apperr.ErrValidation) {
			// already registered
			existing, lookupErr := store.GetUserByUsername(ctx, name)
			if lookupErr != nil {
				return fmt.Errorf("failed to get %s: %w", name, lookupErr)
			}
			user, err = existing, nil
		}
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		users[name] = user.ID
	}

	l := ledger.New(store, log)
	engine := trading.NewEngine(store, l, nil, log)

	var orders []*models.Order
	for _, o := range seedOrders {
		order, err := l.Create(ctx, ledger.CreateOrderParams{
			Owner:         users[o.owner],
			Direction:     o.direction,
			CryptoSymbol:  o.crypto,
			FiatSymbol:    o.fiat,
			Amount:        decimal.RequireFromString(o.amount),
			UnitPrice:     decimal.RequireFromString(o.price),
			PaymentMethod: o.method,
		})
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		orders = append(orders, order)
	}

	// One trade per lifecycle outcome
	completed, err := engine.CreateTrade(ctx, trading.CreateTradeParams{OrderID: orders[0].ID, RequesterID: users["trader3"], Amount: decimal.RequireFromString("0.1")})
	if err != nil {
		return err
	}
	if _, err := engine.ConfirmPayment(ctx, completed.ID, completed.BuyerID); err != nil {
		return err
	}
	if _, err := engine.ReleaseFunds(ctx, completed.ID, completed.SellerID); err != nil {
		return err
	}

	escrowed, err := engine.CreateTrade(ctx, trading.CreateTradeParams{OrderID: orders[1].ID, RequesterID: users["trader2"], Amount: decimal.NewFromInt(1)})
	if err != nil {
		return err
	}
	if _, err := engine.ConfirmPayment(ctx, escrowed.ID, escrowed.BuyerID); err != nil {
		return err
	}

	if _, err := engine.CreateTrade(ctx, trading.CreateTradeParams{OrderID: orders[2].ID, RequesterID: users["trader1"], Amount: decimal.RequireFromString("0.05")}); err != nil {
		return err
	}

	log.Info("seeded database", zap.Int("users", len(users)), zap.Int("orders", len(orders)), zap.Int("trades", 3))
	return nil
}
