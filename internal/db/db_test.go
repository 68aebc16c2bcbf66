package db

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/p2pexchange/internal/models"
)

// stores returns every Store implementation available in this environment,
// each freshly emptied
func stores(t *testing.T) map[string]func(t *testing.T) Store {
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T) Store {
			t.Helper()
			require.NoError(t, Migrate(url))
			ctx := context.Background()
			db, err := NewDB(ctx, url)
			require.NoError(t, err)
			_, err = db.Pool.Exec(ctx, "TRUNCATE TABLE users, orders, trades RESTART IDENTITY CASCADE")
			require.NoError(t, err)
			t.Cleanup(func() { db.Close(ctx) })
			return db
		}
	}
	return out
}

func newOrder(userID int64, dir models.Direction, crypto string, created time.Time) *models.Order {
	amount := decimal.NewFromInt(2)
	price := decimal.NewFromInt(100)
	return &models.Order{
		UserID:        userID,
		Type:          dir,
		Crypto:        crypto,
		Fiat:          "USD",
		Amount:        amount,
		PricePerUnit:  price,
		TotalValue:    amount.Mul(price),
		PaymentMethod: "bank_transfer",
		Status:        models.OrderActive,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestStore_Users(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			alice, err := s.CreateUser(ctx, "alice", "hash")
			require.NoError(t, err)
			assert.NotZero(t, alice.ID)

			_, err = s.CreateUser(ctx, "alice", "other")
			assert.ErrorIs(t, err, ErrDuplicate)

			got, err := s.GetUserByUsername(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, alice.ID, got.ID)
			assert.Equal(t, "hash", got.PasswordHash)

			_, err = s.GetUserByUsername(ctx, "bob")
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := s.UserExists(ctx, alice.ID)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.UserExists(ctx, alice.ID+100)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_Orders(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			alice, err := s.CreateUser(ctx, "alice", "hash")
			require.NoError(t, err)

			base := time.Now().UTC().Truncate(time.Millisecond)
			first, err := s.InsertOrder(ctx, newOrder(alice.ID, models.Sell, "BTC", base))
			require.NoError(t, err)
			second, err := s.InsertOrder(ctx, newOrder(alice.ID, models.Buy, "ETH", base.Add(time.Second)))
			require.NoError(t, err)

			got, err := s.GetOrder(ctx, first.ID, false)
			require.NoError(t, err)
			assert.Equal(t, models.Sell, got.Type)
			assert.True(t, got.TotalValue.Equal(decimal.NewFromInt(200)))

			got.Amount = decimal.Zero
			got.Status = models.OrderCompleted
			require.NoError(t, s.UpdateOrder(ctx, got))
			got, err = s.GetOrder(ctx, first.ID, false)
			require.NoError(t, err)
			assert.Equal(t, models.OrderCompleted, got.Status)
			assert.True(t, got.Amount.IsZero())

			all, err := s.ListOrders(ctx, models.OrderFilter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, second.ID, all[0].ID, "newest first")

			active, err := s.ListOrders(ctx, models.OrderFilter{ActiveOnly: true})
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, second.ID, active[0].ID)

			none, err := s.ListOrders(ctx, models.OrderFilter{Crypto: "SOL"})
			require.NoError(t, err)
			assert.NotNil(t, none)
			assert.Empty(t, none)

			_, err = s.GetOrder(ctx, 999, false)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.UpdateOrder(ctx, &models.Order{ID: 999, Status: models.OrderActive}), ErrNotFound)
		})
	}
}

func TestStore_Trades(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			seller, err := s.CreateUser(ctx, "seller", "hash")
			require.NoError(t, err)
			buyer, err := s.CreateUser(ctx, "buyer", "hash")
			require.NoError(t, err)
			now := time.Now().UTC().Truncate(time.Millisecond)
			order, err := s.InsertOrder(ctx, newOrder(seller.ID, models.Sell, "BTC", now))
			require.NoError(t, err)

			trade, err := s.InsertTrade(ctx, &models.Trade{
				OrderID:       order.ID,
				BuyerID:       buyer.ID,
				SellerID:      seller.ID,
				Amount:        decimal.NewFromInt(1),
				PricePerUnit:  order.PricePerUnit,
				TotalValue:    order.PricePerUnit,
				Status:        models.TradePending,
				EscrowAddress: "escrow_0123456789abcdef",
				CreatedAt:     now,
				UpdatedAt:     now,
			})
			require.NoError(t, err)

			trade.Status = models.TradeCompleted
			trade.PaymentConfirmed = true
			trade.CryptoReleased = true
			require.NoError(t, s.UpdateTrade(ctx, trade))

			got, err := s.GetTrade(ctx, trade.ID, false)
			require.NoError(t, err)
			assert.Equal(t, models.TradeCompleted, got.Status)
			assert.True(t, got.PaymentConfirmed)
			assert.True(t, got.CryptoReleased)
			assert.Equal(t, "escrow_0123456789abcdef", got.EscrowAddress)

			for _, tc := range []struct {
				filter models.TradeFilter
				count  int
			}{
				{filter: models.TradeFilter{UserID: buyer.ID}, count: 1},
				{filter: models.TradeFilter{UserID: seller.ID}, count: 1},
				{filter: models.TradeFilter{UserID: buyer.ID + seller.ID}, count: 0},
				{filter: models.TradeFilter{Status: models.TradePending}, count: 0},
				{filter: models.TradeFilter{OrderID: order.ID, Status: models.TradeCompleted}, count: 1},
			} {
				trades, err := s.ListTrades(ctx, tc.filter)
				require.NoError(t, err)
				assert.Len(t, trades, tc.count, "%+v", tc.filter)
			}

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.TotalTrades)
			assert.Equal(t, int64(1), stats.CompletedTrades)
			assert.Equal(t, int64(1), stats.ActiveOrders)
			assert.True(t, stats.CompletedVolume.Equal(decimal.NewFromInt(100)))

			_, err = s.GetTrade(ctx, 999, true)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_WithTxRollsBack(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			alice, err := s.CreateUser(ctx, "alice", "hash")
			require.NoError(t, err)
			order, err := s.InsertOrder(ctx, newOrder(alice.ID, models.Sell, "BTC", time.Now().UTC()))
			require.NoError(t, err)

			boom := errors.New("boom")
			err = s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
				o, err := tx.GetOrder(ctx, order.ID, true)
				if err != nil {
					return err
				}
				o.Status = models.OrderCancelled
				if err := tx.UpdateOrder(ctx, o); err != nil {
					return err
				}
				if _, err := tx.InsertOrder(ctx, newOrder(alice.ID, models.Buy, "ETH", time.Now().UTC())); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := s.GetOrder(ctx, order.ID, false)
			require.NoError(t, err)
			assert.Equal(t, models.OrderActive, got.Status)
			all, err := s.ListOrders(ctx, models.OrderFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestStore_WithTxReadsOwnWrites(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			alice, err := s.CreateUser(ctx, "alice", "hash")
			require.NoError(t, err)
			bob, err := s.CreateUser(ctx, "bob", "hash")
			require.NoError(t, err)
			now := time.Now().UTC()
			first, err := s.InsertOrder(ctx, newOrder(alice.ID, models.Sell, "BTC", now))
			require.NoError(t, err)

			var second *models.Order
			var trade *models.Trade
			err = s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
				o, err := tx.GetOrder(ctx, first.ID, true)
				require.NoError(t, err)
				o.Status = models.OrderCompleted
				require.NoError(t, tx.UpdateOrder(ctx, o))

				second, err = tx.InsertOrder(ctx, newOrder(alice.ID, models.Buy, "ETH", now.Add(time.Second)))
				require.NoError(t, err)
				trade, err = tx.InsertTrade(ctx, &models.Trade{
					OrderID: first.ID, BuyerID: bob.ID, SellerID: alice.ID,
					Amount: decimal.NewFromInt(1), PricePerUnit: decimal.NewFromInt(100), TotalValue: decimal.NewFromInt(100),
					Status: models.TradePending, EscrowAddress: "escrow_test", CreatedAt: now, UpdatedAt: now,
				})
				require.NoError(t, err)

				active, err := tx.ListOrders(ctx, models.OrderFilter{ActiveOnly: true})
				require.NoError(t, err)
				require.Len(t, active, 1)
				assert.Equal(t, second.ID, active[0].ID)

				all, err := tx.ListOrders(ctx, models.OrderFilter{})
				require.NoError(t, err)
				require.Len(t, all, 2)
				assert.Equal(t, models.OrderCompleted, all[1].Status)

				trades, err := tx.ListTrades(ctx, models.TradeFilter{UserID: bob.ID})
				require.NoError(t, err)
				assert.Len(t, trades, 1)
				return nil
			})
			require.NoError(t, err)

			got, err := s.GetOrder(ctx, first.ID, false)
			require.NoError(t, err)
			assert.Equal(t, models.OrderCompleted, got.Status)
			_, err = s.GetOrder(ctx, second.ID, false)
			assert.NoError(t, err)
			stored, err := s.GetTrade(ctx, trade.ID, false)
			require.NoError(t, err)
			assert.Equal(t, "escrow_test", stored.EscrowAddress)
		})
	}
}

// Concurrent read-modify-write cycles on one row must serialize through the
// row lock
func TestStore_WithTxSerializesLockedRows(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			alice, err := s.CreateUser(ctx, "alice", "hash")
			require.NoError(t, err)
			order, err := s.InsertOrder(ctx, newOrder(alice.ID, models.Sell, "BTC", time.Now().UTC()))
			require.NoError(t, err)

			const workers = 10
			var wg sync.WaitGroup
			wg.Add(workers)
			for i := 0; i < workers; i++ {
				go func() {
					defer wg.Done()
					err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
						o, err := tx.GetOrder(ctx, order.ID, true)
						if err != nil {
							return err
						}
						o.Amount = o.Amount.Add(decimal.NewFromInt(1))
						return tx.UpdateOrder(ctx, o)
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := s.GetOrder(ctx, order.ID, false)
			require.NoError(t, err)
			assert.True(t, got.Amount.Equal(decimal.NewFromInt(2+workers)), "amount %s", got.Amount)
		})
	}
}

func TestMemory_WithTxHonoursCancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.InsertOrder(ctx, newOrder(1, models.Sell, "BTC", time.Now()))
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	all, err := m.ListOrders(context.Background(), models.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: "postgres://u:p@localhost:5432/db?sslmode=disable", want: "pgx5://u:p@localhost:5432/db?sslmode=disable"},
		{in: "postgresql://u@host/db", want: "pgx5://u@host/db"},
		{in: "pgx5://u@host/db", want: "pgx5://u@host/db"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, migrateURL(tt.in))
	}
}
