package db

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/p2pexchange/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint is violated
	ErrDuplicate = errors.New("record already exists")
)

// Tx holds the persistence operations available inside one transaction.
// Get* with forUpdate=true lock the row until the transaction ends.
type Tx interface {
	UserExists(ctx context.Context, id int64) (bool, error)

	GetOrder(ctx context.Context, id int64, forUpdate bool) (*models.Order, error)
	InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)

	GetTrade(ctx context.Context, id int64, forUpdate bool) (*models.Trade, error)
	InsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
	UpdateTrade(ctx context.Context, trade *models.Trade) error
	ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.Trade, error)
}

// Stats are platform counters used by the markets endpoints
type Stats struct {
	TotalTrades     int64
	CompletedTrades int64
	ActiveOrders    int64
	CompletedVolume decimal.Decimal
}

// Store is the durable order/trade/user storage. Calls made directly on the
// Store run in their own implicit transaction; WithTx scopes several calls
// into one atomic unit that is rolled back if fn returns an error.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	Stats(ctx context.Context) (Stats, error)
	Close(ctx context.Context) error
}
