package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// Memory is an in-process Store. A single lock serializes transactions, which
// gives every WithTx call the isolation of a row lock on everything it reads.
// Order and trade writes are staged in the transaction and applied to the
// shared state only if fn succeeds.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

var _ Store = (*Memory)(nil)

type memState struct {
	users     map[int64]models.User
	orders    map[int64]models.Order
	trades    map[int64]models.Trade
	nextUser  int64
	nextOrder int64
	nextTrade int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{state: &memState{
		users:  map[int64]models.User{},
		orders: map[int64]models.Order{},
		trades: map[int64]models.Trade{},
	}}
}

// Close is a no-op
func (m *Memory) Close(ctx context.Context) error {
	return nil
}

// WithTx runs fn with writes staged in a private overlay and applies the
// overlay only if fn succeeds
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.begin()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) begin() *memTx {
	return &memTx{
		base:      m.state,
		orders:    map[int64]models.Order{},
		trades:    map[int64]models.Trade{},
		nextOrder: m.state.nextOrder,
		nextTrade: m.state.nextTrade,
	}
}

func (m *Memory) UserExists(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin().UserExists(ctx, id)
}

func (m *Memory) GetOrder(ctx context.Context, id int64, forUpdate bool) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin().GetOrder(ctx, id, forUpdate)
}

func (m *Memory) InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.begin()
	o, err := tx.InsertOrder(ctx, order)
	if err == nil {
		tx.commit()
	}
	return o, err
}

func (m *Memory) UpdateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.begin()
	err := tx.UpdateOrder(ctx, order)
	if err == nil {
		tx.commit()
	}
	return err
}

func (m *Memory) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin().ListOrders(ctx, filter)
}

func (m *Memory) GetTrade(ctx context.Context, id int64, forUpdate bool) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin().GetTrade(ctx, id, forUpdate)
}

func (m *Memory) InsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.begin()
	tr, err := tx.InsertTrade(ctx, trade)
	if err == nil {
		tx.commit()
	}
	return tr, err
}

func (m *Memory) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.begin()
	err := tx.UpdateTrade(ctx, trade)
	if err == nil {
		tx.commit()
	}
	return err
}

func (m *Memory) ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin().ListTrades(ctx, filter)
}

// CreateUser inserts a new user, rejecting duplicate usernames
func (m *Memory) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.state.users {
		if u.Username == username {
			return nil, ErrDuplicate
		}
	}
	m.state.nextUser++
	user := models.User{
		ID:           m.state.nextUser,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.state.users[user.ID] = user
	return &user, nil
}

// GetUserByUsername retrieves a user by username
func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.state.users {
		if u.Username == username {
			user := u
			return &user, nil
		}
	}
	return nil, ErrNotFound
}

// Stats aggregates platform counters
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{CompletedVolume: decimal.Zero}
	for _, t := range m.state.trades {
		s.TotalTrades++
		if t.Status == models.TradeCompleted {
			s.CompletedTrades++
			s.CompletedVolume = s.CompletedVolume.Add(t.TotalValue)
		}
	}
	for _, o := range m.state.orders {
		if o.Status == models.OrderActive {
			s.ActiveOrders++
		}
	}
	return s, nil
}

// memTx implements Tx as an overlay of staged rows on the shared state. The
// caller holds the store lock for its whole life.
type memTx struct {
	base      *memState
	orders    map[int64]models.Order
	trades    map[int64]models.Trade
	nextOrder int64
	nextTrade int64
}

func (t *memTx) commit() {
	for id, o := range t.orders {
		t.base.orders[id] = o
	}
	for id, tr := range t.trades {
		t.base.trades[id] = tr
	}
	t.base.nextOrder = t.nextOrder
	t.base.nextTrade = t.nextTrade
}

func (t *memTx) order(id int64) (models.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.base.orders[id]
	return o, ok
}

func (t *memTx) trade(id int64) (models.Trade, bool) {
	if tr, ok := t.trades[id]; ok {
		return tr, true
	}
	tr, ok := t.base.trades[id]
	return tr, ok
}

func (t *memTx) UserExists(ctx context.Context, id int64) (bool, error) {
	_, ok := t.base.users[id]
	return ok, nil
}

func (t *memTx) GetOrder(ctx context.Context, id int64, forUpdate bool) (*models.Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	t.nextOrder++
	o := *order
	o.ID = t.nextOrder
	t.orders[o.ID] = o
	return &o, nil
}

func (t *memTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	cur, ok := t.order(order.ID)
	if !ok {
		return ErrNotFound
	}
	cur.Amount = order.Amount
	cur.PricePerUnit = order.PricePerUnit
	cur.TotalValue = order.TotalValue
	cur.Status = order.Status
	cur.UpdatedAt = order.UpdatedAt
	t.orders[order.ID] = cur
	return nil
}

func (t *memTx) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	orders := []models.Order{}
	match := func(o models.Order) {
		if f.ActiveOnly && o.Status != models.OrderActive {
			return
		}
		if f.Type != "" && o.Type != f.Type {
			return
		}
		if f.Crypto != "" && o.Crypto != f.Crypto {
			return
		}
		if f.Fiat != "" && o.Fiat != f.Fiat {
			return
		}
		if f.UserID != 0 && o.UserID != f.UserID {
			return
		}
		orders = append(orders, o)
	}
	for id, o := range t.base.orders {
		if staged, ok := t.orders[id]; ok {
			o = staged
		}
		match(o)
	}
	for id, o := range t.orders {
		if _, ok := t.base.orders[id]; !ok {
			match(o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (t *memTx) GetTrade(ctx context.Context, id int64, forUpdate bool) (*models.Trade, error) {
	tr, ok := t.trade(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &tr, nil
}

func (t *memTx) InsertTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	t.nextTrade++
	tr := *trade
	tr.ID = t.nextTrade
	t.trades[tr.ID] = tr
	return &tr, nil
}

func (t *memTx) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	cur, ok := t.trade(trade.ID)
	if !ok {
		return ErrNotFound
	}
	cur.Status = trade.Status
	cur.PaymentConfirmed = trade.PaymentConfirmed
	cur.CryptoReleased = trade.CryptoReleased
	cur.UpdatedAt = trade.UpdatedAt
	t.trades[trade.ID] = cur
	return nil
}

func (t *memTx) ListTrades(ctx context.Context, f models.TradeFilter) ([]models.Trade, error) {
	trades := []models.Trade{}
	match := func(tr models.Trade) {
		if f.UserID != 0 && !tr.IsParty(f.UserID) {
			return
		}
		if f.Status != "" && tr.Status != f.Status {
			return
		}
		if f.OrderID != 0 && tr.OrderID != f.OrderID {
			return
		}
		trades = append(trades, tr)
	}
	for id, tr := range t.base.trades {
		if staged, ok := t.trades[id]; ok {
			tr = staged
		}
		match(tr)
	}
	for id, tr := range t.trades {
		if _, ok := t.base.trades[id]; !ok {
			match(tr)
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].ID > trades[j].ID
		}
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
	return trades, nil
}
