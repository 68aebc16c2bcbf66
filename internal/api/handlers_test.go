package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/markets"
	"github.com/xtrntr/p2pexchange/internal/trading"
)

type testEnv struct {
	router   chi.Router
	auth     *auth.AuthService
	recorder *events.Recorder
}

func newTestEnv(t *testing.T, authRequired bool) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(o *Options) { o.AuthRequired = authRequired })
}

func newTestEnvWith(t *testing.T, configure func(o *Options)) *testEnv {
	t.Helper()
	log := zap.NewNop()
	store := db.NewMemory()
	recorder := &events.Recorder{}
	l := ledger.New(store, log)
	authService := auth.NewAuthService(store, "test-secret")
	opts := Options{
		Store:     store,
		Ledger:    l,
		Engine:    trading.NewEngine(store, l, recorder, log),
		Auth:      authService,
		Markets:   markets.NewService(markets.NewMockSource(1), store, log),
		Publisher: recorder,
		Log:       log,
	}
	configure(&opts)
	handler := NewHandler(opts)
	return &testEnv{router: handler.Routes(nil), auth: authService, recorder: recorder}
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (e *testEnv) register(t *testing.T, username string) int64 {
	t.Helper()
	user, err := e.auth.Register(context.Background(), username, "password123")
	require.NoError(t, err)
	return user.ID
}

func decodeData[T any](t *testing.T, resp response) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func sellOrderBody(userID int64, amount string) map[string]any {
	return map[string]any{
		"user_id":        userID,
		"order_type":     "sell",
		"cryptocurrency": "btc",
		"fiat_currency":  "usd",
		"amount":         amount,
		"price_per_unit": "50000",
		"payment_method": "bank_transfer",
	}
}

func TestHandler_Register(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name           string
		requestBody    map[string]any
		expectedStatus int
		expectedError  string
	}{
		{
			name: "Success",
			requestBody: map[string]any{
				"username": "testuser",
				"password": "testpass",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "Missing Password",
			requestBody: map[string]any{
				"username": "testuser",
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Username and password required",
		},
		{
			name: "Duplicate",
			requestBody: map[string]any{
				"username": "testuser",
				"password": "other",
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  `username "testuser" is already taken`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, http.MethodPost, "/auth/register", tt.requestBody, "")
			assert.Equal(t, tt.expectedStatus, status)
			assert.Equal(t, tt.expectedError, resp.Error)
			assert.Equal(t, tt.expectedError == "", resp.Success)
		})
	}
}

func TestHandler_Login(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, "alice")

	status, resp := env.do(t, http.MethodPost, "/auth/login", map[string]string{"username": "alice", "password": "password123"}, "")
	assert.Equal(t, http.StatusOK, status)
	token := decodeData[map[string]string](t, resp)["token"]
	assert.NotEmpty(t, token)

	status, resp = env.do(t, http.MethodPost, "/auth/login", map[string]string{"username": "alice", "password": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid credentials", resp.Error)
}

func TestHandler_OrderLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	alice := env.register(t, "alice")

	status, resp := env.do(t, http.MethodPost, "/orders", sellOrderBody(alice, "10"), "")
	require.Equal(t, http.StatusCreated, status, resp.Error)
	order := decodeData[map[string]any](t, resp)
	assert.Equal(t, "BTC", order["cryptocurrency"])
	assert.Equal(t, "active", order["status"])
	assert.Equal(t, "500000", order["total_value"])
	id := int64(order["id"].(float64))

	status, resp = env.do(t, http.MethodGet, "/orders?type=sell&crypto=BTC", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]map[string]any](t, resp), 1)

	status, resp = env.do(t, http.MethodPut, "/orders/1", map[string]any{"price_per_unit": "51000"}, "")
	assert.Equal(t, http.StatusOK, status, resp.Error)
	assert.Equal(t, "510000", decodeData[map[string]any](t, resp)["total_value"])

	status, _ = env.do(t, http.MethodDelete, "/orders/1", nil, "")
	assert.Equal(t, http.StatusOK, status)

	status, resp = env.do(t, http.MethodGet, "/orders", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, decodeData[[]map[string]any](t, resp))

	status, resp = env.do(t, http.MethodGet, "/users/1/orders", nil, "")
	assert.Equal(t, http.StatusOK, status)
	mine := decodeData[[]map[string]any](t, resp)
	require.Len(t, mine, 1)
	assert.Equal(t, float64(id), mine[0]["id"])
	assert.Equal(t, "cancelled", mine[0]["status"])

	status, resp = env.do(t, http.MethodPut, "/orders/1", map[string]any{"amount": "1"}, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, resp.Success)

	assert.Equal(t, []events.Type{events.OrderChanged, events.OrderChanged, events.OrderChanged}, env.recorder.Types())
}

func TestHandler_CreateOrderErrors(t *testing.T) {
	env := newTestEnv(t, false)
	alice := env.register(t, "alice")

	missing := sellOrderBody(alice, "1")
	delete(missing, "payment_method")
	badType := sellOrderBody(alice, "1")
	badType["order_type"] = "hold"

	tests := []struct {
		name           string
		body           any
		expectedStatus int
		expectedError  string
	}{
		{name: "MissingField", body: missing, expectedStatus: http.StatusBadRequest, expectedError: "missing field: payment_method"},
		{name: "InvalidType", body: badType, expectedStatus: http.StatusBadRequest, expectedError: "order_type must be 'buy' or 'sell'"},
		{name: "NegativeAmount", body: sellOrderBody(alice, "-1"), expectedStatus: http.StatusBadRequest, expectedError: "amount must be positive"},
		{name: "HugeAmount", body: sellOrderBody(alice, "1e5000000"), expectedStatus: http.StatusBadRequest, expectedError: "amount is too large"},
		{name: "TinyAmount", body: sellOrderBody(alice, "1e-5000000"), expectedStatus: http.StatusBadRequest, expectedError: "amount has more than 18 decimal places"},
		{name: "UnknownUser", body: sellOrderBody(99, "1"), expectedStatus: http.StatusNotFound, expectedError: "user not found"},
		{name: "NotJSON", body: "nope", expectedStatus: http.StatusBadRequest, expectedError: "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.do(t, http.MethodPost, "/orders", tt.body, "")
			assert.Equal(t, tt.expectedStatus, status)
			assert.Equal(t, tt.expectedError, resp.Error)
		})
	}

	status, resp := env.do(t, http.MethodGet, "/orders/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid id", resp.Error)

	status, _ = env.do(t, http.MethodGet, "/orders/42", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandler_OutOfRangeTradeAmount(t *testing.T) {
	env := newTestEnv(t, false)
	seller := env.register(t, "seller")
	buyer := env.register(t, "buyer")

	status, resp := env.do(t, http.MethodPost, "/orders", sellOrderBody(seller, "10"), "")
	require.Equal(t, http.StatusCreated, status, resp.Error)

	for _, amount := range []string{"1e-5000000", "1e5000000"} {
		status, resp = env.do(t, http.MethodPost, "/trades", map[string]any{"order_id": 1, "buyer_id": buyer, "amount": amount}, "")
		assert.Equal(t, http.StatusBadRequest, status, amount)
		assert.False(t, resp.Success)
	}

	status, resp = env.do(t, http.MethodGet, "/orders", nil, "")
	require.Equal(t, http.StatusOK, status)
	orders := decodeData[[]map[string]any](t, resp)
	require.Len(t, orders, 1)
	assert.Equal(t, "10", orders[0]["amount"])
	assert.Less(t, len(resp.Data), 1024)
}

func TestHandler_TradeLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	seller := env.register(t, "seller")
	buyer := env.register(t, "buyer")

	status, resp := env.do(t, http.MethodPost, "/orders", sellOrderBody(seller, "10"), "")
	require.Equal(t, http.StatusCreated, status)

	status, resp = env.do(t, http.MethodPost, "/trades", map[string]any{"order_id": 1, "buyer_id": buyer, "amount": "4"}, "")
	require.Equal(t, http.StatusCreated, status, resp.Error)
	trade := decodeData[map[string]any](t, resp)
	assert.Equal(t, "pending", trade["status"])
	assert.Equal(t, float64(buyer), trade["buyer_id"])
	assert.Equal(t, float64(seller), trade["seller_id"])
	assert.Equal(t, "200000", trade["total_value"])

	status, resp = env.do(t, http.MethodGet, "/orders/1", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "6", decodeData[map[string]any](t, resp)["amount"])

	steps := []struct {
		name           string
		path           string
		userID         int64
		expectedStatus int
		expectedTrade  string
	}{
		{name: "SellerCannotConfirm", path: "/trades/1/confirm-payment", userID: seller, expectedStatus: http.StatusForbidden},
		{name: "BuyerConfirms", path: "/trades/1/confirm-payment", userID: buyer, expectedStatus: http.StatusOK, expectedTrade: "escrowed"},
		{name: "CannotCancelEscrowed", path: "/trades/1/cancel", userID: buyer, expectedStatus: http.StatusConflict},
		{name: "SellerReleases", path: "/trades/1/release-crypto", userID: seller, expectedStatus: http.StatusOK, expectedTrade: "completed"},
		{name: "CannotDisputeCompleted", path: "/trades/1/dispute", userID: buyer, expectedStatus: http.StatusConflict},
	}
	for _, s := range steps {
		t.Run(s.name, func(t *testing.T) {
			status, resp := env.do(t, http.MethodPost, s.path, map[string]any{"user_id": s.userID}, "")
			assert.Equal(t, s.expectedStatus, status, resp.Error)
			if s.expectedTrade != "" {
				assert.Equal(t, s.expectedTrade, decodeData[map[string]any](t, resp)["status"])
			}
		})
	}

	status, resp = env.do(t, http.MethodGet, "/trades?status=completed&user_id=2", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]map[string]any](t, resp), 1)

	status, _ = env.do(t, http.MethodGet, "/trades?status=lost", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp = env.do(t, http.MethodPost, "/trades", map[string]any{"order_id": 1, "buyer_id": buyer, "amount": "7"}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "trade amount exceeds order amount", resp.Error)

	status, resp = env.do(t, http.MethodPost, "/trades/1/dispute", map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing field: user_id", resp.Error)

	status, _ = env.do(t, http.MethodGet, "/trades/9", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandler_AuthRequired(t *testing.T) {
	env := newTestEnv(t, true)
	seller := env.register(t, "seller")
	buyer := env.register(t, "buyer")

	login := func(username string) string {
		token, err := env.auth.Login(context.Background(), username, "password123")
		require.NoError(t, err)
		return token
	}
	sellerToken, buyerToken := login("seller"), login("buyer")

	status, resp := env.do(t, http.MethodPost, "/orders", sellOrderBody(seller, "1"), "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Authorization header required", resp.Error)

	status, _ = env.do(t, http.MethodPost, "/orders", sellOrderBody(seller, "1"), "garbage")
	assert.Equal(t, http.StatusUnauthorized, status)

	// someone else's user_id in the body is refused
	status, _ = env.do(t, http.MethodPost, "/orders", sellOrderBody(seller, "1"), buyerToken)
	assert.Equal(t, http.StatusForbidden, status)

	// user_id may be omitted and is taken from the token
	body := sellOrderBody(0, "1")
	delete(body, "user_id")
	status, resp = env.do(t, http.MethodPost, "/orders", body, sellerToken)
	require.Equal(t, http.StatusCreated, status, resp.Error)
	assert.Equal(t, float64(seller), decodeData[map[string]any](t, resp)["user_id"])

	status, _ = env.do(t, http.MethodDelete, "/orders/1", nil, buyerToken)
	assert.Equal(t, http.StatusForbidden, status)

	status, resp = env.do(t, http.MethodPost, "/trades", map[string]any{"order_id": 1, "amount": "1"}, buyerToken)
	require.Equal(t, http.StatusCreated, status, resp.Error)
	assert.Equal(t, float64(buyer), decodeData[map[string]any](t, resp)["buyer_id"])

	status, _ = env.do(t, http.MethodPost, "/trades/1/confirm-payment", map[string]any{}, sellerToken)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodPost, "/trades/1/confirm-payment", map[string]any{}, buyerToken)
	assert.Equal(t, http.StatusOK, status)

	// reads stay public
	status, _ = env.do(t, http.MethodGet, "/trades/1", nil, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestHandler_OrderBook(t *testing.T) {
	env := newTestEnv(t, false)
	alice := env.register(t, "alice")

	for _, amount := range []string{"1", "2"} {
		status, _ := env.do(t, http.MethodPost, "/orders", sellOrderBody(alice, amount), "")
		require.Equal(t, http.StatusCreated, status)
	}
	buy := sellOrderBody(alice, "3")
	buy["order_type"] = "buy"
	buy["price_per_unit"] = "49000"
	status, _ := env.do(t, http.MethodPost, "/orders", buy, "")
	require.Equal(t, http.StatusCreated, status)

	status, resp := env.do(t, http.MethodGet, "/orderbook?crypto=btc&fiat=usd", nil, "")
	require.Equal(t, http.StatusOK, status)
	b := decodeData[struct {
		Crypto     string           `json:"cryptocurrency"`
		BuyOrders  []map[string]any `json:"buy_orders"`
		SellOrders []map[string]any `json:"sell_orders"`
	}](t, resp)
	assert.Equal(t, "BTC", b.Crypto)
	assert.Len(t, b.BuyOrders, 1)
	require.Len(t, b.SellOrders, 2)
	// same price, earliest first
	assert.Equal(t, float64(1), b.SellOrders[0]["id"])
}

func TestHandler_Markets(t *testing.T) {
	env := newTestEnv(t, false)

	status, resp := env.do(t, http.MethodGet, "/markets/overview", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]map[string]any](t, resp), 6)

	status, resp = env.do(t, http.MethodGet, "/markets/stats", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), decodeData[map[string]any](t, resp)["total_trades"])

	status, resp = env.do(t, http.MethodGet, "/markets/trending", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]map[string]any](t, resp), 5)

	status, resp = env.do(t, http.MethodGet, "/markets/price/eth", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ETH", decodeData[map[string]any](t, resp)["symbol"])

	status, resp = env.do(t, http.MethodGet, "/markets/price/doge", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Symbol not found", resp.Error)
}

func TestHandler_Health(t *testing.T) {
	env := newTestEnv(t, false)
	status, resp := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
}

func TestHandler_CORS(t *testing.T) {
	tests := []struct {
		name              string
		origins           []string
		origin            string
		expectOrigin      string
		expectCredentials string
	}{
		{name: "WildcardWithoutCredentials", origin: "https://any.example.com", expectOrigin: "*"},
		{name: "AllowedOrigin", origins: []string{"https://app.example.com"}, origin: "https://app.example.com", expectOrigin: "https://app.example.com", expectCredentials: "true"},
		{name: "ForeignOrigin", origins: []string{"https://app.example.com"}, origin: "https://evil.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnvWith(t, func(o *Options) { o.CORSOrigins = tt.origins })
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.expectOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.expectCredentials, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
