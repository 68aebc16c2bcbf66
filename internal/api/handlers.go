package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/markets"
	"github.com/xtrntr/p2pexchange/internal/trading"
)

// Options wires a Handler
type Options struct {
	Store        db.Store
	Ledger       *ledger.Ledger
	Engine       *trading.Engine
	Auth         *auth.AuthService
	Markets      *markets.Service
	Publisher    events.Publisher
	Log          *zap.Logger
	AuthRequired bool
	// CORSOrigins defaults to any origin
	CORSOrigins []string
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	store        db.Store
	ledger       *ledger.Ledger
	engine       *trading.Engine
	auth         *auth.AuthService
	markets      *markets.Service
	publisher    events.Publisher
	log          *zap.Logger
	validate     *validator.Validate
	authRequired bool
	corsOrigins  []string
}

// NewHandler creates a new handler
func NewHandler(o Options) *Handler {
	validate := validator.New()
	// report fields by their JSON names
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	origins := o.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	publisher := o.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Handler{
		store:        o.Store,
		ledger:       o.Ledger,
		engine:       o.Engine,
		auth:         o.Auth,
		markets:      o.Markets,
		publisher:    publisher,
		log:          o.Log,
		validate:     validate,
		authRequired: o.AuthRequired,
		corsOrigins:  origins,
	}
}

type dataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(dataResponse{Success: true, Data: data}); err != nil {
		h.log.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Success: false, Error: msg})
}

// fail maps a domain error to its status. Storage causes are logged, never
// returned to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	if e.Kind == apperr.KindPersistence {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	h.writeError(w, e.Status(), e.Public())
}

// decode reads a JSON body into dst
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}

func (h *Handler) check(req any) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return apperr.Validation("missing field: %s", fe.Field())
		}
		return apperr.Validation("invalid field: %s", fe.Field())
	}
	return apperr.Validation("invalid request")
}

func pathID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s", param)
	}
	return id, nil
}

type ctxKey struct{}

// userFromContext returns the authenticated user id, if any
func userFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKey{}).(int64)
	return id, ok
}

// actingUser resolves who performs a mutation. With authentication on, the
// token decides and a conflicting id in the body is refused.
func (h *Handler) actingUser(r *http.Request, claimed *int64) error {
	tokenUser, ok := userFromContext(r.Context())
	if !ok {
		return nil
	}
	if *claimed == 0 {
		*claimed = tokenUser
		return nil
	}
	if *claimed != tokenUser {
		return apperr.Authorization("user_id does not match the authenticated user")
	}
	return nil
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.check(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		h.fail(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and puts the user id in the request
// context
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			h.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.auth.GetUserFromToken(tokenString)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		exists, err := h.auth.Exists(r.Context(), userID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !exists {
			h.writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) publish(ctx context.Context, ev events.Event) {
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.log.Warn("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
