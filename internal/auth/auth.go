package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// ErrInvalidCredentials is returned by Login for an unknown user or a wrong
// password
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidToken is returned when a bearer token cannot be trusted
var ErrInvalidToken = errors.New("invalid or expired token")

const tokenTTL = 24 * time.Hour

// AuthService handles user authentication and answers user existence
// lookups for the rest of the service
type AuthService struct {
	store  db.Store
	secret []byte
	now    func() time.Time
}

// NewAuthService creates a new auth service signing tokens with secret
func NewAuthService(store db.Store, secret string) *AuthService {
	return &AuthService{store: store, secret: []byte(secret), now: time.Now}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" {
		return nil, apperr.Validation("username cannot be empty")
	}
	if password == "" {
		return nil, apperr.Validation("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, apperr.Validation("username too long (max 50 characters)")
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return nil, apperr.Validation("password too long (max 72 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Persistence("hash password", err)
	}

	user, err := s.store.CreateUser(ctx, username, string(hashedPassword))
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, apperr.Validation("username %q is already taken", username)
		}
		return nil, apperr.Persistence("create user", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", apperr.Persistence("get user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      s.now().Add(tokenTTL).Unix(),
	})
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// GetUserFromToken extracts the user ID from a JWT
func (s *AuthService) GetUserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, ErrInvalidToken
	}
	return int64(userID), nil
}

// Exists reports whether userID names a registered user
func (s *AuthService) Exists(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return false, apperr.Persistence("check user", err)
	}
	return ok, nil
}
