package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"

	"parlor/internal/apperr"
	"parlor/internal/content"
	"parlor/internal/models"
)

const (
	DefaultTokenExpiry = 24 * time.Hour

	MaxUsernameLen = 48
	MaxPasswordLen = 128
	MaxNicknameLen = 20

	loginFailedMessage = "invalid username or password"
)

// CredentialsStore is the slice of the persistence gateway the auth
// service needs.
type CredentialsStore interface {
	FindCredentials(username string) (models.User, string, error)
	CreateUser(u models.User, passwordHash string) error
}

type Config struct {
	TokenExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return fmt.Errorf("token expiry must be positive")
	}
	return nil
}

type throttleState struct {
	failedAttempts int64
	lastAttempt    int64
}

// Service owns registration, login and opaque session tokens. Tokens are
// random and stored server-side so logoff and bans revoke them
// immediately; expiry is handled by the TTL cache.
type Service struct {
	cfg   Config
	store CredentialsStore

	liveTokens geche.Geche[string, string]
	throttle   *geche.Locker[string, *throttleState]

	now func() time.Time
}

func NewService(ctx context.Context, cfg Config, store CredentialsStore) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:        cfg,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, cfg.TokenExpiry, time.Minute),
		throttle:   geche.NewLocker[string, *throttleState](geche.NewMapCache[string, *throttleState]()),
		now:        time.Now,
	}, nil
}

// Register creates the user with default display metadata and logs it in.
// The nickname defaults to the username, truncated to its own cap.
func (s *Service) Register(username, password string) (models.User, string, error) {
	if len(username) > MaxUsernameLen {
		return models.User{}, "", apperr.Validation("username too long")
	}
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, "", apperr.Validation(err.Error())
	}
	if password == "" {
		return models.User{}, "", apperr.Validation("password cannot be empty")
	}
	if len(password) > MaxPasswordLen {
		return models.User{}, "", apperr.Validation("password too long")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, "", apperr.Internal("failed to hash password", err)
	}

	user := models.User{
		Username:    username,
		Nickname:    content.Truncate(username, MaxNicknameLen),
		AvatarColor: models.DefaultAvatarColor,
		AvatarEmoji: models.DefaultAvatarEmoji,
		Activity:    models.ActivityOnline,
		LastSeen:    float64(s.now().UnixNano()) / 1e9,
	}
	if err := s.store.CreateUser(user, string(hash)); err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return models.User{}, "", err
		}
		return models.User{}, "", apperr.Unavailable("failed to store user", err)
	}

	token, err := s.issueToken(username)
	if err != nil {
		return models.User{}, "", err
	}
	return user, token, nil
}

// Login verifies credentials and issues a session token. Consecutive
// failures back off quadratically to slow down brute forcing.
func (s *Service) Login(username, password string) (models.User, string, error) {
	now := s.now()

	tx := s.throttle.Lock()
	state, err := tx.Get(username)
	if err != nil {
		state = &throttleState{}
		tx.Set(username, state)
	}
	if state.failedAttempts > 3 {
		nextAttempt := state.lastAttempt + 30*(state.failedAttempts*state.failedAttempts)
		if now.Unix() < nextAttempt {
			tx.Unlock()
			return models.User{}, "", apperr.Validation(
				fmt.Sprintf("too many failed login attempts, next attempt in %d seconds", nextAttempt-now.Unix()))
		}
	}
	tx.Unlock()

	user, hash, err := s.store.FindCredentials(username)
	if err != nil {
		s.recordFailure(username, now)
		return models.User{}, "", apperr.Unauthenticated(loginFailedMessage)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		s.recordFailure(username, now)
		return models.User{}, "", apperr.Unauthenticated(loginFailedMessage)
	}

	tx = s.throttle.Lock()
	tx.Set(username, &throttleState{lastAttempt: now.Unix()})
	tx.Unlock()

	token, err := s.issueToken(username)
	if err != nil {
		return models.User{}, "", err
	}
	return user, token, nil
}

// Logoff revokes the token immediately.
func (s *Service) Logoff(token string) error {
	return s.liveTokens.Del(token)
}

// Identify resolves a token to its username.
func (s *Service) Identify(token string) (string, error) {
	username, err := s.liveTokens.Get(token)
	if err != nil {
		return "", apperr.Unauthenticated("no valid session")
	}
	return username, nil
}

// RevokeUser drops every live token belonging to the username. Used when
// an identity is banned.
func (s *Service) RevokeUser(username string) {
	snapshot := s.liveTokens.Snapshot()
	for token, owner := range snapshot {
		if owner == username {
			_ = s.liveTokens.Del(token)
		}
	}
}

func (s *Service) TokenExpiry() time.Duration {
	return s.cfg.TokenExpiry
}

func (s *Service) recordFailure(username string, now time.Time) {
	tx := s.throttle.Lock()
	defer tx.Unlock()
	state, err := tx.Get(username)
	if err != nil {
		state = &throttleState{}
		tx.Set(username, state)
	}
	state.failedAttempts++
	state.lastAttempt = now.Unix()
}

func (s *Service) issueToken(username string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		slog.Error("token generation failed", "username", username, "error", err)
		return "", apperr.Internal("failed to generate token", err)
	}
	token := base64.StdEncoding.EncodeToString(b)
	s.liveTokens.Set(token, username)
	return token, nil
}
