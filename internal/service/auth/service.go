package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/repository"
	"github.com/42yash/pyk8s-labs/pkg/crypto"
	jwtpkg "github.com/42yash/pyk8s-labs/pkg/jwt"
)

const minPasswordLen = 8

var (
	// ErrInvalidCredentials is returned for an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrEmailTaken is returned when signing up with a registered email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidInput is returned for malformed signup data.
	ErrInvalidInput = errors.New("invalid signup data")
	// ErrUnauthenticated is returned for a missing or rejected token.
	ErrUnauthenticated = errors.New("authentication required")
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	tokens jwtpkg.Issuer
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, secret string, accessTTL time.Duration) Service {
	return Service{users: users, logger: logger, tokens: jwtpkg.NewIssuer(secret, accessTTL)}
}

// Token is an issued access token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, Token, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, Token{}, fmt.Errorf("%w: email", ErrInvalidInput)
	}
	if len(password) < minPasswordLen {
		return nil, Token{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	hash, err := crypto.HashPassword(password)
	if errors.Is(err, crypto.ErrPasswordTooLong) {
		return nil, Token{}, fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, crypto.MaxPasswordBytes)
	}
	if err != nil {
		return nil, Token{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, Token{}, ErrEmailTaken
		}
		return nil, Token{}, err
	}
	token, err := s.issue(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates a user and returns a token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.issue(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := s.tokens.Verify(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return user, nil
}

func (s Service) issue(user *domain.User) (Token, error) {
	access, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: access, ExpiresIn: s.tokens.TTL()}, nil
}
