// Package auth registers users and signs them in with bcrypt-hashed
// passwords and HS256 JWTs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/logging"
)

const (
	DefaultTokenTTL   = 24 * time.Hour
	MinPasswordLength = 8
	// MaxPasswordBytes is the most bcrypt will hash.
	MaxPasswordBytes = 72
	issuer           = "pulsar-assistant"
)

type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	FindUserByEmail(ctx context.Context, email string) (domain.User, error)
}

type Service struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Service)

func WithTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithBcryptCost overrides bcrypt.DefaultCost. Out-of-range values are
// ignored.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func NewService(users UserStore, secret string, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store must not be nil")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	s := &Service{
		users:  users,
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates an account. Emails are compared case-insensitively.
func (s *Service) Register(ctx context.Context, email, password, confirm, name, company string) (domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, err
	}
	if len(password) < MinPasswordLength {
		return domain.User{}, fmt.Errorf("auth: register: %w", domain.ErrWeakPassword)
	}
	if len(password) > MaxPasswordBytes {
		return domain.User{}, fmt.Errorf("auth: register: %w", domain.ErrPasswordTooLong)
	}
	if password != confirm {
		return domain.User{}, fmt.Errorf("auth: register: %w", domain.ErrPasswordMismatch)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return domain.User{}, fmt.Errorf("auth: hash password: %w", err)
	}
	u := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		CompanyName:  strings.TrimSpace(company),
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("auth: register: %w", err)
	}
	logging.FromContext(ctx, s.logger).Info("user registered", zap.String("user_id", u.ID))
	return u, nil
}

// Authenticate checks the credentials and issues a token. Unknown emails and
// wrong passwords both yield domain.ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (domain.Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("auth: authenticate: %w", domain.ErrInvalidCredentials)
	}
	u, err := s.users.FindUserByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Identity{}, fmt.Errorf("auth: authenticate: %w", domain.ErrInvalidCredentials)
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("auth: authenticate: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		logging.FromContext(ctx, s.logger).Info("sign-in rejected", zap.String("user_id", u.ID))
		return domain.Identity{}, fmt.Errorf("auth: authenticate: %w", domain.ErrInvalidCredentials)
	}

	token, expires, err := s.issue(u)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{UserID: u.ID, Email: u.Email, Token: token, ExpiresAt: expires}, nil
}

func (s *Service) issue(u domain.User) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	c := claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires.UTC(), nil
}

// Verify parses a token issued by Authenticate and returns its identity.
func (s *Service) Verify(token string) (domain.Identity, error) {
	c := &claims{}
	parsed, err := jwt.ParseWithClaims(token, c,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return domain.Identity{}, fmt.Errorf("auth: verify: %w", domain.ErrInvalidToken)
	}
	id := domain.Identity{UserID: c.Subject, Email: c.Email, Token: token}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return id, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", fmt.Errorf("auth: %w", domain.ErrInvalidEmail)
	}
	return email, nil
}
