package usecase

import (
	"context"
	"errors"

	"pulsar-assistant/internal/domain"
)

type Authenticator interface {
	Register(ctx context.Context, email, password, confirm, name, company string) (domain.User, error)
	Authenticate(ctx context.Context, email, password string) (domain.Identity, error)
	Verify(token string) (domain.Identity, error)
}

type RegisterInput struct {
	Email       string
	Password    string
	Confirm     string
	Name        string
	CompanyName string
}

// AccountService exposes sign-up and sign-in with use-case error codes.
type AccountService struct {
	auth Authenticator
}

func NewAccountService(auth Authenticator) (*AccountService, error) {
	if auth == nil {
		return nil, errors.New("usecase: authenticator must not be nil")
	}
	return &AccountService{auth: auth}, nil
}

func (s *AccountService) Register(ctx context.Context, in RegisterInput) (domain.User, error) {
	u, err := s.auth.Register(ctx, in.Email, in.Password, in.Confirm, in.Name, in.CompanyName)
	if err != nil {
		return domain.User{}, accountError(err)
	}
	u.PasswordHash = ""
	return u, nil
}

func (s *AccountService) Login(ctx context.Context, email, password string) (domain.Identity, error) {
	id, err := s.auth.Authenticate(ctx, email, password)
	if err != nil {
		return domain.Identity{}, accountError(err)
	}
	return id, nil
}

func (s *AccountService) Verify(token string) (domain.Identity, error) {
	id, err := s.auth.Verify(token)
	if err != nil {
		return domain.Identity{}, accountError(err)
	}
	return id, nil
}

func accountError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidEmail):
		return newError(ErrorInvalidInput, "invalid_email", err)
	case errors.Is(err, domain.ErrWeakPassword):
		return newError(ErrorInvalidInput, "weak_password", err)
	case errors.Is(err, domain.ErrPasswordTooLong):
		return newError(ErrorInvalidInput, "password_too_long", err)
	case errors.Is(err, domain.ErrPasswordMismatch):
		return newError(ErrorInvalidInput, "password_mismatch", err)
	case errors.Is(err, domain.ErrUserExists):
		return newError(ErrorConflict, "user_exists", err)
	case errors.Is(err, domain.ErrInvalidCredentials):
		return newError(ErrorUnauthorized, "invalid_credentials", err)
	case errors.Is(err, domain.ErrInvalidToken):
		return newError(ErrorUnauthorized, "invalid_token", err)
	default:
		return newError(ErrorPersistence, "user_store_error", err)
	}
}
