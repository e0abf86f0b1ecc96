package domain

import "errors"

// intake
var (
	ErrUnsupportedFormat = errors.New("unsupported upload format")
	ErrParse             = errors.New("upload could not be parsed")
)

// analysis
var (
	ErrSchema = errors.New("dataset schema mismatch")
)

// generation
var (
	ErrGenerationTimeout = errors.New("generation timed out")
	ErrGenerationFailure = errors.New("generation failed")
)

// persistence
var (
	ErrPersistence = errors.New("persistence failure")
	ErrNotFound    = errors.New("not found")
)

// auth
var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrWeakPassword       = errors.New("password too short")
	ErrPasswordTooLong    = errors.New("password too long")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
)
