package domain

import "time"

// User is a registered account.
type User struct {
	ID           string
	Email        string
	Name         string
	CompanyName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Identity is the opaque result of a successful sign-in.
type Identity struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
