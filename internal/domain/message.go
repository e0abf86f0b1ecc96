package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SenderRole identifies who authored a message.
type SenderRole string

const (
	RoleUser SenderRole = "user"
	RoleBot  SenderRole = "bot"
)

// Valid reports whether r is a known sender role.
func (r SenderRole) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// MessageKind describes how Content should be interpreted.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindFile:
		return true
	}
	return false
}

// Message is a single persisted chat entry. Messages are immutable once
// stored and are read back in Seq order.
type Message struct {
	ID         string      `json:"id"`
	SessionKey string      `json:"session_key"`
	Role       SenderRole  `json:"role"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"kind"`
	Seq        int64       `json:"seq"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Validate checks the fields a gateway requires before storing m. An empty
// Kind is accepted and means KindText.
func (m Message) Validate() error {
	if strings.TrimSpace(m.SessionKey) == "" {
		return errors.New("message session key must not be empty")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Kind != "" && !m.Kind.Valid() {
		return fmt.Errorf("invalid message kind %q", m.Kind)
	}
	return nil
}
