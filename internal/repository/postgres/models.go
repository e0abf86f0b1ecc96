package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"pulsar-assistant/internal/domain"
)

type MessageModel struct {
	ID         string    `gorm:"primaryKey;size:36;column:id"`
	SessionKey string    `gorm:"uniqueIndex:idx_messages_session_seq;size:64;not null;column:session_key"`
	Seq        int64     `gorm:"uniqueIndex:idx_messages_session_seq;not null;column:seq"`
	Role       string    `gorm:"size:20;not null;column:role"`
	Kind       string    `gorm:"size:20;not null;default:text;column:kind"`
	Content    string    `gorm:"type:text;not null;column:content"`
	CreatedAt  time.Time `gorm:"index;not null;column:created_at"`
}

func (MessageModel) TableName() string { return "messages" }

func (m *MessageModel) ToDomain() domain.Message {
	return domain.Message{
		ID:         m.ID,
		SessionKey: m.SessionKey,
		Role:       domain.SenderRole(m.Role),
		Content:    m.Content,
		Kind:       domain.MessageKind(m.Kind),
		Seq:        m.Seq,
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

func ToMessageModel(m domain.Message) *MessageModel {
	return &MessageModel{
		ID:         m.ID,
		SessionKey: m.SessionKey,
		Seq:        m.Seq,
		Role:       string(m.Role),
		Kind:       string(m.Kind),
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

type SessionModel struct {
	SessionKey string    `gorm:"primaryKey;size:64;column:session_key"`
	Step       int       `gorm:"not null;column:step"`
	UserData   string    `gorm:"type:jsonb;not null;column:user_data"`
	UpdatedAt  time.Time `gorm:"not null;column:updated_at"`
}

func (SessionModel) TableName() string { return "sessions" }

func (m *SessionModel) ToDomain() (domain.SessionState, error) {
	st := domain.SessionState{Key: m.SessionKey, Step: m.Step, UpdatedAt: m.UpdatedAt.UTC()}
	if m.UserData != "" {
		if err := json.Unmarshal([]byte(m.UserData), &st.UserData); err != nil {
			return domain.SessionState{}, fmt.Errorf("decode user data: %w", err)
		}
	}
	return st, nil
}

func ToSessionModel(st domain.SessionState) (*SessionModel, error) {
	data, err := json.Marshal(st.UserData)
	if err != nil {
		return nil, fmt.Errorf("encode user data: %w", err)
	}
	return &SessionModel{
		SessionKey: st.Key,
		Step:       st.Step,
		UserData:   string(data),
		UpdatedAt:  st.UpdatedAt,
	}, nil
}

type UserModel struct {
	ID           string    `gorm:"primaryKey;size:36;column:id"`
	Email        string    `gorm:"uniqueIndex:idx_users_email;size:255;not null;column:email"`
	Name         string    `gorm:"size:255;not null;column:name"`
	CompanyName  string    `gorm:"size:255;not null;column:company_name"`
	PasswordHash string    `gorm:"size:255;not null;column:password_hash"`
	CreatedAt    time.Time `gorm:"autoCreateTime;not null;column:created_at"`
}

func (UserModel) TableName() string { return "users" }

func (m *UserModel) ToDomain() domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		CompanyName:  m.CompanyName,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func ToUserModel(u domain.User) *UserModel {
	return &UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		CompanyName:  u.CompanyName,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}
