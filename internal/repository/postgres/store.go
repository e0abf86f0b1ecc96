// Package postgres persists sessions, messages and users in PostgreSQL via
// gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"pulsar-assistant/internal/domain"
)

type Config struct {
	DSN      string
	MaxOpen  int
	MaxIdle  int
	MaxLife  time.Duration
	LogLevel logger.LogLevel
}

// Store is a gorm-backed persistence gateway.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects, tunes the pool and migrates the schema.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres: dsn must not be empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         newZapLogger(log, cfg.LogLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: get underlying database connection: %w", err)
	}
	if cfg.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.MaxLife > 0 {
		sqlDB.SetConnMaxLifetime(cfg.MaxLife)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info("postgres connection established")
	return s, nil
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres: db must not be nil")
	}
	if err := db.AutoMigrate(&MessageModel{}, &SessionModel{}, &UserModel{}); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("postgres: get underlying database connection: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("postgres: close: %w", err)
	}
	return nil
}

// SaveTurn appends msgs and upserts st in one transaction.
func (s *Store) SaveTurn(ctx context.Context, msgs []domain.Message, st domain.SessionState) ([]domain.Message, error) {
	if strings.TrimSpace(st.Key) == "" {
		return nil, errors.New("postgres: save turn: session key is required")
	}
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("postgres: save turn: %w", err)
		}
		if m.SessionKey != st.Key {
			return nil, fmt.Errorf("postgres: save turn: message for session %q in turn of %q", m.SessionKey, st.Key)
		}
		out = append(out, s.withDefaults(m))
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now().UTC()
	}
	state, err := ToSessionModel(st)
	if err != nil {
		return nil, fmt.Errorf("postgres: save turn: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		last, err := lastSeq(tx, st.Key)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			models := make([]*MessageModel, 0, len(out))
			for i := range out {
				out[i].Seq = last + int64(i) + 1
				models = append(models, ToMessageModel(out[i]))
			}
			if err := tx.Create(models).Error; err != nil {
				return fmt.Errorf("insert messages: %w", err)
			}
		}
		return upsertState(tx, state)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: save turn: %w", err)
	}
	return out, nil
}

func (s *Store) withDefaults(m domain.Message) domain.Message {
	if m.Kind == "" {
		m.Kind = domain.KindText
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	return m
}

func lastSeq(tx *gorm.DB, key string) (int64, error) {
	var last int64
	if err := tx.Model(&MessageModel{}).
		Where("session_key = ?", key).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return last, nil
}

func upsertState(tx *gorm.DB, model *SessionModel) error {
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"step", "user_data", "updated_at"}),
	}).Create(model).Error; err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, key string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("session_key = ?", key).
		Order("seq asc").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("postgres: load messages: %w", err)
	}
	return toMessages(models), nil
}

// LoadRecent returns at most limit of the newest messages, oldest first.
func (s *Store) LoadRecent(ctx context.Context, key string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return s.LoadMessages(ctx, key)
	}
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("session_key = ?", key).
		Order("seq desc").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("postgres: load recent: %w", err)
	}
	for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
		models[i], models[j] = models[j], models[i]
	}
	return toMessages(models), nil
}

func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&MessageModel{}).
		Group("session_key").
		Order("MAX(created_at) desc, session_key desc").
		Pluck("session_key", &ids).Error; err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	return ids, nil
}

func (s *Store) DeleteSession(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_key = ?", key).Delete(&MessageModel{}).Error; err != nil {
			return fmt.Errorf("messages: %w", err)
		}
		if err := tx.Where("session_key = ?", key).Delete(&SessionModel{}).Error; err != nil {
			return fmt.Errorf("state: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	return nil
}

func (s *Store) LoadState(ctx context.Context, key string) (domain.SessionState, bool, error) {
	var model SessionModel
	err := s.db.WithContext(ctx).Where("session_key = ?", key).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.SessionState{}, false, nil
	}
	if err != nil {
		return domain.SessionState{}, false, fmt.Errorf("postgres: load state: %w", err)
	}
	st, err := model.ToDomain()
	if err != nil {
		return domain.SessionState{}, false, fmt.Errorf("postgres: load state: %w", err)
	}
	return st, true, nil
}

// CreateUser inserts u; a duplicate email yields domain.ErrUserExists.
func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&UserModel{}).Where("email = ?", u.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrUserExists
		}
		return tx.Create(ToUserModel(u)).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = domain.ErrUserExists
		}
		return fmt.Errorf("postgres: create user: %w", err)
	}
	return nil
}

// FindUserByEmail returns domain.ErrNotFound when no user has email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var model UserModel
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, fmt.Errorf("postgres: find user: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("postgres: find user: %w", err)
	}
	return model.ToDomain(), nil
}

func toMessages(models []MessageModel) []domain.Message {
	msgs := make([]domain.Message, 0, len(models))
	for i := range models {
		msgs = append(msgs, models[i].ToDomain())
	}
	return msgs
}
