package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"pulsar-assistant/internal/conversation"
	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/logging"
	"pulsar-assistant/internal/session"
)

const (
	defaultMaxText = 4000
	maxKeyAttempts = 3
)

// Gateway is the store of record for messages and controller state.
type Gateway interface {
	// SaveTurn appends msgs and writes st atomically; on error nothing of
	// the turn is stored.
	SaveTurn(ctx context.Context, msgs []domain.Message, st domain.SessionState) ([]domain.Message, error)
	LoadState(ctx context.Context, key string) (domain.SessionState, bool, error)
	LoadMessages(ctx context.Context, key string) ([]domain.Message, error)
	LoadRecent(ctx context.Context, key string, limit int) ([]domain.Message, error)
	ListSessionIDs(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, key string) error
}

// StateCache is an expiring copy of controller state kept in front of the
// gateway, such as redis.
type StateCache interface {
	LoadState(ctx context.Context, key string) (domain.SessionState, bool, error)
	SaveState(ctx context.Context, st domain.SessionState) error
	DeleteState(ctx context.Context, key string) error
}

type Controller interface {
	Advance(ctx context.Context, state domain.SessionState, in conversation.Input) (conversation.Turn, error)
}

// CacheInvalidator drops process-wide cached resources such as the loaded
// model.
type CacheInvalidator interface {
	Invalidate()
}

type ChatService struct {
	store      Gateway
	states     StateCache
	controller Controller
	cache      CacheInvalidator
	maxText    int
	now        func() time.Time
	logger     *zap.Logger
}

type ChatOption func(*ChatService)

func WithMaxText(n int) ChatOption {
	return func(s *ChatService) {
		if n > 0 {
			s.maxText = n
		}
	}
}

func WithCache(c CacheInvalidator) ChatOption {
	return func(s *ChatService) {
		s.cache = c
	}
}

// WithStateCache reads and refreshes state through c before falling back to
// the gateway.
func WithStateCache(c StateCache) ChatOption {
	return func(s *ChatService) {
		s.states = c
	}
}

func WithLogger(logger *zap.Logger) ChatOption {
	return func(s *ChatService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) ChatOption {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

type ChatInput struct {
	SessionKey string
	Text       string
	Upload     *conversation.Upload
}

type ChatOutput struct {
	SessionKey     string
	Created        bool
	Step           int
	Stage          string
	AwaitingUpload bool
	// Messages holds only the messages appended by this cycle.
	Messages []domain.Message
}

// NewChatService wires the interaction cycle.
func NewChatService(store Gateway, controller Controller, opts ...ChatOption) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if controller == nil {
		return nil, errors.New("usecase: controller must not be nil")
	}
	s := &ChatService{
		store:      store,
		controller: controller,
		maxText:    defaultMaxText,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Interact runs one interaction cycle. The cycle's messages and the next
// state are written as one turn, and the state is written on every cycle so
// expiring stores keep active sessions alive.
func (s *ChatService) Interact(ctx context.Context, in ChatInput) (ChatOutput, error) {
	if utf8.RuneCountInString(in.Text) > s.maxText {
		return ChatOutput{}, newError(ErrorInvalidInput, "text_too_long", nil)
	}

	st, created, err := s.openSession(ctx, in.SessionKey)
	if err != nil {
		return ChatOutput{}, err
	}
	log := logging.FromContext(ctx, s.logger).With(zap.String("session_key", st.Key))

	turn, err := s.controller.Advance(ctx, st, conversation.Input{Text: in.Text, Upload: in.Upload})
	if err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			return ChatOutput{}, newError(ErrorPersistence, "history_load_error", err)
		}
		return ChatOutput{}, newError(ErrorInternal, "controller_error", err)
	}
	if turn.Problem != nil {
		log.Info("cycle handled a recoverable problem", zap.Error(turn.Problem))
	}

	next := turn.State
	next.UpdatedAt = s.now().UTC()
	saved, err := s.store.SaveTurn(ctx, turn.Messages, next)
	if err != nil {
		return ChatOutput{}, newError(ErrorPersistence, "turn_write_error", err)
	}
	s.cacheState(ctx, log, next)

	stage := conversation.Stage(next.Step)
	log.Debug("interaction cycle complete",
		zap.Bool("created", created),
		zap.Bool("advanced", turn.Advanced(st)),
		zap.String("from", conversation.Stage(st.Step).String()),
		zap.String("to", stage.String()),
		zap.Int("messages", len(saved)))

	return ChatOutput{
		SessionKey:     next.Key,
		Created:        created,
		Step:           next.Step,
		Stage:          stage.String(),
		AwaitingUpload: turn.AwaitingUpload,
		Messages:       saved,
	}, nil
}

// openSession loads the state for key, or starts a session when key is the
// new-session sentinel or has never been used.
func (s *ChatService) openSession(ctx context.Context, key string) (domain.SessionState, bool, error) {
	if !session.IsNew(key) {
		key = strings.TrimSpace(key)
		st, ok, err := s.loadState(ctx, key)
		if err != nil {
			return domain.SessionState{}, false, newError(ErrorPersistence, "state_load_error", err)
		}
		if ok {
			st.Key = key
			return st, false, nil
		}
		// History without state means the state was lost; restarting would
		// greet an ongoing conversation from scratch.
		recent, err := s.store.LoadRecent(ctx, key, 1)
		if err != nil {
			return domain.SessionState{}, false, newError(ErrorPersistence, "state_load_error", err)
		}
		if len(recent) > 0 {
			return domain.SessionState{}, false, newError(ErrorConflict, "session_state_missing", nil)
		}
		return conversation.NewState(key), true, nil
	}

	resolver := session.NewResolver(s.now)
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key = resolver.Resolve(domain.NewSessionKey)
		_, exists, err := s.loadState(ctx, key)
		if err != nil {
			return domain.SessionState{}, false, newError(ErrorPersistence, "state_load_error", err)
		}
		if !exists {
			return conversation.NewState(key), true, nil
		}
	}
	return domain.SessionState{}, false, newError(ErrorConflict, "session_key_collision", nil)
}

// loadState reads through the cache. A cache failure is logged and the
// gateway answers instead.
func (s *ChatService) loadState(ctx context.Context, key string) (domain.SessionState, bool, error) {
	log := logging.FromContext(ctx, s.logger)
	if s.states != nil {
		st, ok, err := s.states.LoadState(ctx, key)
		if err == nil && ok {
			return st, true, nil
		}
		if err != nil {
			log.Warn("state cache read failed", zap.String("session_key", key), zap.Error(err))
		}
	}
	st, ok, err := s.store.LoadState(ctx, key)
	if err != nil || !ok {
		return st, ok, err
	}
	st.Key = key
	s.cacheState(ctx, log, st)
	return st, true, nil
}

// cacheState refreshes the cached copy of st. A failed write evicts the
// entry so a stale copy cannot shadow the gateway.
func (s *ChatService) cacheState(ctx context.Context, log *zap.Logger, st domain.SessionState) {
	if s.states == nil {
		return
	}
	err := s.states.SaveState(ctx, st)
	if err == nil {
		return
	}
	log.Warn("state cache write failed", zap.String("session_key", st.Key), zap.Error(err))
	if err := s.states.DeleteState(ctx, st.Key); err != nil {
		log.Warn("state cache evict failed", zap.String("session_key", st.Key), zap.Error(err))
	}
}

// ListSessions returns stored session keys, most recently active first.
func (s *ChatService) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.store.ListSessionIDs(ctx)
	if err != nil {
		return nil, newError(ErrorPersistence, "session_list_error", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// History returns every message of a session in insertion order.
func (s *ChatService) History(ctx context.Context, key string) ([]domain.Message, error) {
	if session.IsNew(key) {
		return nil, newError(ErrorInvalidInput, "missing_session_key", nil)
	}
	msgs, err := s.store.LoadMessages(ctx, strings.TrimSpace(key))
	if err != nil {
		return nil, newError(ErrorPersistence, "history_load_error", err)
	}
	if len(msgs) == 0 {
		return nil, newError(ErrorNotFound, "session_not_found", nil)
	}
	return msgs, nil
}

// DeleteSession removes a session's messages and state.
func (s *ChatService) DeleteSession(ctx context.Context, key string) error {
	if session.IsNew(key) {
		return newError(ErrorInvalidInput, "missing_session_key", nil)
	}
	key = strings.TrimSpace(key)
	if err := s.store.DeleteSession(ctx, key); err != nil {
		return newError(ErrorPersistence, "session_delete_error", err)
	}
	if s.states != nil {
		if err := s.states.DeleteState(ctx, key); err != nil {
			return newError(ErrorPersistence, "state_delete_error", err)
		}
	}
	logging.FromContext(ctx, s.logger).Info("session deleted", zap.String("session_key", key))
	return nil
}

// ClearCache drops the loaded model so the next reply reloads it.
func (s *ChatService) ClearCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate()
	logging.FromContext(ctx, s.logger).Info("model cache cleared")
}
