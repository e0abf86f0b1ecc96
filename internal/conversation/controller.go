// Package conversation drives the scripted onboarding dialogue and the
// free-form chat that follows it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pulsar-assistant/internal/analysis"
	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/generator"
	"pulsar-assistant/internal/intake"
	"pulsar-assistant/internal/logging"
)

const defaultMaxContext = 10

type Ingester interface {
	Ingest(name string, data []byte, declaredType string) (domain.Dataset, error)
}

type Responder interface {
	Generate(ctx context.Context, profile domain.UserData, history []domain.Message, input string) generator.Reply
}

type HistoryLoader interface {
	LoadRecent(ctx context.Context, key string, limit int) ([]domain.Message, error)
}

// Input is what the client sent in one interaction cycle. A blank Text with
// no Upload means nothing was received.
type Input struct {
	Text   string
	Upload *Upload
}

// Turn is the outcome of one cycle: the state to store and the messages to
// append, in order.
type Turn struct {
	State    domain.SessionState
	Messages []domain.Message
	// AwaitingUpload is set while the session waits for a dataset file.
	AwaitingUpload bool
	// Problem is a handled failure (bad upload, generation error) that was
	// already answered with a bot message.
	Problem error
}

// Advanced reports whether the turn moved the session to a later stage.
func (t Turn) Advanced(from domain.SessionState) bool {
	return t.State.Step > from.Step
}

type Controller struct {
	intake     Ingester
	responder  Responder
	history    HistoryLoader
	maxContext int
	logger     *zap.Logger
}

type Option func(*Controller)

// WithMaxContext sets how many stored messages are loaded for free-form
// replies.
func WithMaxContext(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxContext = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(intake Ingester, responder Responder, history HistoryLoader, opts ...Option) (*Controller, error) {
	if intake == nil {
		return nil, errors.New("conversation: intake must not be nil")
	}
	if responder == nil {
		return nil, errors.New("conversation: responder must not be nil")
	}
	if history == nil {
		return nil, errors.New("conversation: history loader must not be nil")
	}
	c := &Controller{
		intake:     intake,
		responder:  responder,
		history:    history,
		maxContext: defaultMaxContext,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewState returns the state of a session that has not been started.
func NewState(key string) domain.SessionState {
	return domain.SessionState{Key: key, Step: int(StageGreeting)}
}

// Advance evaluates one interaction cycle. A session still at the greeting
// stage is begun first; then the input, if any, is applied. Re-running
// Advance with empty input never appends messages or moves the step.
func (c *Controller) Advance(ctx context.Context, state domain.SessionState, in Input) (Turn, error) {
	stage := Stage(state.Step)
	if stage < StageGreeting || stage > StageFreeform {
		return Turn{}, fmt.Errorf("conversation: session %q has invalid step %d", state.Key, state.Step)
	}

	t := &turnBuilder{state: state}
	if stage == StageGreeting {
		if err := c.fire(ctx, t, Event{Kind: EventBegin}); err != nil {
			return Turn{}, err
		}
	}
	for _, ev := range eventsFor(in) {
		if err := c.fire(ctx, t, ev); err != nil {
			return Turn{}, err
		}
	}
	return t.turn(), nil
}

// eventsFor splits an input into events: text first, then the upload.
func eventsFor(in Input) []Event {
	var events []Event
	if text := strings.TrimSpace(in.Text); text != "" {
		events = append(events, Event{Kind: EventText, Text: text})
	}
	if in.Upload != nil && len(in.Upload.Data) > 0 {
		events = append(events, Event{Kind: EventUpload, Upload: in.Upload})
	}
	return events
}

func (c *Controller) fire(ctx context.Context, t *turnBuilder, ev Event) error {
	from := Stage(t.state.Step)
	tr, ok := lookup(from, ev.Kind)
	if !ok {
		logging.FromContext(ctx, c.logger).Debug("event ignored",
			zap.String("stage", from.String()), zap.String("event", ev.Kind.String()))
		return nil
	}
	advance, err := tr.run(c, ctx, t, ev)
	if err != nil {
		return err
	}
	if advance && tr.next > from {
		t.state.Step = int(tr.next)
	}
	return nil
}

func (c *Controller) greet(_ context.Context, t *turnBuilder, _ Event) (bool, error) {
	t.bot(script[StageGreeting].Reply)
	return true, nil
}

// capture returns the action for a scripted text stage: record the answer,
// store it with set and reply with the stage's scripted text.
func capture(set func(t *turnBuilder, answer string)) action {
	return func(_ *Controller, _ context.Context, t *turnBuilder, ev Event) (bool, error) {
		stage := Stage(t.state.Step)
		t.user(domain.KindText, ev.Text)
		set(t, ev.Text)
		t.bot(script[stage].Reply)
		return true, nil
	}
}

// awaitUpload swallows text sent while the session waits for a file.
func (c *Controller) awaitUpload(_ context.Context, _ *turnBuilder, _ Event) (bool, error) {
	return false, nil
}

func (c *Controller) ingest(_ context.Context, t *turnBuilder, ev Event) (bool, error) {
	up := ev.Upload
	name := strings.TrimSpace(up.Name)
	if name == "" {
		name = "upload"
	}
	t.user(domain.KindFile, name)

	ds, err := c.intake.Ingest(name, up.Data, firstNonEmpty(up.Type, name))
	if err != nil {
		if !intake.IsIngestError(err) {
			return false, fmt.Errorf("conversation: ingest %q: %w", name, err)
		}
		t.problem(err)
		t.bot(ingestFailureText(err))
		return false, nil
	}

	var reply string
	if t.state.UserData.Request == domain.RequestAnalytics {
		report, err := analysis.Analyze(ds)
		if err != nil {
			t.problem(err)
			t.bot(schemaFailureText)
			return false, nil
		}
		reply = FormatReport(report)
	} else {
		reply = FormatSummary(ds.Name, analysis.Summarize(ds))
	}

	t.state.UserData.DatasetName = ds.Name
	t.state.UserData.DatasetDigest = datasetDigest(ds)
	t.bot(reply)
	return true, nil
}

func (c *Controller) respond(ctx context.Context, t *turnBuilder, ev Event) (bool, error) {
	history, err := c.history.LoadRecent(ctx, t.state.Key, c.maxContext)
	if err != nil {
		return false, fmt.Errorf("conversation: load history: %w: %w", domain.ErrPersistence, err)
	}
	t.user(domain.KindText, ev.Text)
	reply := c.responder.Generate(ctx, t.state.UserData, history, ev.Text)
	if reply.Err != nil {
		t.problem(reply.Err)
	}
	t.bot(reply.Text)
	return false, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// turnBuilder accumulates the effects of the events fired in one cycle.
type turnBuilder struct {
	state    domain.SessionState
	messages []domain.Message
	err      error
}

func (t *turnBuilder) user(kind domain.MessageKind, content string) {
	t.append(domain.RoleUser, kind, content)
}

func (t *turnBuilder) bot(content string) {
	t.append(domain.RoleBot, domain.KindText, content)
}

func (t *turnBuilder) append(role domain.SenderRole, kind domain.MessageKind, content string) {
	t.messages = append(t.messages, domain.Message{
		SessionKey: t.state.Key,
		Role:       role,
		Kind:       kind,
		Content:    content,
	})
}

func (t *turnBuilder) problem(err error) {
	t.err = errors.Join(t.err, err)
}

func (t *turnBuilder) turn() Turn {
	return Turn{
		State:          t.state,
		Messages:       t.messages,
		AwaitingUpload: Stage(t.state.Step) == StageUpload,
		Problem:        t.err,
	}
}
