package conversation

import (
	"context"
	"fmt"
	"slices"
)

// Stage is a position in the onboarding dialogue. Stages below StageFreeform
// are scripted; StageFreeform is terminal.
type Stage int

const (
	StageGreeting Stage = iota
	StageMood
	StageCompanyName
	StageCompanyBrief
	StageGoal
	StageUpload
	StageFreeform
)

var stageNames = [...]string{"greeting", "mood", "company_name", "company_brief", "goal", "upload", "freeform"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Scripted reports whether s is one of the onboarding stages.
func (s Stage) Scripted() bool {
	return s >= StageGreeting && s < StageFreeform
}

type EventKind int

const (
	EventBegin EventKind = iota
	EventText
	EventUpload
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventText:
		return "text"
	case EventUpload:
		return "upload"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Upload is a file received from the client.
type Upload struct {
	Name string
	Type string
	Data []byte
}

type Event struct {
	Kind   EventKind
	Text   string
	Upload *Upload
}

// ScriptStep describes one scripted stage: the event it waits for and the bot
// reply emitted when leaving it. The upload stage's reply is built from the
// dataset report.
type ScriptStep struct {
	Stage   Stage
	Accepts EventKind
	Reply   string
}

const (
	greetingText     = "Hello! How are you today?"
	askCompanyText   = "Great! What's the name of your company?"
	askBriefText     = "Can you give me a brief about your company and business model?"
	askGoalText      = "Thank you! What are you looking for today? Better offers, price optimization, or just analytics and recommendations?"
	askUploadText    = "Great! Please upload your product data in a CSV file."
	reportPrefixText = "Here is your sales analysis report:"
)

var script = [...]ScriptStep{
	{Stage: StageGreeting, Accepts: EventBegin, Reply: greetingText},
	{Stage: StageMood, Accepts: EventText, Reply: askCompanyText},
	{Stage: StageCompanyName, Accepts: EventText, Reply: askBriefText},
	{Stage: StageCompanyBrief, Accepts: EventText, Reply: askGoalText},
	{Stage: StageGoal, Accepts: EventText, Reply: askUploadText},
	{Stage: StageUpload, Accepts: EventUpload},
}

// Script returns a copy of the onboarding script. Its length is the index of
// StageFreeform.
func Script() []ScriptStep {
	return slices.Clone(script[:])
}

type transitionKey struct {
	stage Stage
	event EventKind
}

// action performs the side effects of a transition on t and reports whether
// the session moves to the transition's next stage.
type action func(c *Controller, ctx context.Context, t *turnBuilder, ev Event) (bool, error)

type transition struct {
	run  action
	next Stage
}

var transitions = map[transitionKey]transition{
	{StageGreeting, EventBegin}:    {run: (*Controller).greet, next: StageMood},
	{StageMood, EventText}:         {run: capture(func(t *turnBuilder, s string) { t.state.UserData.Mood = s }), next: StageCompanyName},
	{StageCompanyName, EventText}:  {run: capture(func(t *turnBuilder, s string) { t.state.UserData.CompanyName = s }), next: StageCompanyBrief},
	{StageCompanyBrief, EventText}: {run: capture(func(t *turnBuilder, s string) { t.state.UserData.CompanyBrief = s }), next: StageGoal},
	{StageGoal, EventText}:         {run: capture(func(t *turnBuilder, s string) { t.state.UserData.Request = ClassifyRequest(s) }), next: StageUpload},
	{StageUpload, EventText}:       {run: (*Controller).awaitUpload, next: StageUpload},
	{StageUpload, EventUpload}:     {run: (*Controller).ingest, next: StageFreeform},
	{StageFreeform, EventText}:     {run: (*Controller).respond, next: StageFreeform},
}

func lookup(stage Stage, kind EventKind) (transition, bool) {
	tr, ok := transitions[transitionKey{stage: stage, event: kind}]
	return tr, ok
}
