package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"pulsar-assistant/internal/domain"
)

type fakeModels struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	res      *genai.GenerateContentResponse
	err      error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, config
	return f.res, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(text, genai.RoleModel)}},
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), "", "gemini-2.5-flash")
	require.Error(t, err)
}

func TestComplete_MapsRolesAndParameters(t *testing.T) {
	fm := &fakeModels{res: textResponse(" advice ")}
	c := newWithModels(fm, "gemini-test")

	out, err := c.Complete(context.Background(), domain.CompletionRequest{
		Messages: []domain.ChatMessage{
			{Role: "system", Content: "persona"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
			{Role: "user", Content: "help me"},
		},
		MaxTokens:   512,
		Temperature: 0.5,
		TopP:        0.95,
	})
	require.NoError(t, err)
	require.Equal(t, "advice", out)
	require.Equal(t, "gemini-test", fm.model)
	require.Len(t, fm.contents, 3)
	require.Equal(t, string(genai.RoleModel), fm.contents[1].Role)
	require.Equal(t, "persona", fm.config.SystemInstruction.Parts[0].Text)
	require.Equal(t, int32(512), fm.config.MaxOutputTokens)
	require.InDelta(t, 0.5, float64(*fm.config.Temperature), 1e-6)
}

func TestComplete_Errors(t *testing.T) {
	c := newWithModels(&fakeModels{err: errors.New("quota")}, "m")
	_, err := c.Complete(context.Background(), domain.CompletionRequest{
		Messages: []domain.ChatMessage{{Role: "user", Content: "x"}},
	})
	require.ErrorContains(t, err, "quota")

	c = newWithModels(&fakeModels{res: textResponse("")}, "m")
	_, err = c.Complete(context.Background(), domain.CompletionRequest{
		Messages: []domain.ChatMessage{{Role: "user", Content: "x"}},
	})
	require.ErrorContains(t, err, "empty")

	_, err = c.Complete(context.Background(), domain.CompletionRequest{
		Messages: []domain.ChatMessage{{Role: "system", Content: "only system"}},
	})
	require.ErrorContains(t, err, "no conversation content")
}
