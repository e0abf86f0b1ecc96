package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulsar-assistant/internal/domain"
)

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ")
	require.Error(t, err)

	_, err = NewClient("mistral", WithKeyParameter(&fakeGetter{}, ""))
	require.Error(t, err)

	c, err := NewClient("mistral")
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
}

// fakeGetter is a minimal parameter store stub.
type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.val, f.err
}

func TestResolveAPIKey_CachedAfterSuccess(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	c, err := NewClient("gpt-mock", WithKeyParameter(g, "/assistant/llm-token"))
	require.NoError(t, err)

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", key)

	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, g.calls)
}

func TestResolveAPIKey_RetriesAfterFailure(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient("gpt-mock", WithKeyParameter(g, "/assistant/llm-token"))
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")

	g.err = nil
	g.val = "sk-raw"
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-raw", key)
	require.Equal(t, 2, g.calls)
}

func TestFetchAPIKey(t *testing.T) {
	key, err := fetchAPIKey(context.Background(), &fakeGetter{val: `{"token":"sk-json"}`}, "n")
	require.NoError(t, err)
	require.Equal(t, "sk-json", key)

	_, err = fetchAPIKey(context.Background(), &fakeGetter{val: `{"other":"value"}`}, "n")
	require.ErrorContains(t, err, "API token is empty")

	_, err = fetchAPIKey(context.Background(), &fakeGetter{val: `{"broken`}, "n")
	require.ErrorContains(t, err, "unmarshal")

	_, err = fetchAPIKey(context.Background(), &fakeGetter{val: "  "}, "n")
	require.ErrorContains(t, err, "empty")
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	c, err := NewClient("mistral-7b-instruct", opts...)
	require.NoError(t, err)
	return c
}

func userPrompt() domain.CompletionRequest {
	return domain.CompletionRequest{
		Messages:    []domain.ChatMessage{{Role: "user", Content: "hi"}},
		MaxTokens:   256,
		Temperature: 0.7,
		TopP:        0.9,
	}
}

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body chatRequest
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Equal(t, "mistral-7b-instruct", body.Model)
		require.Equal(t, 256, body.MaxTokens)
		require.InDelta(t, 0.7, *body.Temperature, 1e-9)
		require.InDelta(t, 0.9, *body.TopP, 1e-9)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": " Hello from mock \n" }
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithAPIKey("sk-test"))
	resp, err := c.Complete(context.Background(), userPrompt())
	require.NoError(t, err)
	require.Equal(t, "Hello from mock", resp)
}

func TestClient_Complete_LocalServerWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NotContains(t, string(raw), "temperature")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), domain.CompletionRequest{
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestClient_Complete_EmptyMessages(t *testing.T) {
	c, err := NewClient("gpt-mock")
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), domain.CompletionRequest{})
	require.ErrorContains(t, err, "messages")
}

func TestClient_Complete_UpstreamStatus(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		c := newTestClient(t, srv)
		_, err := c.Complete(context.Background(), userPrompt())
		srv.Close()

		var statusErr *HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, status, statusErr.HTTPStatusCode())
	}
}

func TestClient_Complete_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), userPrompt())
	require.ErrorContains(t, err, "decode response")
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), userPrompt())
	require.ErrorContains(t, err, "no choices")
}

func TestClient_Complete_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv).Complete(ctx, userPrompt())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Complete_KeyLookupFailure(t *testing.T) {
	c, err := NewClient("gpt-mock", WithKeyParameter(&fakeGetter{err: errors.New("denied")}, "/k"))
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), userPrompt())
	require.ErrorContains(t, err, "denied")
}
