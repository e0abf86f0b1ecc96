package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/usecase"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type stubUseCase struct {
	out     usecase.ChatOutput
	err     error
	in      usecase.ChatInput
	ids     []string
	history []domain.Message
	deleted string
	cleared int
}

func (s *stubUseCase) Interact(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.in = in
	return s.out, s.err
}

func (s *stubUseCase) ListSessions(context.Context) ([]string, error) { return s.ids, s.err }

func (s *stubUseCase) History(context.Context, string) ([]domain.Message, error) {
	return s.history, s.err
}

func (s *stubUseCase) DeleteSession(_ context.Context, key string) error {
	s.deleted = key
	return s.err
}

func (s *stubUseCase) ClearCache(context.Context) { s.cleared++ }

type stubAccounts struct {
	user     domain.User
	identity domain.Identity
	err      error
	in       usecase.RegisterInput
}

func (s *stubAccounts) Register(_ context.Context, in usecase.RegisterInput) (domain.User, error) {
	s.in = in
	return s.user, s.err
}

func (s *stubAccounts) Login(context.Context, string, string) (domain.Identity, error) {
	return s.identity, s.err
}

func (s *stubAccounts) Verify(token string) (domain.Identity, error) {
	if token != "good-token" {
		return domain.Identity{}, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token"}
	}
	return s.identity, nil
}

type stubScripter struct {
	result interface{}
	err    error
	keys   []string
}

func (s *stubScripter) Eval(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	s.keys = keys
	return redis.NewCmdResult(s.result, s.err)
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func serve(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)

	_, err = NewHandler(&stubUseCase{}, WithAccounts(nil, true))
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.ChatOutput{
		SessionKey: "2026-03-01_09-30-00.000000",
		Created:    true,
		Step:       1,
		Stage:      "mood",
		Messages:   []domain.Message{{SessionKey: "2026-03-01_09-30-00.000000", Role: domain.RoleBot, Content: "Hello! How are you today?", Seq: 1}},
	}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"session_key":"new_session","text":""}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ChatInput{SessionKey: "new_session"}, uc.in)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, "2026-03-01_09-30-00.000000", out.SessionKey)
	require.True(t, out.Created)
	require.Equal(t, "mood", out.Stage)
	require.Len(t, out.Messages, 1)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_UploadIsDecoded(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	data := base64.StdEncoding.EncodeToString([]byte("Product,Revenue,Cost\nA,1,1\n"))
	body := `{"session_key":"s1","upload":{"name":"sales.csv","type":"text/csv","data":"` + data + `"}}`
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, uc.in.Upload)
	require.Equal(t, "sales.csv", uc.in.Upload.Name)
	require.Equal(t, "Product,Revenue,Cost\nA,1,1\n", string(uc.in.Upload.Data))

	out := parseBody[chatResponse](t, resp.Body)
	require.NotNil(t, out.Messages)
}

func TestHandle_Base64EventBody(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	ev := makeEvent(http.MethodPost, "/chat", base64.StdEncoding.EncodeToString([]byte(`{"session_key":"s1","text":"hi"}`)))
	ev.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hi", uc.in.Text)

	ev.Body = "%%%"
	resp, err = h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_body", out.Reason)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "text_too_long"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "session_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "session_key_collision"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "unauthorized", err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token"}, status: http.StatusUnauthorized, code: string(usecase.ErrorUnauthorized)},
		{name: "persistence", err: &usecase.Error{Code: usecase.ErrorPersistence, Reason: "turn_write_error"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorPersistence)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "controller_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"text":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(http.MethodPost, "/chat", `{"text":"hello"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_UnknownRoute(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionRoutes(t *testing.T) {
	uc := &stubUseCase{
		ids:     []string{"b", "a"},
		history: []domain.Message{{SessionKey: "a", Role: domain.RoleUser, Content: "hi", Seq: 1}},
	}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	rec := serve(t, h, http.MethodGet, "/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"b", "a"}, parseBody[sessionsResponse](t, rec.Body.String()).Sessions)

	rec = serve(t, h, http.MethodGet, "/sessions/a/messages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := parseBody[historyResponse](t, rec.Body.String())
	require.Equal(t, "a", hist.SessionKey)
	require.Len(t, hist.Messages, 1)

	rec = serve(t, h, http.MethodDelete, "/sessions/a", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "a", uc.deleted)

	rec = serve(t, h, http.MethodPost, "/admin/cache/clear", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, uc.cleared)

	rec = serve(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRoutes(t *testing.T) {
	accounts := &stubAccounts{
		user:     domain.User{ID: "u1", Email: "a@b.com"},
		identity: domain.Identity{UserID: "u1", Email: "a@b.com", Token: "good-token"},
	}
	h, err := NewHandler(&stubUseCase{}, WithAccounts(accounts, false))
	require.NoError(t, err)

	rec := serve(t, h, http.MethodPost, "/auth/register",
		`{"email":"a@b.com","password":"longenough","confirm_password":"longenough","name":"Dana","company_name":"Acme"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, usecase.RegisterInput{Email: "a@b.com", Password: "longenough", Confirm: "longenough", Name: "Dana", CompanyName: "Acme"}, accounts.in)
	require.Equal(t, "u1", parseBody[registerResponse](t, rec.Body.String()).UserID)

	rec = serve(t, h, http.MethodPost, "/auth/login", `{"email":"a@b.com","password":"longenough"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "good-token", parseBody[domain.Identity](t, rec.Body.String()).Token)

	accounts.err = &usecase.Error{Code: usecase.ErrorConflict, Reason: "user_exists"}
	rec = serve(t, h, http.MethodPost, "/auth/register", `{"email":"a@b.com"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthRoutes_AbsentWithoutAccounts(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)
	rec := serve(t, h, http.MethodPost, "/auth/login", `{}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequireAuth(t *testing.T) {
	accounts := &stubAccounts{identity: domain.Identity{UserID: "u1"}}
	h, err := NewHandler(&stubUseCase{ids: []string{}}, WithAccounts(accounts, true))
	require.NoError(t, err)

	rec := serve(t, h, http.MethodGet, "/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "missing_token", parseBody[errorResponse](t, rec.Body.String()).Reason)

	rec = serve(t, h, http.MethodGet, "/sessions", "", map[string]string{"Authorization": "Bearer bad-token"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, h, http.MethodGet, "/sessions", "", map[string]string{"Authorization": "Bearer good-token"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := &stubScripter{result: []interface{}{int64(0), int64(0), int64(2)}}
	h, err := NewHandler(&stubUseCase{}, WithRateLimit(limiter, 5))
	require.NoError(t, err)

	rec := serve(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	require.Len(t, limiter.keys, 1)
	require.True(t, strings.HasPrefix(limiter.keys[0], "assistant:rate:"))

	limiter.result = []interface{}{int64(1), int64(9), int64(0)}
	rec = serve(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))

	limiter.err = errors.New("connection refused")
	rec = serve(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
