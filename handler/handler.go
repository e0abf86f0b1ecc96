// Package handler exposes the assistant over HTTP. The same gin router serves
// the long-running server and API Gateway events delivered through Lambda.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/usecase"
)

type ChatUseCase interface {
	Interact(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	ListSessions(ctx context.Context) ([]string, error)
	History(ctx context.Context, key string) ([]domain.Message, error)
	DeleteSession(ctx context.Context, key string) error
	ClearCache(ctx context.Context)
}

type AccountUseCase interface {
	Register(ctx context.Context, in usecase.RegisterInput) (domain.User, error)
	Login(ctx context.Context, email, password string) (domain.Identity, error)
	Verify(token string) (domain.Identity, error)
}

type Handler struct {
	chat        ChatUseCase
	accounts    AccountUseCase
	requireAuth bool
	rateClient  Scripter
	rateQPS     int
	logger      *zap.Logger
	engine      *gin.Engine
}

type Option func(*Handler)

// WithAccounts mounts the /auth routes. When require is set, chat, session
// and admin routes demand a bearer token issued by /auth/login.
func WithAccounts(accounts AccountUseCase, require bool) Option {
	return func(h *Handler) {
		h.accounts = accounts
		h.requireAuth = require
	}
}

// WithRateLimit throttles each client IP to qps requests per second using a
// redis token bucket. qps <= 0 disables the limit.
func WithRateLimit(client Scripter, qps int) Option {
	return func(h *Handler) {
		h.rateClient = client
		h.rateQPS = qps
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(chat ChatUseCase, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	h := &Handler{chat: chat, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	if h.requireAuth && h.accounts == nil {
		return nil, errors.New("handler: auth required but no account use case configured")
	}
	h.engine = h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

// Handle serves an API Gateway proxy event through the router.
func (h *Handler) Handle(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(ev.Body)
	if ev.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusBadRequest,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       `{"error":"INVALID_INPUT","reason":"invalid_body_encoding"}`,
			}, nil
		}
		body = decoded
	}

	target := url.URL{Path: ev.Path, RawQuery: eventQuery(ev).Encode()}
	req, err := http.NewRequestWithContext(ctx, ev.HTTPMethod, target.String(), bytes.NewReader(body))
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}
	for k, vs := range ev.MultiValueHeaders {
		if _, ok := ev.Headers[k]; ok {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if ip := ev.RequestContext.Identity.SourceIP; ip != "" {
		req.RemoteAddr = ip + ":0"
	}

	rec := &responseBuffer{header: http.Header{}}
	h.engine.ServeHTTP(rec, req)

	headers := make(map[string]string, len(rec.header))
	for k, vs := range rec.header {
		headers[k] = strings.Join(vs, ",")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: rec.statusCode(),
		Headers:    headers,
		Body:       rec.body.String(),
	}, nil
}

func eventQuery(ev events.APIGatewayProxyRequest) url.Values {
	q := url.Values{}
	for k, vs := range ev.MultiValueQueryStringParameters {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	for k, v := range ev.QueryStringParameters {
		if _, ok := q[k]; !ok {
			q.Set(k, v)
		}
	}
	return q
}

// responseBuffer collects a response for conversion into a Lambda proxy
// response.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *responseBuffer) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}
