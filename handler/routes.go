package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pulsar-assistant/internal/conversation"
	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/logging"
	"pulsar-assistant/internal/usecase"
)

type uploadPayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type chatRequest struct {
	SessionKey string         `json:"session_key"`
	Text       string         `json:"text"`
	Upload     *uploadPayload `json:"upload,omitempty"`
}

type chatResponse struct {
	SessionKey     string           `json:"session_key"`
	Created        bool             `json:"created"`
	Step           int              `json:"step"`
	Stage          string           `json:"stage"`
	AwaitingUpload bool             `json:"awaiting_upload"`
	Messages       []domain.Message `json:"messages"`
}

type sessionsResponse struct {
	Sessions []string `json:"sessions"`
}

type historyResponse struct {
	SessionKey string           `json:"session_key"`
	Messages   []domain.Message `json:"messages"`
}

type registerRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Name            string `json:"name"`
	CompanyName     string `json:"company_name"`
}

type registerResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), correlate(h.logger))
	if h.rateClient != nil && h.rateQPS > 0 {
		r.Use(rateLimit(h.rateClient, h.rateQPS, h.logger))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if h.accounts != nil {
		r.POST("/auth/register", h.register)
		r.POST("/auth/login", h.login)
	}

	api := r.Group("/")
	if h.requireAuth {
		api.Use(requireIdentity(h.accounts))
	}
	api.POST("/chat", h.interact)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:key/messages", h.history)
	api.DELETE("/sessions/:key", h.deleteSession)
	api.POST("/admin/cache/clear", h.clearCache)
	return r
}

func (h *Handler) interact(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err})
		return
	}
	in := usecase.ChatInput{SessionKey: req.SessionKey, Text: req.Text}
	if req.Upload != nil {
		in.Upload = &conversation.Upload{Name: req.Upload.Name, Type: req.Upload.Type, Data: req.Upload.Data}
	}

	out, err := h.chat.Interact(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	msgs := out.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, chatResponse{
		SessionKey:     out.SessionKey,
		Created:        out.Created,
		Step:           out.Step,
		Stage:          out.Stage,
		AwaitingUpload: out.AwaitingUpload,
		Messages:       msgs,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	ids, err := h.chat.ListSessions(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionsResponse{Sessions: ids})
}

func (h *Handler) history(c *gin.Context) {
	key := c.Param("key")
	msgs, err := h.chat.History(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, historyResponse{SessionKey: key, Messages: msgs})
}

func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.chat.DeleteSession(c.Request.Context(), c.Param("key")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) clearCache(c *gin.Context) {
	h.chat.ClearCache(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err})
		return
	}
	u, err := h.accounts.Register(c.Request.Context(), usecase.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		Confirm:     req.ConfirmPassword,
		Name:        req.Name,
		CompanyName: req.CompanyName,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, registerResponse{UserID: u.ID, Email: u.Email})
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err})
		return
	}
	id, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, id)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		ue = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	status := statusFor(ue.Code)
	log := logging.FromContext(c.Request.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", string(ue.Code)), zap.String("reason", ue.Reason), zap.Error(ue.Err))
	} else {
		log.Info("request rejected", zap.String("code", string(ue.Code)), zap.String("reason", ue.Reason))
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
