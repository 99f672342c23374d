package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/notify"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxCommandBytes = 8 << 20
	writeTimeout    = 5 * time.Second
)

var (
	errMissingAgent = errors.New("agent api: agent dependency required")
	errMissingBus   = errors.New("agent api: notification bus required")
)

// Subscriber hands out notification streams.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan notify.Event, func())
}

// APIDependencies describes the local API dependencies.
type APIDependencies struct {
	Agent  *Agent
	Events Subscriber
	Logger *zap.Logger
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewHTTPHandler exposes the agent to local collaborators.
func NewHTTPHandler(deps APIDependencies) (http.Handler, error) {
	if deps.Agent == nil {
		return nil, errMissingAgent
	}
	if deps.Events == nil {
		return nil, errMissingBus
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	handler := &apiHandler{agent: deps.Agent, events: deps.Events, logger: logger}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/v1/commands", handler.handleCommand)
	router.GET("/v1/events", handler.handleEvents)
	return router, nil
}

type apiHandler struct {
	agent  *Agent
	events Subscriber
	logger *zap.Logger
}

func (h *apiHandler) handleCommand(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCommandBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}
	command, err := DecodeCommand(body)
	if err != nil {
		code := "invalid_command"
		if errors.Is(err, ErrUnknownCommand) {
			code = "unknown_command"
		}
		c.JSON(http.StatusBadRequest, errorPayload{Error: code, Message: err.Error()})
		return
	}

	reply, err := h.agent.Handle(c.Request.Context(), command)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, reply)
	case records.IsPendingSync(err):
		c.JSON(http.StatusAccepted, reply)
	default:
		status, code := classifyError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("command failed", zap.String("command", command.Type()), zap.Error(err))
		}
		c.JSON(status, errorPayload{Error: code, Message: err.Error()})
	}
}

func classifyError(err error) (int, string) {
	code := records.ErrorCode(err)
	switch {
	case errors.Is(err, records.ErrQuotaExceeded):
		return http.StatusInsufficientStorage, "quota_exceeded"
	case errors.Is(err, records.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, records.ErrInvalidPayload),
		errors.Is(err, records.ErrInvalidCategory),
		errors.Is(err, records.ErrInvalidClass),
		errors.Is(err, records.ErrInvalidLocalID):
		return http.StatusBadRequest, codeOrDefault(code, "invalid_command")
	default:
		return http.StatusInternalServerError, codeOrDefault(code, "internal_error")
	}
}

func codeOrDefault(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}

func (h *apiHandler) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := conn.CloseRead(c.Request.Context())
	stream, unsubscribe := h.events.Subscribe(ctx)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(notify.NewEnvelope(event))
			if err != nil {
				h.logger.Error("event encoding failed", zap.String("kind", event.Kind()), zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		}
	}
}
