package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"trustvoice-dialogue/internal/domain"
	"trustvoice-dialogue/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Conversation is the use case surface the HTTP front end drives.
type Conversation interface {
	Converse(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	Reset(ctx context.Context, userID string) (string, error)
}

type turnRequest struct {
	UserID     string `json:"userId"`
	Language   string `json:"language"`
	Transcript string `json:"transcript"`
}

type resetRequest struct {
	UserID string `json:"userId"`
}

type turnResponse struct {
	TurnID   string                  `json:"turnId"`
	Message  string                  `json:"message"`
	Ready    bool                    `json:"ready"`
	Intent   string                  `json:"intent,omitempty"`
	Entities map[string]any          `json:"entities,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Result   *domain.ExecutionResult `json:"result,omitempty"`
}

type resetResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type Handler struct {
	conversation Conversation
	logger       *slog.Logger
}

func NewHandler(conversation Conversation) (*Handler, error) {
	return NewHandlerWithLogger(conversation, nil)
}

func NewHandlerWithLogger(conversation Conversation, logger *slog.Logger) (*Handler, error) {
	if conversation == nil {
		return nil, errors.New("handler: conversation use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{conversation: conversation, logger: logger}, nil
}

// Handle serves POST /turn and POST /reset behind API Gateway.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "path", req.Path)

	if req.HTTPMethod != http.MethodPost {
		return respond(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	switch {
	case strings.HasSuffix(req.Path, "/turn"):
		return h.handleTurn(ctx, req, correlationID, log), nil
	case strings.HasSuffix(req.Path, "/reset"):
		return h.handleReset(ctx, req, correlationID, log), nil
	default:
		return respond(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) handleTurn(ctx context.Context, req events.APIGatewayProxyRequest, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	var body turnRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		log.Warn("invalid turn body", "err", err)
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}

	out, err := h.conversation.Converse(ctx, usecase.TurnInput{
		UserID:     body.UserID,
		Language:   body.Language,
		Transcript: body.Transcript,
	})
	if err != nil {
		return h.errorResponse(err, out.Reply, correlationID, log)
	}

	log.Info("turn handled", "user_id", body.UserID, "turn_id", out.TurnID, "ready", out.Decision.Ready)
	return respond(http.StatusOK, correlationID, turnResponse{
		TurnID:   out.TurnID,
		Message:  out.Reply,
		Ready:    out.Decision.Ready,
		Intent:   out.Decision.Intent,
		Entities: out.Decision.Entities,
		Error:    out.Decision.Error,
		Result:   out.Result,
	})
}

func (h *Handler) handleReset(ctx context.Context, req events.APIGatewayProxyRequest, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	var body resetRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}
	msg, err := h.conversation.Reset(ctx, body.UserID)
	if err != nil {
		return h.errorResponse(err, "", correlationID, log)
	}
	return respond(http.StatusOK, correlationID, resetResponse{Message: msg})
}

func (h *Handler) errorResponse(err error, message, correlationID string, log *slog.Logger) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		log.Error("unexpected error", "err", err)
		return respond(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal), Message: message})
	}

	status := http.StatusInternalServerError
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorStoreUnavailable:
		status = http.StatusServiceUnavailable
	case usecase.ErrorUpstream, usecase.ErrorExecution:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		log.Error("request failed", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	} else {
		log.Warn("request rejected", "code", ue.Code, "reason", ue.Reason)
	}
	return respond(status, correlationID, errorResponse{Error: string(ue.Code), Reason: ue.Reason, Message: message})
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(buf),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
