package web

// errors.go renders every handler error the same way: the technical error
// is logged with the request id, and the client gets the mapped user
// message as JSON {error, message, action, code}.

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/gridsync/internal/core"
	"github.com/JonMunkholm/gridsync/internal/logging"
	"github.com/JonMunkholm/gridsync/internal/ot"
)

var (
	errRateLimited    = errors.New("rate limit exceeded")
	errInvalidRequest = errors.New("invalid request body")
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

func errorResponse(err error) ErrorResponse {
	msg := core.MapError(err)
	if errors.Is(err, errInvalidRequest) {
		msg = core.UserMessage{
			Message: "The request body could not be read",
			Action:  "Send a JSON body with revision and operation",
			Code:    "REQ003",
		}
	}
	return ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code}
}

// statusFor picks the HTTP status of an error.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errInvalidRequest), errors.Is(err, core.ErrInvalidDocumentID),
		errors.Is(err, ot.ErrProtocolViolation), errors.Is(err, core.ErrInvalidCSV),
		errors.Is(err, core.ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, ot.ErrRevisionOutOfRange):
		return http.StatusConflict
	case errors.Is(err, ot.ErrUnresolvedSymbol):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrFileTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrTooManySessions), errors.Is(err, core.ErrTooManyImports):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its JSON rendering.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse(err)

	logger := logging.FromContext(r.Context())
	log := logger.Warn
	if status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", resp.Code,
	)

	writeJSON(w, status, resp)
}
