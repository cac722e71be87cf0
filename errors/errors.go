package httperrors

import (
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"
)

// ErrorResponse defines the standard JSON error structure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// RespondWithError logs internalError and writes the JSON envelope.
func RespondWithError(w http.ResponseWriter, logger *slog.Logger, status int, internalError error, userMessage string) {
	if internalError != nil {
		logger.Error("API Error",
			slog.Int("status", status),
			slog.String("user_message", userMessage),
			slog.String("internal_error", internalError.Error()),
		)
	} else {
		logger.Warn("API Response Error",
			slog.Int("status", status),
			slog.String("user_message", userMessage),
		)
	}

	errResp := ErrorResponse{
		Error:   http.StatusText(status),
		Message: userMessage,
		Status:  status,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		logger.Error("Failed to encode error response", slog.String("encoding_error", err.Error()))
	}
}

func BadRequest(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	RespondWithError(w, logger, http.StatusBadRequest, err, message)
}

func NotFound(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	RespondWithError(w, logger, http.StatusNotFound, err, message)
}

// UnprocessableEntity is used for messages that decode but can never be processed.
func UnprocessableEntity(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	RespondWithError(w, logger, http.StatusUnprocessableEntity, err, message)
}

func InternalServerError(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	if message == "" {
		message = "An unexpected error occurred."
	}
	RespondWithError(w, logger, http.StatusInternalServerError, err, message)
}

func ServiceUnavailable(w http.ResponseWriter, logger *slog.Logger, err error, message string) {
	if message == "" {
		message = "A backing service is unavailable."
	}
	RespondWithError(w, logger, http.StatusServiceUnavailable, err, message)
}
