package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// errorBody is the wire form of a failure. Code is the stable snake_case
// identifier SDKs switch on; message is for humans.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the error envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// WriteDomainError renders a typed gateway failure. Internal causes are
// logged and never exposed to the client.
func WriteDomainError(w http.ResponseWriter, log *slog.Logger, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		derr = domain.Internal(err)
	}
	if derr.Kind == domain.KindInternal {
		log.Error("internal error", "error", derr.Message)
		WriteError(w, http.StatusInternalServerError, string(domain.KindInternal),
			"an unexpected error occurred")
		return
	}
	WriteJSON(w, derr.Status, errorEnvelope{Error: errorBody{
		Code:      string(derr.Kind),
		Message:   derr.Message,
		Retryable: derr.Retryable,
		Details:   derr.Details,
	}})
}
