package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/avolokita/tochka-exchange/internal/models"
)

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, errorResponse{Detail: detail})
}

// WriteDomainError maps a sentinel or validation error to its status
// code. Anything unrecognized degrades to a single generic 500 so
// internal faults never leak to clients.
func WriteDomainError(w http.ResponseWriter, err error) {
	var validationErr *models.ValidationError
	switch {
	case errors.As(err, &validationErr):
		WriteError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, models.ErrInvalidToken):
		WriteError(w, http.StatusForbidden, "invalid token")
	case errors.Is(err, models.ErrUserNotFound):
		WriteError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, models.ErrInstrumentNotFound):
		WriteError(w, http.StatusNotFound, "instrument not found")
	case errors.Is(err, models.ErrOrderNotFound):
		WriteError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, models.ErrInstrumentExists):
		WriteError(w, http.StatusConflict, "instrument already exists")
	case errors.Is(err, models.ErrInsufficientFunds):
		WriteError(w, http.StatusConflict, "insufficient funds")
	case errors.Is(err, models.ErrNotCancellable):
		WriteError(w, http.StatusConflict, "order cannot be cancelled")
	default:
		slog.Error("internal error", slog.String("error", err.Error()))
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
