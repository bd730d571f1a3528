package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcdev12/buzzroom/go/internal/engine"
	"github.com/mcdev12/buzzroom/go/internal/room"
	"github.com/rs/zerolog/log"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errUnknownMode    = errors.New("unknown game mode")
	errBadMessage     = errors.New("malformed message")
	errRateLimited    = errors.New("too many commands")
)

// retryable reports whether the client may resend the command. Everything
// that is not a definite rejection is assumed to be a store round trip that
// failed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, room.ErrRoomNotFound),
		errors.Is(err, room.ErrInvalidName),
		errors.Is(err, engine.ErrInvalidDuration),
		errors.Is(err, engine.ErrUnknownVerdict),
		errors.Is(err, engine.ErrSessionClosed),
		errors.Is(err, errUnknownCommand),
		errors.Is(err, errUnknownMode),
		errors.Is(err, errBadMessage),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, room.ErrInvalidName), errors.Is(err, errBadMessage):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrRoomNotFound):
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Retryable: retryable(err)})
}
