package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/records"
)

var (
	errUpgradeRequired      = errors.New("expected a websocket upgrade")
	errPreconditionRequired = errors.New("If-Match header required")
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, records.ErrStoreUnavailable):
		return http.StatusInternalServerError
	case errors.Is(err, records.ErrValidation), errors.Is(err, hub.ErrInvalidRoomKey):
		return http.StatusBadRequest
	case errors.Is(err, records.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, records.ErrCodeCollision), errors.Is(err, hub.ErrStalePublish):
		return http.StatusConflict
	case errors.Is(err, records.ErrVersionConflict):
		return http.StatusPreconditionFailed
	case errors.Is(err, errUpgradeRequired):
		return http.StatusUpgradeRequired
	case errors.Is(err, errPreconditionRequired):
		return http.StatusPreconditionRequired
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(writer http.ResponseWriter, err error) {
	status := statusOf(err)
	body := errorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		s.Logger.Error("Request failed", err)
		body.Error = http.StatusText(status)
	}
	var verr *records.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	data, _ := json.Marshal(body)
	s.sendResponse(writer, data, status)
}
