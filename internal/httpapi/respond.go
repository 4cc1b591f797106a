package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/logging"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, body errorBody) {
	respondJSON(w, status, errorResponse{Error: body})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a service error onto a response. Internal and gateway
// failure detail is only shown in development.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(r.Context(), h.logger)

	e, ok := apperr.As(err)
	if !ok {
		logger.Error("request_failed", zap.Error(err))
		body := errorBody{Code: "internal", Message: "internal error"}
		if h.dev {
			body.Message = err.Error()
		}
		respondError(w, http.StatusInternalServerError, body)
		return
	}

	body := errorBody{Code: e.Code, Message: e.Message, Fields: e.Fields}
	switch e.Kind {
	case apperr.KindExternal:
		logger.Warn("request_failed", zap.String("code", e.Code), zap.Error(err))
		if h.dev {
			body.Message = err.Error()
		}
	case apperr.KindInternal:
		logger.Error("request_failed", zap.String("code", e.Code), zap.Error(err))
		body.Message = "internal error"
		if h.dev {
			body.Message = err.Error()
		}
	}
	respondError(w, statusFor(e.Kind), body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation(map[string]string{"body": "request body is required"})
		}
		return apperr.Validation(map[string]string{"body": "malformed JSON: " + err.Error()})
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(map[string]string{name: "must be a positive integer"})
	}
	return id, nil
}
