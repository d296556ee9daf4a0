package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/seantiz/kiln/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	codeInternal = "INTERNAL"
)

type errorResponse struct {
	Error *model.Error `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: &model.Error{Code: code, Message: message}})
}

// writeModelError writes err with the HTTP status that matches its code.
func (s *Server) writeModelError(w http.ResponseWriter, err error) {
	e := model.AsError(err, codeInternal)
	s.writeJSON(w, statusForCode(e.Code), errorResponse{Error: e})
}

// statusForCode maps a stable error code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case model.CodeInvalidJobID, model.CodeInvalidArtifactCount,
		model.CodeSequenceValidationFailed, model.CodeInvalidPayload:
		return http.StatusBadRequest
	case model.CodeJobNotFound:
		return http.StatusNotFound
	case model.CodeResourceExhausted:
		return http.StatusServiceUnavailable
	case model.CodeJobAlreadyActive, model.CodeJobAlreadyTerminal, model.CodeSequenceAlreadyRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Errorf(model.CodeInvalidPayload, "invalid JSON body: %v", err)
	}
	return nil
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// pageParams returns the clamped limit and offset query parameters.
func pageParams(r *http.Request) (limit, offset int) {
	limit = parseIntQuery(r, "limit", defaultListLimit)
	offset = parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
