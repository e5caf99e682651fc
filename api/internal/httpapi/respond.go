package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/intake"
	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusOf maps controller and collaborator errors to a status and error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, identify.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, plant.ErrNoAlternatives):
		return http.StatusNotFound, "no_alternatives"
	case errors.Is(err, identify.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, identify.ErrAttemptsExhausted):
		return http.StatusConflict, "attempts_exhausted"
	case errors.Is(err, identify.ErrUnknownSpecies):
		return http.StatusBadRequest, "unknown_species"
	case errors.Is(err, identify.ErrNoImage):
		return http.StatusBadRequest, "no_image"
	case errors.Is(err, intake.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, intake.ErrUnsupported):
		return http.StatusUnsupportedMediaType, "unsupported_type"
	case errors.Is(err, plant.ErrMalformedInput):
		return http.StatusUnprocessableEntity, "malformed_input"
	case errors.Is(err, plant.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, plant.ErrBadResponse):
		return http.StatusBadGateway, "bad_response"
	}
	return http.StatusInternalServerError, "internal"
}

func writeErr(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	writeError(w, status, code, err.Error())
}
