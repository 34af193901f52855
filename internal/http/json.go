// Package httpx exposes the service's HTTP surface: health probes and the
// local event ingest endpoints used when events arrive over HTTP instead of
// the pub/sub bus.
package httpx

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/target/loadrun-api/internal/errors"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// decodeJSON reads the request body into dst, rejecting unknown fields. On
// failure a 400 is written and false returned.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err)
		return false
	}
	return true
}

// writeJSON encodes v fully before touching the ResponseWriter; nothing is
// written until encoding succeeded.
func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		// Client disconnects are not recoverable here.
		return
	}
}

func writeError(w http.ResponseWriter, code int, errCode string, err error) {
	writeJSON(w, code, errorBody{Error: errCode, Message: err.Error()})
}

// writeAppError maps the error taxonomy onto HTTP status codes.
// Unclassified errors fall through to 500.
func writeAppError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidation:
		code = http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		code = http.StatusNotFound
	case apperrors.ErrCodeConflict:
		code = http.StatusConflict
	case apperrors.ErrCodeTimeout:
		code = http.StatusGatewayTimeout
	}
	writeError(w, code, string(apperrors.GetCode(err)), err)
}
