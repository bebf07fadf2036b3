package http

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"navi/internal/infra/observability"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// maxBodyBytes caps request bodies on every JSON endpoint.
const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx JSON reply. Kind carries the
// error classification so clients can branch without parsing the message.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps error kinds to HTTP statuses. Anything unclassified is an
// internal error.
func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsAlreadyTerminal(err):
		return http.StatusConflict
	case errors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// writeError renders err with its kind-derived status and counts it against
// the annotated RPC method.
func writeError(w http.ResponseWriter, r *http.Request, logger logging.Logger, metrics *observability.Metrics, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Warn("%s %s rejected: %v", r.Method, r.URL.Path, err)
	}
	metrics.RecordError(r.Context(), methodFromContext(r.Context()), errors.Kind(err))
	if encodeErr := writeJSON(w, status, errorResponse{Error: err.Error(), Kind: errors.Kind(err)}); encodeErr != nil {
		logger.Error("Encode error response failed: %v", encodeErr)
	}
}

// decodeBody reads a single JSON object into dst. Unknown fields, trailing
// garbage, and oversized bodies are all validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _ = body.Close() }()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case err == io.EOF:
			return errors.Validationf("request body is empty")
		case stderrors.As(err, &tooBig):
			return errors.Validationf("request body exceeds %d bytes", tooBig.Limit)
		default:
			return errors.Validationf("invalid request body: %v", err)
		}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.Validationf("request body must be a single JSON object")
	}
	return nil
}
