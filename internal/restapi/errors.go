package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/models"
)

const maxBodyBytes = 1 << 20

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.LogError(logging.FromContext(r.Context()), "request failed", err,
		slog.String("component", "http_server"))

	api.sendJSON(w, r, http.StatusInternalServerError,
		models.NewErrorResponse(http.StatusInternalServerError, "internal server error"))
}

// validationErrorResponse sends a 400 Bad Request response with field-specific validation errors
func (api *RestAPI) validationErrorResponse(w http.ResponseWriter, r *http.Request, fieldErrors map[string][]string) {
	response := struct {
		FieldErrors map[string][]string `json:"fieldErrors"`
	}{
		FieldErrors: fieldErrors,
	}
	api.sendJSON(w, r, http.StatusBadRequest, response)
}

func (api *RestAPI) fieldError(w http.ResponseWriter, r *http.Request, field, message string) {
	api.validationErrorResponse(w, r, map[string][]string{field: {message}})
}

// decodeJSON reads a single JSON object into dst. On failure it has already
// written a 400 response and returns false.
func (api *RestAPI) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		api.fieldError(w, r, "body", describeDecodeError(err))
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		api.fieldError(w, r, "body", "body must contain a single JSON object")
		return false
	}
	return true
}

func describeDecodeError(err error) string {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		maxErr    *http.MaxBytesError
	)
	switch {
	case errors.Is(err, io.EOF):
		return "body must not be empty"
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "malformed JSON"
	case errors.As(err, &typeErr):
		if typeErr.Field != "" {
			return fmt.Sprintf("field %q has the wrong type", typeErr.Field)
		}
		return "body has the wrong type"
	case errors.As(err, &maxErr):
		return fmt.Sprintf("body must not exceed %d bytes", maxErr.Limit)
	default:
		return err.Error()
	}
}
