package restapi

import (
	"encoding/json"
	"net/http"

	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/models"
)

// sendJSON writes v as the response body with the given status.
func (api *RestAPI) sendJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	setJSONResponseType(&w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("failed to encode response", "error", err)
	}
}

func (api *RestAPI) sendOK(w http.ResponseWriter, r *http.Request, v any) {
	api.sendJSON(w, r, http.StatusOK, v)
}

func (api *RestAPI) sendMessage(w http.ResponseWriter, r *http.Request, message string) {
	api.sendOK(w, r, models.MessageResponse{Message: message})
}

func (api *RestAPI) sendError(w http.ResponseWriter, r *http.Request, status int, text string) {
	api.sendJSON(w, r, status, models.NewErrorResponse(status, text))
}

func (api *RestAPI) sendNotFound(w http.ResponseWriter, r *http.Request, text string) {
	api.sendError(w, r, http.StatusNotFound, text)
}

func (api *RestAPI) sendUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="bustracker-admin"`)
	api.sendError(w, r, http.StatusUnauthorized, "permission denied")
}

func (api *RestAPI) sendConflict(w http.ResponseWriter, r *http.Request, text string) {
	api.sendError(w, r, http.StatusConflict, text)
}

func setJSONResponseType(w *http.ResponseWriter) {
	(*w).Header().Set("Content-Type", "application/json")
}
