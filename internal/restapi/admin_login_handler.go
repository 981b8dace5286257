package restapi

import (
	"errors"
	"net/http"

	"bustracker.urbantransit.org/internal/app"
	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/models"
)

func (api *RestAPI) adminLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		api.fieldError(w, r, "password", "password is required")
		return
	}

	token, expiresAt, err := api.Auth.Login(r.Context(), req.Password)
	if errors.Is(err, app.ErrInvalidCredentials) {
		api.Metrics.ObserveAdminLogin(false)
		logging.FromContext(r.Context()).Warn("admin login rejected")
		w.Header().Set("WWW-Authenticate", `Bearer realm="bustracker-admin"`)
		api.sendJSON(w, r, http.StatusUnauthorized, models.LoginResponse{
			Success: false,
			Message: "Invalid credentials",
		})
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	api.Metrics.ObserveAdminLogin(true)
	api.sendOK(w, r, models.LoginResponse{
		Success:   true,
		Message:   "Login successful",
		Token:     token,
		ExpiresAt: &expiresAt,
	})
}
