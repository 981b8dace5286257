package restapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bustracker.urbantransit.org/internal/eta"
	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/models"
	"bustracker.urbantransit.org/internal/utils"
)

func (api *RestAPI) rootHandler(w http.ResponseWriter, r *http.Request) {
	api.sendMessage(w, r, "Urban Transport System API")
}

func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := api.Store.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).Warn("health check failed", "error", err)
		api.sendJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	api.sendOK(w, r, map[string]string{"status": "ok"})
}

func (api *RestAPI) searchRoutesHandler(w http.ResponseWriter, r *http.Request) {
	query, err := utils.ValidateAndSanitizeQuery(r.URL.Query().Get("q"))
	if err != nil {
		api.fieldError(w, r, "q", err.Error())
		return
	}

	routes, err := api.Store.SearchRoutes(r.Context(), query, searchResultLimit)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendOK(w, r, models.NewRouteViews(routes))
}

func (api *RestAPI) liveBusesHandler(w http.ResponseWriter, r *http.Request) {
	buses, err := api.Store.ListBuses(r.Context(), adminListLimit)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendOK(w, r, models.NewBusViews(buses))
}

func (api *RestAPI) etaHandler(w http.ResponseWriter, r *http.Request) {
	busID := r.PathValue("bus_id")
	if err := utils.ValidateID(busID); err != nil {
		api.fieldError(w, r, "bus_id", err.Error())
		return
	}

	result, err := api.ETA.Compute(r.Context(), busID)
	if err != nil {
		var ve *eta.ValidationError
		switch {
		case errors.Is(err, eta.ErrBusNotFound):
			api.sendNotFound(w, r, "Bus not found")
		case errors.Is(err, eta.ErrRouteNotFound):
			api.sendNotFound(w, r, "Route not found")
		case errors.As(err, &ve):
			api.fieldError(w, r, ve.Field, ve.Message)
		case errors.Is(err, eta.ErrConcurrentUpdate):
			api.sendConflict(w, r, err.Error())
		default:
			api.serverErrorResponse(w, r, err)
		}
		return
	}

	api.sendOK(w, r, result.Response())
}
