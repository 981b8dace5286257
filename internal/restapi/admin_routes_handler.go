package restapi

import (
	"errors"
	"net/http"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/models"
	"bustracker.urbantransit.org/internal/utils"
)

type createRouteRequest struct {
	RouteNumber   string              `json:"route_number"`
	RouteName     string              `json:"route_name"`
	StartingPoint string              `json:"starting_point"`
	EndingPoint   string              `json:"ending_point"`
	Stops         []string            `json:"stops"`
	Coordinates   []models.Coordinate `json:"coordinates"`
}

func (req createRouteRequest) route() models.Route {
	return models.Route{
		RouteNumber:   utils.SanitizeInput(req.RouteNumber),
		RouteName:     utils.SanitizeInput(req.RouteName),
		StartingPoint: utils.SanitizeInput(req.StartingPoint),
		EndingPoint:   utils.SanitizeInput(req.EndingPoint),
		Stops:         sanitizeStops(req.Stops),
		Coordinates:   req.Coordinates,
	}
}

func sanitizeStops(stops []string) []string {
	if stops == nil {
		return nil
	}
	out := make([]string, len(stops))
	for i, s := range stops {
		out[i] = utils.SanitizeInput(s)
	}
	return out
}

func sanitizePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := utils.SanitizeInput(*s)
	return &v
}

// routeValidationError carries field errors out of a store mutate callback.
type routeValidationError map[string][]string

func (e routeValidationError) Error() string { return "route failed validation" }

func (api *RestAPI) routeIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := utils.ValidateID(id); err != nil {
		api.fieldError(w, r, "id", err.Error())
		return "", false
	}
	return id, true
}

func (api *RestAPI) listRoutesHandler(w http.ResponseWriter, r *http.Request) {
	routes, err := api.Store.ListRoutes(r.Context(), adminListLimit)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendOK(w, r, models.NewRouteViews(routes))
}

func (api *RestAPI) getRouteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.routeIDFromPath(w, r)
	if !ok {
		return
	}

	route, err := api.Store.GetRoute(r.Context(), id)
	if errors.Is(err, busdb.ErrNotFound) {
		api.sendNotFound(w, r, "Route not found")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendOK(w, r, models.NewRouteView(route))
}

func (api *RestAPI) createRouteHandler(w http.ResponseWriter, r *http.Request) {
	var req createRouteRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}

	route := req.route()
	if fieldErrors := route.Validate(); len(fieldErrors) > 0 {
		api.validationErrorResponse(w, r, fieldErrors)
		return
	}

	created, err := api.Store.CreateRoute(r.Context(), route)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("route created", "route_id", created.ID, "route_number", created.RouteNumber)
	api.sendJSON(w, r, http.StatusCreated, models.NewRouteView(created))
}

func (api *RestAPI) updateRouteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.routeIDFromPath(w, r)
	if !ok {
		return
	}

	var patch models.RoutePatch
	if !api.decodeJSON(w, r, &patch) {
		return
	}
	patch.RouteNumber = sanitizePtr(patch.RouteNumber)
	patch.RouteName = sanitizePtr(patch.RouteName)
	patch.StartingPoint = sanitizePtr(patch.StartingPoint)
	patch.EndingPoint = sanitizePtr(patch.EndingPoint)
	patch.Stops = sanitizeStops(patch.Stops)

	// The merged document is validated, so a patch that changes only stops
	// must keep the coordinate count in step.
	updated, err := api.Store.UpdateRoute(r.Context(), id, func(route *models.Route) error {
		merged := patch.Apply(*route)
		if fieldErrors := merged.Validate(); len(fieldErrors) > 0 {
			return routeValidationError(fieldErrors)
		}
		*route = merged
		return nil
	})

	var invalid routeValidationError
	switch {
	case err == nil:
		api.sendOK(w, r, models.NewRouteView(updated))
	case errors.Is(err, busdb.ErrNotFound):
		api.sendNotFound(w, r, "Route not found")
	case errors.As(err, &invalid):
		api.validationErrorResponse(w, r, invalid)
	default:
		api.serverErrorResponse(w, r, err)
	}
}

func (api *RestAPI) deleteRouteHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.routeIDFromPath(w, r)
	if !ok {
		return
	}

	removed, err := api.Store.DeleteRoute(r.Context(), id)
	if errors.Is(err, busdb.ErrNotFound) {
		api.sendNotFound(w, r, "Route not found")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("route deleted", "route_id", id, "buses_deleted", removed)
	api.sendOK(w, r, models.DeleteRouteResponse{
		Message:      "Route deleted successfully",
		BusesDeleted: removed,
	})
}
