package restapi

import (
	"errors"
	"net/http"
	"time"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/logging"
	"bustracker.urbantransit.org/internal/models"
	"bustracker.urbantransit.org/internal/utils"
)

type createBusRequest struct {
	BusID      string   `json:"bus_id"`
	RouteID    string   `json:"route_id"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	CrowdLevel string   `json:"crowd_level"`
}

type updateBusRequest struct {
	RouteID    *string  `json:"route_id"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	CrowdLevel *string  `json:"crowd_level"`
}

// locationUpdateRequest is the body of POST /api/admin/buses/update.
type locationUpdateRequest struct {
	BusID      string   `json:"bus_id"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	RouteID    string   `json:"route_id"`
	CrowdLevel string   `json:"crowd_level"`
}

// validatePosition requires both coordinates and checks their ranges.
func validatePosition(lat, lon *float64, fieldErrors map[string][]string) map[string][]string {
	if fieldErrors == nil {
		fieldErrors = make(map[string][]string)
	}
	if lat == nil {
		fieldErrors["latitude"] = append(fieldErrors["latitude"], "latitude is required")
	}
	if lon == nil {
		fieldErrors["longitude"] = append(fieldErrors["longitude"], "longitude is required")
	}
	if lat != nil && lon != nil {
		fieldErrors = utils.ValidatePosition(*lat, *lon, "latitude", "longitude", fieldErrors)
	}
	return fieldErrors
}

func parseOptionalCrowd(value string, fieldErrors map[string][]string) models.CrowdLevel {
	if value == "" {
		return ""
	}
	level, err := models.ParseCrowdLevel(value)
	if err != nil {
		fieldErrors["crowd_level"] = append(fieldErrors["crowd_level"], err.Error())
	}
	return level
}

// checkRouteExists adds a field error when routeID names no route. It
// returns a non-nil error only for store failures.
func (api *RestAPI) checkRouteExists(r *http.Request, routeID string, fieldErrors map[string][]string) error {
	if routeID == "" {
		return nil
	}
	if err := utils.ValidateID(routeID); err != nil {
		fieldErrors["route_id"] = append(fieldErrors["route_id"], err.Error())
		return nil
	}
	_, err := api.Store.GetRoute(r.Context(), routeID)
	if errors.Is(err, busdb.ErrNotFound) {
		fieldErrors["route_id"] = append(fieldErrors["route_id"], "route does not exist")
		return nil
	}
	return err
}

// checkBusExists adds a route_id field error when busID is not yet known,
// since a new bus cannot be created without a route.
func (api *RestAPI) checkBusExists(r *http.Request, busID string, fieldErrors map[string][]string) error {
	_, err := api.Store.GetBus(r.Context(), busID)
	if errors.Is(err, busdb.ErrNotFound) {
		fieldErrors["route_id"] = append(fieldErrors["route_id"], "route_id is required for a new bus")
		return nil
	}
	return err
}

func (api *RestAPI) busIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	busID := r.PathValue("bus_id")
	if err := utils.ValidateID(busID); err != nil {
		api.fieldError(w, r, "bus_id", err.Error())
		return "", false
	}
	return busID, true
}

func (api *RestAPI) listBusesHandler(w http.ResponseWriter, r *http.Request) {
	buses, err := api.Store.ListBuses(r.Context(), adminListLimit)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendOK(w, r, models.NewBusViews(buses))
}

func (api *RestAPI) getBusHandler(w http.ResponseWriter, r *http.Request) {
	busID, ok := api.busIDFromPath(w, r)
	if !ok {
		return
	}

	bus, err := api.Store.GetBus(r.Context(), busID)
	if errors.Is(err, busdb.ErrNotFound) {
		api.sendNotFound(w, r, "Bus not found")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendOK(w, r, models.NewBusView(bus))
}

func (api *RestAPI) createBusHandler(w http.ResponseWriter, r *http.Request) {
	var req createBusRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}

	fieldErrors := validatePosition(req.Latitude, req.Longitude, nil)
	if err := utils.ValidateID(req.BusID); err != nil {
		fieldErrors["bus_id"] = append(fieldErrors["bus_id"], err.Error())
	}
	crowd := parseOptionalCrowd(req.CrowdLevel, fieldErrors)
	if req.RouteID == "" {
		fieldErrors["route_id"] = append(fieldErrors["route_id"], "route_id is required")
	} else if err := api.checkRouteExists(r, req.RouteID, fieldErrors); err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	if len(fieldErrors) > 0 {
		api.validationErrorResponse(w, r, fieldErrors)
		return
	}

	created, err := api.Store.CreateBus(r.Context(), models.Bus{
		BusID:      req.BusID,
		RouteID:    req.RouteID,
		Latitude:   *req.Latitude,
		Longitude:  *req.Longitude,
		CrowdLevel: crowd,
	})
	if errors.Is(err, busdb.ErrDuplicate) {
		api.sendConflict(w, r, "Bus with this bus_id already exists")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("bus created", "bus_id", created.BusID, "route_id", created.RouteID)
	api.sendJSON(w, r, http.StatusCreated, models.NewBusView(created))
}

func (api *RestAPI) updateBusHandler(w http.ResponseWriter, r *http.Request) {
	busID, ok := api.busIDFromPath(w, r)
	if !ok {
		return
	}

	var req updateBusRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}

	fieldErrors := make(map[string][]string)
	patch := models.BusPatch{RouteID: req.RouteID, Latitude: req.Latitude, Longitude: req.Longitude}
	if patch.IsEmpty() && req.CrowdLevel == nil {
		api.fieldError(w, r, "body", "at least one of route_id, latitude, longitude, crowd_level is required")
		return
	}
	if req.CrowdLevel != nil {
		level, err := models.ParseCrowdLevel(*req.CrowdLevel)
		if err != nil {
			fieldErrors["crowd_level"] = append(fieldErrors["crowd_level"], err.Error())
		}
		patch.CrowdLevel = &level
	}
	if req.Latitude != nil {
		if err := utils.ValidateLatitude(*req.Latitude); err != nil {
			fieldErrors["latitude"] = append(fieldErrors["latitude"], err.Error())
		}
	}
	if req.Longitude != nil {
		if err := utils.ValidateLongitude(*req.Longitude); err != nil {
			fieldErrors["longitude"] = append(fieldErrors["longitude"], err.Error())
		}
	}
	if req.RouteID != nil && *req.RouteID == "" {
		fieldErrors["route_id"] = append(fieldErrors["route_id"], "route_id cannot be empty")
	} else if req.RouteID != nil {
		if err := api.checkRouteExists(r, *req.RouteID, fieldErrors); err != nil {
			api.serverErrorResponse(w, r, err)
			return
		}
	}
	if len(fieldErrors) > 0 {
		api.validationErrorResponse(w, r, fieldErrors)
		return
	}

	updated, err := api.Store.UpdateBus(r.Context(), busID, func(bus *models.Bus) error {
		*bus = patch.Apply(*bus)
		return nil
	})
	switch {
	case err == nil:
		api.sendOK(w, r, models.NewBusView(updated))
	case errors.Is(err, busdb.ErrNotFound):
		api.sendNotFound(w, r, "Bus not found")
	case errors.Is(err, busdb.ErrConflict):
		api.sendConflict(w, r, "Bus was updated concurrently, retry the request")
	default:
		api.serverErrorResponse(w, r, err)
	}
}

func (api *RestAPI) deleteBusHandler(w http.ResponseWriter, r *http.Request) {
	busID, ok := api.busIDFromPath(w, r)
	if !ok {
		return
	}

	err := api.Store.DeleteBus(r.Context(), busID)
	if errors.Is(err, busdb.ErrNotFound) {
		api.sendNotFound(w, r, "Bus not found")
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendMessage(w, r, "Bus deleted successfully")
}

// busLocationHandler records a position fix, creating the bus on its first
// report. A first report must name the route; later ones may omit it.
func (api *RestAPI) busLocationHandler(w http.ResponseWriter, r *http.Request) {
	var req locationUpdateRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}

	fieldErrors := validatePosition(req.Latitude, req.Longitude, nil)
	idErr := utils.ValidateID(req.BusID)
	if idErr != nil {
		fieldErrors["bus_id"] = append(fieldErrors["bus_id"], idErr.Error())
	}
	crowd := parseOptionalCrowd(req.CrowdLevel, fieldErrors)
	var err error
	switch {
	case req.RouteID != "":
		err = api.checkRouteExists(r, req.RouteID, fieldErrors)
	case idErr == nil:
		err = api.checkBusExists(r, req.BusID, fieldErrors)
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	if len(fieldErrors) > 0 {
		api.Metrics.ObserveLocationUpdate("invalid")
		api.validationErrorResponse(w, r, fieldErrors)
		return
	}

	bus, err := api.Store.UpsertBusLocation(r.Context(), models.LocationReport{
		BusID:      req.BusID,
		Latitude:   *req.Latitude,
		Longitude:  *req.Longitude,
		RouteID:    req.RouteID,
		CrowdLevel: crowd,
		At:         time.Now(),
	})
	if err != nil {
		api.Metrics.ObserveLocationUpdate("error")
		api.serverErrorResponse(w, r, err)
		return
	}

	api.Metrics.ObserveLocationUpdate("ok")
	api.sendOK(w, r, models.NewBusView(bus))
}
