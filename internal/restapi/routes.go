package restapi

import (
	"net/http"
)

type handlerFunc func(w http.ResponseWriter, r *http.Request)

func requireAdmin(api *RestAPI, finalHandler handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if api.RequestHasInvalidAdminToken(r) {
			api.sendUnauthorized(w, r)
			return
		}
		finalHandler(w, r)
	})
}

func (api *RestAPI) SetRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/{$}", api.rootHandler)
	mux.HandleFunc("GET /api/health", api.healthHandler)
	mux.HandleFunc("GET /api/routes/search", api.searchRoutesHandler)
	mux.HandleFunc("GET /api/buses/live", api.liveBusesHandler)
	mux.HandleFunc("GET /api/buses/{bus_id}/eta", api.etaHandler)

	mux.HandleFunc("POST /api/admin/login", api.adminLoginHandler)

	mux.Handle("GET /api/admin/routes", requireAdmin(api, api.listRoutesHandler))
	mux.Handle("POST /api/admin/routes", requireAdmin(api, api.createRouteHandler))
	mux.Handle("GET /api/admin/routes/{id}", requireAdmin(api, api.getRouteHandler))
	mux.Handle("PUT /api/admin/routes/{id}", requireAdmin(api, api.updateRouteHandler))
	mux.Handle("DELETE /api/admin/routes/{id}", requireAdmin(api, api.deleteRouteHandler))

	mux.Handle("GET /api/admin/buses", requireAdmin(api, api.listBusesHandler))
	mux.Handle("POST /api/admin/buses", requireAdmin(api, api.createBusHandler))
	mux.Handle("POST /api/admin/buses/update", requireAdmin(api, api.busLocationHandler))
	mux.Handle("GET /api/admin/buses/{bus_id}", requireAdmin(api, api.getBusHandler))
	mux.Handle("PUT /api/admin/buses/{bus_id}", requireAdmin(api, api.updateBusHandler))
	mux.Handle("DELETE /api/admin/buses/{bus_id}", requireAdmin(api, api.deleteBusHandler))
}
