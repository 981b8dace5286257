package restapi

import (
	"net/http"
	"time"

	"bustracker.urbantransit.org/internal/app"
)

// Result caps. Search serves riders; the admin listings serve the dashboard.
const (
	searchResultLimit = 100
	adminListLimit    = 1000
)

type RestAPI struct {
	*app.Application
	rateLimiter *RateLimitMiddleware
	clients     clientIPResolver
}

// NewRestAPI creates a new RestAPI instance with initialized rate limiter
func NewRestAPI(app *app.Application) *RestAPI {
	clients := newClientIPResolver(app.Config.TrustedProxies)
	return &RestAPI{
		Application: app,
		rateLimiter: NewRateLimitMiddleware(app.Config.RateLimit, time.Second, clients, app.Metrics),
		clients:     clients,
	}
}

// Handler returns the routed API wrapped in the middleware chain, outermost
// first: request logging, security headers, CORS, rate limiting, compression.
func (api *RestAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	api.SetRoutes(mux)

	var handler http.Handler = mux
	handler = CompressionMiddleware(handler)
	if api.rateLimiter != nil {
		handler = api.rateLimiter.Handler(handler)
	}
	handler = NewCORSMiddleware(api.Config.CORSOrigins)(handler)
	handler = securityHeaders(handler)
	handler = NewRequestLoggingMiddleware(api.Logger, api.Metrics, api.clients)(handler)
	return handler
}

// Close stops background work owned by the API.
func (api *RestAPI) Close() {
	if api.rateLimiter != nil {
		api.rateLimiter.Stop()
	}
}
