package app

import (
	"log/slog"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/appconf"
	"bustracker.urbantransit.org/internal/eta"
	"bustracker.urbantransit.org/internal/metrics"
)

// Application holds the dependencies for our HTTP handlers, helpers,
// and middleware.
type Application struct {
	Config  appconf.Config
	Logger  *slog.Logger
	Store   busdb.Store
	ETA     *eta.Engine
	Metrics *metrics.Collector
	Auth    *AdminAuth
}
