// Command import-gtfs loads routes from a static GTFS feed into the bus store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bustracker.urbantransit.org/busdb"
	"bustracker.urbantransit.org/internal/appconf"
	"bustracker.urbantransit.org/internal/gtfsimport"
	"bustracker.urbantransit.org/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "import-gtfs:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := appconf.LoadFromEnv()
	if err != nil {
		return err
	}

	var source string
	var dryRun bool
	flag.StringVar(&source, "gtfs", "", "Path or URL of a static GTFS zip file")
	flag.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Store driver (sqlite|postgres|mongo)")
	flag.StringVar(&cfg.StoreDSN, "dsn", cfg.StoreDSN, "Store connection string")
	flag.BoolVar(&dryRun, "dry-run", false, "Parse the feed and report routes without writing them")
	flag.Parse()

	if source == "" {
		flag.Usage()
		return fmt.Errorf("-gtfs is required")
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(os.Stdout, level, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	staticData, err := gtfsimport.Load(ctx, source)
	if err != nil {
		return err
	}
	routes := gtfsimport.RoutesFromStatic(staticData)
	logger.Info("parsed GTFS feed",
		"source", source,
		"gtfs_routes", len(staticData.Routes),
		"gtfs_trips", len(staticData.Trips),
		"warnings", len(staticData.Warnings),
		"routes", len(routes))

	if dryRun {
		for _, r := range routes {
			fmt.Printf("%s\t%s\t%d stops\n", r.RouteNumber, r.RouteName, len(r.Stops))
		}
		return nil
	}

	store, err := busdb.Open(ctx, busdb.Config{
		Driver:        cfg.StoreDriver,
		DSN:           cfg.StoreDSN,
		MongoDatabase: cfg.MongoDatabase,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(store, logger, "store")

	stats, err := gtfsimport.Import(ctx, store, routes, logger)
	if err != nil {
		return err
	}
	logger.Info("import finished", "created", stats.Created, "skipped", stats.Skipped)
	return nil
}
