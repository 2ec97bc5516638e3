package shortlinker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/cache"
	"github.com/shortlinker/shortlinker/pkg/click"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/ipc"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/maintenance"
	"github.com/shortlinker/shortlinker/pkg/maxprocs"
	"github.com/shortlinker/shortlinker/pkg/otel"
	"github.com/shortlinker/shortlinker/pkg/pidfile"
	"github.com/shortlinker/shortlinker/pkg/prometheus"
	"github.com/shortlinker/shortlinker/pkg/reload"
	"github.com/shortlinker/shortlinker/pkg/server"
)

// ErrDatabaseURLRequired is returned if --storage-backend selects a
// server database but no --database-url was given.
var ErrDatabaseURLRequired = errors.New("--database-url is required when the storage backend is not sqlite")

// httpDrainTimeout bounds the graceful drain of in-flight HTTP requests
// during shutdown.
const httpDrainTimeout = 30 * time.Second

func serveCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "run the shortener daemon: HTTP server, control socket and scheduled jobs",
		Action:  serveAction(registerShutdown),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address (hostname:port) of the HTTP server",
				Sources: flagSources("server.addr", "SHORTLINKER_LISTEN_ADDR"),
				Value:   ":8080",
			},
			&cli.BoolFlag{
				Name:    "log-requests",
				Usage:   "Log every HTTP request with its status, timing and size",
				Sources: flagSources("server.log-requests", "SHORTLINKER_LOG_REQUESTS"),
				Value:   true,
			},
			&cli.IntFlag{
				Name:    "db-max-open-conns",
				Usage:   "Maximum number of open database connections (0 = use database-specific defaults)",
				Sources: flagSources("database.pool.max-open-conns", "DB_MAX_OPEN_CONNS"),
			},
			&cli.IntFlag{
				Name:    "db-max-idle-conns",
				Usage:   "Maximum number of idle database connections (0 = use database-specific defaults)",
				Sources: flagSources("database.pool.max-idle-conns", "DB_MAX_IDLE_CONNS"),
			},
			&cli.DurationFlag{
				Name:    "db-conn-max-lifetime",
				Usage:   "Maximum amount of time a database connection may be reused (0 = use database-specific defaults)",
				Sources: flagSources("database.pool.conn-max-lifetime", "DB_CONN_MAX_LIFETIME"),
			},
		},
	}
}

//nolint:cyclop
func serveAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

		ctx = logger.WithContext(ctx)

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		var (
			db     *database.DB
			sched  *maintenance.Scheduler
			pf     *pidfile.File
			ipcSrv *ipc.Server
		)

		var (
			shutdownOnce sync.Once
			waitErr      error
		)

		// shutdown tears the daemon down in dependency order: stop taking
		// new work, wait for the workers (HTTP drain, final click flush),
		// then release storage and the pid file.
		shutdown := func() {
			shutdownOnce.Do(func() {
				cancel()

				if ipcSrv != nil {
					if err := ipcSrv.Close(); err != nil {
						logger.Error().Err(err).Msg("error closing the control socket")
					}
				}

				if sched != nil {
					sched.Stop()
				}

				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("error returned from g.Wait()")

					waitErr = err
				}

				if db != nil {
					if err := db.Close(); err != nil {
						logger.Error().Err(err).Msg("error closing the database")
					}
				}

				if pf != nil {
					if err := pf.Release(); err != nil {
						logger.Error().Err(err).Msg("error releasing the pid file")
					}
				}
			})
		}

		defer shutdown()

		g.Go(func() error {
			if err := maxprocs.AutoMaxProcs(ctx, 30*time.Second, logger); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})

		dataPath := cmd.Root().String("data-path")
		if err := os.MkdirAll(dataPath, 0o700); err != nil {
			return fmt.Errorf("error creating the data path %q: %w", dataPath, err)
		}

		dbURL, err := resolveDatabaseURL(cmd, dataPath)
		if err != nil {
			return err
		}

		db, err = database.Open(dbURL, poolConfigFromFlags(cmd))
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error opening the database")

			return err
		}

		if err := db.CreateTables(ctx); err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating the database tables")

			return err
		}

		clock := clockwork.NewRealClock()

		store := config.NewStore(db, dataPath)

		if err := store.EnsureDefaults(ctx); err != nil {
			logger.
				Error().
				Err(err).
				Msg("error seeding the configuration defaults")

			return err
		}

		if err := store.SyncMetadata(ctx); err != nil {
			logger.
				Error().
				Err(err).
				Msg("error syncing the configuration metadata")

			return err
		}

		rt, err := store.LoadRuntime(ctx)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error loading the runtime configuration")

			return err
		}

		handle := config.NewHandle(rt)

		otelResource, err := otel.NewResource(
			ctx,
			cmd.Root().Name,
			Version,
			semconv.SchemaURL,
			attribute.String("shortlinker.db_type", db.Type().String()),
			attribute.String("shortlinker.instance_id", rt.InstanceID),
		)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating a new otel resource")

			return err
		}

		otelShutdown, err := otel.SetupOTelSDK(
			ctx,
			cmd.Root().Bool("otel-enabled"),
			cmd.Root().String("otel-grpc-url"),
			otelResource,
		)
		if err != nil {
			return err
		}

		registerShutdown("open telemetry", otelShutdown)

		var metricsHandler http.Handler

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, promShutdown, err := prometheus.SetupPrometheusMetrics(otelResource)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			registerShutdown("prometheus", promShutdown)

			metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})

			logger.
				Info().
				Msg("Prometheus metrics enabled at /metrics")
		}

		codes, err := db.LoadAllCodes(ctx)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error loading the link codes")

			return err
		}

		c := cache.New(reload.CacheConfig(rt, len(codes)), clock)
		c.LoadCodes(codes)

		recent, err := db.RecentLinks(ctx, reload.DefaultWarmCount)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error loading the recently created links")

			return err
		}

		c.WarmLinks(recent)

		logger.
			Info().
			Int("codes", len(codes)).
			Int("warmed", len(recent)).
			Msg("cache layers loaded")

		buffer := click.NewBuffer(rt.DetailBuffer)
		links := link.New(db, c, reload.LinkSettings(handle), clock)
		coordinator := reload.New(db, store, handle, c, clock)
		backupRunner := backup.NewRunner(links, handle, clock)

		flusher := click.NewFlusher(buffer, db, reload.FlushSettings(handle), clock)

		g.Go(func() error { return flusher.Run(ctx) })

		sched = maintenance.New(maintenance.Config{
			DB:     db,
			Backup: backupRunner,
			Handle: handle,
			Clock:  clock,
		})

		if err := sched.Register(ctx); err != nil {
			logger.
				Error().
				Err(err).
				Msg("error registering the cron jobs")

			return err
		}

		sched.Start(ctx)

		pf, err = pidfile.Acquire(dataPath)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error acquiring the pid file")

			return err
		}

		ipcSrv = ipc.New(ipc.Config{
			DataPath: dataPath,
			Links:    links,
			Store:    store,
			Handle:   handle,
			Reloader: coordinator,
			Backup:   backupRunner,
			Clock:    clock,
			Version:  Version,
			Shutdown: cancel,
		})

		if err := ipcSrv.Listen(); err != nil {
			logger.
				Error().
				Err(err).
				Msg("error binding the control socket")

			return err
		}

		g.Go(func() error { return ipcSrv.Serve(ctx) })

		notifyReloadSignals(ctx, g, coordinator)

		srv := server.New(server.Config{
			DB:          db,
			Links:       links,
			Cache:       c,
			Buffer:      buffer,
			Handle:      handle,
			Store:       store,
			Reloader:    coordinator,
			Backup:      backupRunner,
			Metrics:     metricsHandler,
			LogRequests: cmd.Bool("log-requests"),
			Clock:       clock,
			Version:     Version,
		})

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("listen-addr"),
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), httpDrainTimeout)
			defer drainCancel()

			if err := httpServer.Shutdown(drainCtx); err != nil {
				return fmt.Errorf("error draining the HTTP server: %w", err)
			}

			return nil
		})

		logger.
			Info().
			Str("listen_addr", cmd.String("listen-addr")).
			Str("instance_id", rt.InstanceID).
			Msg("Server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdown()

			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		shutdown()

		return waitErr
	}
}

// resolveDatabaseURL picks the database for the daemon. An explicit URL
// wins; otherwise the storage backend decides, with SQLite living under
// the data path.
func resolveDatabaseURL(cmd *cli.Command, dataPath string) (string, error) {
	if dbURL := cmd.Root().String("database-url"); dbURL != "" {
		return dbURL, nil
	}

	dbType, err := database.DetectFromBackendName(cmd.Root().String("storage-backend"))
	if err != nil {
		return "", err
	}

	if dbType != database.TypeSQLite {
		return "", ErrDatabaseURLRequired
	}

	return "sqlite:" + filepath.Join(dataPath, "shortlinker.db"), nil
}

func poolConfigFromFlags(cmd *cli.Command) *database.PoolConfig {
	maxOpen := cmd.Int("db-max-open-conns")

	maxIdle := cmd.Int("db-max-idle-conns")

	lifetime := cmd.Duration("db-conn-max-lifetime")
	if maxOpen > 0 || maxIdle > 0 || lifetime > 0 {
		return &database.PoolConfig{
			MaxOpenConns:    maxOpen,
			MaxIdleConns:    maxIdle,
			ConnMaxLifetime: lifetime,
		}
	}

	return nil
}
