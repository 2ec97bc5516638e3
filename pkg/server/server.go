// Package server implements the HTTP surface: the public redirect
// routes and the admin API mounted under the configured prefix.
package server

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	otelchimetric "github.com/riandyrn/otelchi/metric"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/cache"
	"github.com/shortlinker/shortlinker/pkg/click"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/reload"
	zstdpool "github.com/shortlinker/shortlinker/pkg/zstd"
)

const (
	routeIndex    = "/"
	routeRobots   = "/robots.txt"
	routeMetrics  = "/metrics"
	routeRedirect = "/{code:[A-Za-z0-9]+}"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"
	contentTypeCSV  = "text/csv"
	contentTypeHTML = "text/html; charset=utf-8"

	cacheControl        = "Cache-Control"
	cacheControlNoStore = "no-cache, no-store, max-age=0"
	cacheControlMiss    = "public, max-age=60"

	robotsBody = "User-agent: *\nDisallow: /\n"

	// redirectTimeout bounds the whole resolve path of one redirect.
	redirectTimeout = time.Second

	// compressionLevel is the level handed to the admin response encoders.
	compressionLevel = 5

	tracerName = "github.com/shortlinker/shortlinker/pkg/server"
)

// Config carries the server's dependencies. DB, Links, Buffer, Handle
// and Store are required; the rest are optional.
type Config struct {
	DB     *database.DB
	Links  *link.Service
	Cache  *cache.Cache
	Buffer *click.Buffer
	Handle *config.Handle
	Store  *config.Store

	// Reloader serves POST reload; nil turns the endpoint into a 503.
	Reloader *reload.Coordinator

	// Backup serves POST backup; nil turns the endpoint into a 503.
	Backup *backup.Runner

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler

	// LogRequests enables the per-request access log.
	LogRequests bool

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Version is reported by the health endpoint.
	Version string
}

// Server represents the main HTTP server.
type Server struct {
	db     *database.DB
	links  *link.Service
	cache  *cache.Cache
	buffer *click.Buffer
	handle *config.Handle
	store  *config.Store

	reloader *reload.Coordinator
	backup   *backup.Runner

	logRequests bool

	clock     clockwork.Clock
	version   string
	startedAt time.Time

	authCache *authCache

	router *chi.Mux

	tracer trace.Tracer
}

// New returns a new server routing for the admin prefix active at
// construction time. The prefix needs a restart to move.
func New(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Server{
		db:          cfg.DB,
		links:       cfg.Links,
		cache:       cfg.Cache,
		buffer:      cfg.Buffer,
		handle:      cfg.Handle,
		store:       cfg.Store,
		reloader:    cfg.Reloader,
		backup:      cfg.Backup,
		logRequests: cfg.LogRequests,
		clock:       clock,
		version:     cfg.Version,
		startedAt:   clock.Now(),
		authCache:   newAuthCache(),
		tracer:      otel.Tracer(tracerName),
	}

	s.createRouter(cfg.Metrics)

	return s
}

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter(metrics http.Handler) {
	s.router = chi.NewRouter()

	mp := otel.GetMeterProvider()
	baseCfg := otelchimetric.NewBaseConfig(tracerName, otelchimetric.WithMeterProvider(mp))

	s.router.Use(middleware.Heartbeat("/healthz"))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)
	if s.logRequests {
		s.router.Use(requestLogger)
	}

	s.router.Get(routeIndex, s.getIndex)
	s.router.Get(routeRobots, s.getRobots)

	if metrics != nil {
		s.router.Handle(routeMetrics, metrics)
	}

	s.router.Route(s.handle.Load().AdminPrefix, func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Use(adminCompressor().Handler)

		r.Get("/links", s.listLinks)
		r.Post("/links", s.createLink)
		r.Get("/links/export", s.exportLinks)
		r.Post("/links/import", s.importLinks)
		r.Post("/links/batch_delete", s.batchDeleteLinks)
		r.Get("/links/{code}", s.getLink)
		r.Put("/links/{code}", s.updateLink)
		r.Delete("/links/{code}", s.deleteLink)

		r.Get("/stats", s.getStats)

		r.Get("/analytics/trends", s.getTrends)
		r.Get("/analytics/top", s.getTop)
		r.Get("/analytics/summary", s.getSummary)

		r.Get("/config", s.listConfig)
		r.Get("/config/{key}", s.getConfig)
		r.Put("/config/{key}", s.setConfig)
		r.Delete("/config/{key}", s.resetConfig)
		r.Get("/config/{key}/history", s.getConfigHistory)

		r.Post("/reload", s.postReload)
		r.Post("/backup", s.postBackup)

		r.Get("/health", s.getHealth)
	})

	s.router.Get(routeRedirect, s.getRedirect(true))
	s.router.Head(routeRedirect, s.getRedirect(false))
	s.router.Post(routeRedirect, s.postUnlock)
}

// adminCompressor compresses admin responses with the klauspost
// encoders. Redirects are never compressed; they have no body worth it.
func adminCompressor() *middleware.Compressor {
	compressor := middleware.NewCompressor(compressionLevel, contentTypeJSON, contentTypeCSV)

	compressor.SetEncoder("gzip", func(w io.Writer, level int) io.Writer {
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil
		}

		return gw
	})

	compressor.SetEncoder("zstd", func(w io.Writer, _ int) io.Writer {
		return zstdpool.NewPooledWriter(w)
	})

	return compressor
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.RequestURI).
			Str("from", r.RemoteAddr).
			Logger()

		if span.SpanContext().HasTraceID() {
			log = log.
				With().
				Str("trace-id", span.SpanContext().TraceID().String()).
				Logger()
		}

		if span.SpanContext().HasSpanID() {
			log = log.
				With().
				Str("span-id", span.SpanContext().SpanID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log = log.With().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Logger()

			switch r.Method {
			case http.MethodHead, http.MethodGet:
				log = log.With().Int("bytes", ww.BytesWritten()).Logger()
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				log = log.With().Int64("bytes", r.ContentLength).Logger()
			}

			log.Info().Msg("handled request")
		}()

		// embed the modified logger in the request.
		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

// getIndex redirects to the configured default URL. An unconfigured
// default answers 404 so the root never leaks where the service lives.
func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(
		r.Context(),
		"getIndex",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	w.Header().Set(cacheControl, cacheControlNoStore)

	target := s.handle.Load().DefaultURL
	if target == "" {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)

		return
	}

	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (s *Server) getRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(contentType, "text/plain; charset=utf-8")

	if _, err := w.Write([]byte(robotsBody)); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}
