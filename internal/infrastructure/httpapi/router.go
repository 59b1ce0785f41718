package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"netcapture/internal/infrastructure/config"
	obs "netcapture/internal/infrastructure/observability"
	"netcapture/internal/usecase"
)

type Deps struct {
	Cfg     config.Config
	Logger  *zerolog.Logger
	Metrics *obs.Metrics
	Svc     *usecase.CaptureService
	Monitor *MonitorHub
}

// NewRouter builds the control API.
func NewRouter(d *Deps) http.Handler {
	origins := d.Cfg.CORSOrigins()
	if d.Monitor == nil {
		d.Monitor = NewMonitorHub(!d.Cfg.ExposeSensitiveHeaders, origins)
	}
	if d.Metrics == nil {
		d.Metrics = obs.NewMetrics()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	// no configured origin means no cross-origin access at all
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
			MaxAge:         300,
		}))
	}
	r.Use(guardWrites(origins))
	r.Use(d.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, obs.Build())
		})

		r.Route("/proxy", func(r chi.Router) {
			r.Get("/", d.handleProxyStatus)
			r.Post("/start", d.handleProxyStart)
			r.Post("/stop", d.handleProxyStop)
		})

		r.Route("/captures", func(r chi.Router) {
			r.Get("/", d.handleListCaptures)
			r.Delete("/", d.handleClearCaptures)
			r.Get("/har", d.handleExportHAR)
			r.Get("/{id}", d.handleGetCapture)
		})
		r.Get("/archive", d.handleArchive)

		r.Route("/ca", func(r chi.Router) {
			r.Get("/", d.handleCAInfo)
			r.Get("/cert", d.handleCACert)
			r.Get("/instructions", d.handleCAInstructions)
		})

		r.Route("/redirector", func(r chi.Router) {
			r.Get("/", d.handleRedirectorStatus)
			r.Post("/start", d.handleRedirectorStart)
			r.Post("/stop", d.handleRedirectorStop)
			r.Put("/pids", d.handleSetPIDs)
			r.Delete("/pids", d.handleClearPIDs)
			r.Post("/pids/{pid}", d.handleAddPID)
			r.Delete("/pids/{pid}", d.handleRemovePID)
		})

		r.Get("/monitor/ws", d.Monitor.HandleWS)
		r.Get("/monitor/sse", d.Monitor.HandleSSE)
	})
	return r
}

func (d *Deps) accessLog(next http.Handler) http.Handler {
	logger := obs.Component(d.Logger, "api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
