package cli

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/rs/zerolog"

	"netcapture/internal/adapters/storage/memory"
	"netcapture/internal/adapters/storage/sqlite"
	"netcapture/internal/domain"
	"netcapture/internal/infrastructure/config"
	"netcapture/internal/infrastructure/httpapi"
	"netcapture/internal/infrastructure/mitm"
	obs "netcapture/internal/infrastructure/observability"
	"netcapture/internal/infrastructure/proxy"
	"netcapture/internal/infrastructure/redirector"
	"netcapture/internal/usecase"
)

// app is the fully wired process: store, archive, CA, proxy handler, redirector
// factory and control API around one CaptureService.
type app struct {
	cfg       config.Config
	logger    *zerolog.Logger
	metrics   *obs.Metrics
	ca        *mitm.CaManager
	store     *memory.Store
	archive   *sqlite.Archive
	hub       *httpapi.MonitorHub
	svc       *usecase.CaptureService
	publisher *proxy.Publisher
	api       *httpapi.Deps
}

// meteredEvents counts redirected connections on their way to the monitor hub.
type meteredEvents struct {
	next    usecase.EventSink
	metrics *obs.Metrics
}

func (m meteredEvents) Broadcast(ev domain.LiveEvent) {
	if ev.Type == domain.EventConnectionRedirected {
		m.metrics.RedirectedTotal.Inc()
	}
	m.next.Broadcast(ev)
}

func loadCA(cfg config.Config) (*mitm.CaManager, error) {
	if cfg.CACertFile != "" && cfg.CAKeyFile != "" {
		return mitm.LoadFiles(cfg.CACertFile, cfg.CAKeyFile)
	}
	return mitm.New(cfg.DataDir)
}

func newApp(cfg config.Config, logger *zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: obs.NewMetrics()}

	ca, err := loadCA(cfg)
	if err != nil {
		return nil, err
	}
	a.ca = ca

	a.store, err = memory.NewStore(cfg.StoreCapacity, func(string) { a.metrics.EvictionsTotal.Inc() })
	if err != nil {
		return nil, err
	}

	opts := usecase.Options{
		Store:        a.store,
		CA:           ca,
		Instructions: mitm.InstallInstructions,
		DefaultPort:  cfg.ProxyPort,
	}
	if cfg.ArchivePath != "" {
		path := cfg.ArchivePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		if a.archive, err = sqlite.New(path); err != nil {
			return nil, err
		}
		opts.Archive = a.archive
		entries, err := a.archive.Count(context.Background())
		if err != nil {
			_ = a.archive.Close()
			return nil, err
		}
		logger.Info().Str("path", path).Int("entries", entries).Msg("capture archive enabled")
	}

	a.hub = httpapi.NewMonitorHub(!cfg.ExposeSensitiveHeaders, cfg.CORSOrigins())
	opts.Events = meteredEvents{next: a.hub, metrics: a.metrics}

	pids := redirector.NewPIDSet()
	tracker := redirector.NewTracker()
	opts.PIDs = pids

	a.publisher = proxy.NewPublisher(cfg.CaptureQueueSize, cfg.CaptureEnqueueTimeout, a.record, logger, a.metrics)
	handler := proxy.NewHandler(proxy.HandlerOptions{
		Signer:       ca,
		CAChain:      ca.CertPEM(),
		Sink:         a.publisher,
		Destinations: tracker,
		Intercept:    mitm.Policy{AllowSuffix: cfg.MITMDomainsAllow, DenySuffix: cfg.MITMDomainsDeny}.ShouldIntercept,
		Upstream:     proxy.UpstreamOptions{Timeout: cfg.UpstreamTimeout, InsecureTLS: cfg.InsecureTLS},
		Logger:       logger,
		Metrics:      a.metrics,
	})
	opts.NewProxy = func(port int) usecase.ProxyServer {
		return proxy.NewServer(port, handler, logger)
	}
	opts.NewRedirector = func(proxyPort uint16) usecase.Redirector {
		return redirector.New(redirector.Config{ProxyPort: proxyPort}, pids, tracker, logger)
	}

	a.svc = usecase.NewCaptureService(opts)
	a.api = &httpapi.Deps{Cfg: cfg, Logger: logger, Metrics: a.metrics, Svc: a.svc, Monitor: a.hub}
	return a, nil
}

// record is the publisher's sink: the single writer into the store.
func (a *app) record(ctx context.Context, r domain.CapturedRequest) {
	if err := a.svc.Record(ctx, r); err != nil {
		a.logger.Warn().Err(err).Str("id", r.ID).Msg("record capture")
	}
	a.metrics.StoreEntries.Set(float64(a.store.Len()))
}

// close stops the proxy and redirector, flushes pending captures and closes the archive.
func (a *app) close(ctx context.Context) error {
	err := a.svc.Close(ctx)
	a.publisher.Close()
	if a.archive != nil {
		err = errors.Join(err, a.archive.Close())
	}
	return err
}
