package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"netcapture/internal/infrastructure/config"
	"netcapture/internal/infrastructure/httpapi"
	obs "netcapture/internal/infrastructure/observability"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds the serve flags; unset flags leave the configuration alone.
type ServeOptions struct {
	Addr        string
	ProxyPort   int
	NoAutostart bool
	Archive     string
	LogFile     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(g *globalOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture proxy and the control API",
		Long: `Run the interception proxy and the control API.

Examples:
  # Proxy on the default port 9527, API on 127.0.0.1:9091
  netcapture serve

  # Different ports, keep a persistent archive of every capture
  netcapture serve --proxy-port 8888 --addr 127.0.0.1:9000 --archive captures.db

  # Start only the API; start the proxy later with POST /api/v1/proxy/start
  netcapture serve --no-autostart
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			cfg = opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Control API listen address")
	cmd.Flags().IntVarP(&opts.ProxyPort, "proxy-port", "p", 0, "Proxy listen port on 127.0.0.1")
	cmd.Flags().BoolVar(&opts.NoAutostart, "no-autostart", false, "Do not start the proxy with the API")
	cmd.Flags().StringVar(&opts.Archive, "archive", "", "SQLite archive file (relative paths live in the data dir)")
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "", "Also write logs to this rotating file")

	return cmd
}

func (o *ServeOptions) apply(cmd *cobra.Command, cfg config.Config) config.Config {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = o.Addr
	}
	if flags.Changed("proxy-port") {
		cfg.ProxyPort = o.ProxyPort
	}
	if flags.Changed("no-autostart") {
		cfg.ProxyAutoStart = !o.NoAutostart
	}
	if flags.Changed("archive") {
		cfg.ArchivePath = o.Archive
	}
	if flags.Changed("log-file") {
		cfg.LogFile = o.LogFile
	}
	return cfg
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := obs.NewLogger(cfg.LogLevel, obs.LogOptions{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB, MaxBackups: cfg.LogMaxBackups})
	b := obs.Build()
	logger.Info().Str("version", b.Version).Str("commit", b.Commit).Str("addr", cfg.Addr).Msg("starting netcapture")

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pubCtx, cancelPub := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPub()
	go a.publisher.Run(pubCtx)

	if cfg.ProxyAutoStart {
		if st, err := a.svc.StartProxy(ctx, cfg.ProxyPort); err != nil {
			logger.Error().Err(err).Int("port", cfg.ProxyPort).Msg("proxy autostart failed")
		} else {
			logger.Info().Int("port", st.Port).Bool("ca_trusted", st.CAInstalled).Msg("proxy listening")
		}
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(a.api),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// live streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("control api: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("capture shutdown error")
	}
	logger.Info().Msg("netcapture stopped")
	return serveErr
}
