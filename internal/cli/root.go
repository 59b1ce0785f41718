package cli

import (
	"github.com/spf13/cobra"

	"netcapture/internal/infrastructure/config"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "netcapture",
		Short: "NetCapture - local HTTP/HTTPS interception proxy",
		Long: `NetCapture captures HTTP and HTTPS exchanges made by processes on this machine.

Point applications at the explicit proxy, or let the transparent redirector
steer selected processes to it, then inspect captures through the control API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.ConfigPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&g.DataDir, "data-dir", "", "Application data directory (certificates, archive)")
	pf.StringVar(&g.LogLevel, "log-level", "", "Log level: debug, info, warn, error, disabled")

	cmd.AddCommand(NewServeCommand(g))
	cmd.AddCommand(NewCACommand(g))
	cmd.AddCommand(NewVersionCommand())
	return cmd
}

// load layers the persistent flags over config.Load.
func (g *globalOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = g.DataDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.LogLevel
	}
	return cfg, cfg.Validate()
}
