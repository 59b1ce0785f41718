package cli

import (
	"crypto/sha256"
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"netcapture/internal/infrastructure/mitm"
)

// NewCACommand creates the ca command group.
func NewCACommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the local root certificate",
	}
	cmd.AddCommand(newCAInitCommand(g), newCAShowCommand(g), newCAInstructionsCommand(g))
	return cmd
}

func newCAInitCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the root certificate if it does not exist yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			ca, err := loadCA(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA certificate: %s\n", ca.CertPath())
			fmt.Fprintf(cmd.OutOrStdout(), "SHA-256: %s\n", fingerprint(ca.Certificate().Raw))
			return nil
		},
	}
}

func newCAShowCommand(g *globalOptions) *cobra.Command {
	var pemOnly bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the root certificate details",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			ca, err := loadCA(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if pemOnly {
				_, err := out.Write(ca.CertPEM())
				return err
			}
			cert := ca.Certificate()
			fmt.Fprintf(out, "Subject:    %s\n", cert.Subject.String())
			fmt.Fprintf(out, "Not before: %s\n", cert.NotBefore.UTC().Format("2006-01-02"))
			fmt.Fprintf(out, "Not after:  %s\n", cert.NotAfter.UTC().Format("2006-01-02"))
			fmt.Fprintf(out, "SHA-256:    %s\n", fingerprint(cert.Raw))
			fmt.Fprintf(out, "Path:       %s\n", ca.CertPath())
			fmt.Fprintf(out, "Trusted:    %t\n", ca.TrustedBySystem())
			return nil
		},
	}
	cmd.Flags().BoolVar(&pemOnly, "pem", false, "Print only the PEM certificate")
	return cmd
}

func newCAInstructionsCommand(g *globalOptions) *cobra.Command {
	var goos, lang string
	cmd := &cobra.Command{
		Use:   "instructions",
		Short: "Explain how to trust the root certificate on this system",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), mitm.InstallInstructions(goos, lang))
			return nil
		},
	}
	cmd.Flags().StringVar(&goos, "os", runtime.GOOS, "Target operating system (windows, darwin, linux)")
	cmd.Flags().StringVar(&lang, "lang", "en", "Language of the instructions (en, zh)")
	return cmd
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
