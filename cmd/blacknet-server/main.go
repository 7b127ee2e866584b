// Command blacknet-server collects SSH login attempts reported by honeypot
// sensors and stores them in PostgreSQL.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blacknet-honeypot/blacknet/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "blacknet-server",
	Short: "Collect SSH honeypot telemetry from blacknet sensors",
	Long: `blacknet-server accepts TLS connections from honeypot sensors (and
plain connections on a local unix socket), and records every reported
login attempt with its attacker, session and public key.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("configuration file (default $%s or %s)", config.EnvConfig, config.DefaultPath))
	rootCmd.AddCommand(serveCmd, checkConfigCmd, certsCmd)
}

func loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
