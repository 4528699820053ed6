package cmd

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/peersync/apicache/pkg/api"
	"github.com/peersync/apicache/pkg/cache"
)

var (
	verbose    bool
	addr       string
	configFile string
	envFile    string
)

// Execute is the entry point to running the sidecar daemon.
func Execute(ctx context.Context, version string) {
	rootCmd := &cobra.Command{
		Use:          "apicached",
		Short:        "Run a local API response cache that shares entries with peer runners over encrypted gossip.",
		Version:      version,
		RunE:         newRunCommand(ctx),
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7788", "address to serve the local HTTP API on")
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "environment file to load before reading APICACHE_* variables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCommand(ctx context.Context) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
		if envFile != "" {
			_ = godotenv.Load(envFile)
		}

		cfg := cache.FromEnv()
		if configFile != "" {
			if err := applyConfigFile(configFile, &cfg); err != nil {
				return err
			}
		}

		c, err := cache.New(cfg, log.StandardLogger())
		if err != nil {
			return err
		}
		if err := c.Start(ctx); err != nil {
			return err
		}

		server, err := api.StartServer(addr, c, log.StandardLogger())
		if err != nil {
			_ = c.Stop()
			return err
		}
		log.Infof("cache API listening on %s", server.ExternalURL())

		<-ctx.Done()
		_ = server.Close()
		return c.Stop()
	}
}
