package cli

import (
	"fmt"

	"github.com/harun/bamboo/internal/daemon"
	"github.com/harun/bamboo/internal/logger"
	"github.com/spf13/cobra"
)

var servePretty bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bamboo daemon in the foreground",
	Long: `Run the bamboo daemon in the foreground until SIGINT or SIGTERM.
The HTTP control surface listens on gateway.host:gateway.port.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&servePretty, "pretty", false, "human readable console logs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", loader.GetConfigPath(), err)
	}

	secrets := []string{cfg.Gateway.SharedSecret}
	for _, p := range cfg.AI.Profiles {
		secrets = append(secrets, p.APIKey)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    servePretty || cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Secrets:   secrets,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log,
		daemon.WithConfigWatch(loader),
		daemon.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run(cmd.Context())
}
