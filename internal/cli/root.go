package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	port       int
	configPath string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	cmd := &cobra.Command{
		Use:   "quiz-master",
		Short: "Host LAN quiz sessions with offline-first sync",
	}

	cmd.PersistentFlags().IntVar(&port, "port", 0, "preferred port to listen on (0 picks one)")
	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.AddCommand(NewHostCmd(&configPath, &port))
	cmd.AddCommand(NewMigrateCmd(&configPath))
	return cmd
}
