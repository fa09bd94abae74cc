package main

import (
	"fmt"
	"os"

	"github.com/Gthulhu/fleet/app"
	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	configName string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Distributed fleet coordination server",
	Long: `fleet runs the coordination core for a container fleet: discovery,
container registry, agent placement and the encrypted communication hub.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordination API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.InitFleetConfig(configName, configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.InitLogger(cfg.Logging.Level)

		fxApp, err := app.NewRestApp(configName, configPath)
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}
		fxApp.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&configName, "config-name", "fleet_config", "config file name without extension")
	serveCmd.Flags().StringVar(&configPath, "config-path", "", "directory holding the config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
