package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	envFiles []string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "notifications",
	Short:        "Account notifications microservice",
	Long:         "Schedules account notifications, publishes them to RabbitMQ and delivers them by email.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment (default ./.env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides LOG_LEVEL")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "notifications:", err)
		os.Exit(1)
	}
}
