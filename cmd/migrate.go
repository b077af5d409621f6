package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-account-notifications/migrations"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	Run:       runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, args []string) {
	cfg, logger := mustLoad(false)

	db, err := openMySQL(context.Background(), cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	switch args[0] {
	case "up":
		err = migrations.Up(db)
	case "down":
		err = migrations.Down(db)
	}
	if err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
	logger.Infof("Migration %s applied", args[0])
}
