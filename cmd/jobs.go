package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-account-notifications/app/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the delay scheduler",
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pending and buried scheduler jobs",
	Args:  cobra.NoArgs,
	Run:   runJobsStats,
}

func init() {
	jobsCmd.AddCommand(jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsStats(cmd *cobra.Command, _ []string) {
	cfg, logger := mustLoad(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	if err := printJobStats(ctx, cmd, scheduler.NewRedisStore(rdb, cfg.SchedulerKey)); err != nil {
		logger.Fatalf("Failed to read scheduler state: %v", err)
	}
}

func printJobStats(ctx context.Context, cmd *cobra.Command, store *scheduler.RedisStore) error {
	pending, err := store.Pending(ctx)
	if err != nil {
		return err
	}
	dead, err := store.Dead(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pending: %d\n", pending)
	fmt.Fprintf(out, "buried: %d\n", len(dead))
	for _, job := range dead {
		fmt.Fprintf(out, "  %s %s attempts=%d error=%q\n", job.ID, job.Type, job.Attempts, job.LastError)
	}
	return nil
}
