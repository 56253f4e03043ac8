// reelctl is the operator CLI: inspect, cancel, requeue, and reap jobs
// against the same stores the services use.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/reelforge/backend/internal/bootstrap"
	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/kernel"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	godotenv.Load()

	var k *kernel.Kernel

	root := &cobra.Command{
		Use:   "reelctl",
		Short: "Operate the ReelForge job pipeline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			k, err = bootstrap.Build(cmd.Context(), cfg, zap.NewNop())
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if k != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				k.Cleanup(ctx)
			}
		},
	}

	jobCmd := &cobra.Command{Use: "job", Short: "Inspect and control jobs"}

	jobCmd.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := k.JobService().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	jobCmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := k.JobService().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("cancelled")
			return nil
		},
	})

	jobCmd.AddCommand(&cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Enqueue a job's start message again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := k.Queue().Enqueue(cmd.Context(), broker.Message{JobID: args[0]}, 0); err != nil {
				return err
			}
			fmt.Println("enqueued")
			return nil
		},
	})

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one retention reaper cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return k.Reaper().RunOnce(cmd.Context())
		},
	}

	root.AddCommand(jobCmd, reapCmd)

	if err := root.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
