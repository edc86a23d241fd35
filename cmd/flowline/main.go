package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/nstojkov/flowline/internal/cli"
	internal_http "github.com/nstojkov/flowline/internal/http"
	"github.com/nstojkov/flowline/internal/log"
	internal_storage "github.com/nstojkov/flowline/internal/storage"
	"github.com/nstojkov/flowline/pkg/engine"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/queue"
	"github.com/nstojkov/flowline/pkg/scheduler"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "flowline"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowline server: queue worker, scheduler, and HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file found: %v", err)
		}

		dbConnStr, _ := cmd.Flags().GetString("db")
		if dbConnStr == "" {
			dbConnStr = os.Getenv("DATABASE_URL")
		}
		if dbConnStr == "" {
			fmt.Fprintln(os.Stderr, "Error: --db flag or DATABASE_URL required")
			os.Exit(1)
		}
		port, _ := cmd.Flags().GetString("port")

		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		logger := log.GetLogger()
		ctx := context.Background()

		// Broker reachability decides the queue mode once, at startup.
		var broker queue.Broker
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			broker = queue.NewRedisBroker(addr, logger)
		}
		q := queue.New(ctx, store, broker, logger, queue.DefaultConfig())

		eng := engine.New(store, logger, engine.LogNotifier{Logger: logger}, engine.DefaultConfig())
		if err := engine.RegisterBuiltins(eng, store); err != nil {
			logger.Errorf("Failed to register step handlers: %v", err)
			os.Exit(1)
		}

		// Jobs drive workflow steps; a non-terminal workflow is re-enqueued
		// so the next step runs under the same queue guarantees. A paused
		// workflow's locked_at is its re-run-not-before marker, so the
		// follow-up job is due no earlier than that.
		q.RegisterWorker(func(ctx context.Context, job models.Job) error {
			wf, err := eng.Run(ctx, job.WorkflowID)
			if err != nil {
				return err
			}
			if !wf.Terminal() {
				next := time.Now()
				if wf.LockedAt != nil && wf.LockedAt.After(next) {
					next = *wf.LockedAt
				}
				if _, err := q.EnqueueAt(ctx, wf.ID, job.Priority, next); err != nil {
					return err
				}
			}
			return nil
		})
		if err := q.Start(ctx); err != nil {
			logger.Errorf("Failed to start job queue: %v", err)
			os.Exit(1)
		}

		sched := scheduler.New(store, q, logger)
		if err := sched.StartAll(ctx); err != nil {
			logger.Errorf("Failed to activate schedules: %v", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()

		srv := internal_http.NewServer(eng, q, sched)
		if err := srv.Start(port); err != nil {
			logger.Errorf("Server stopped: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	serveCmd.Flags().String("port", "8080", "HTTP port")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
