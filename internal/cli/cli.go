package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nstojkov/flowline/internal/log"
	internal_storage "github.com/nstojkov/flowline/internal/storage"
	"github.com/nstojkov/flowline/pkg/engine"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create [steps.json]",
		Short: "Create a new workflow from a JSON step list",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			eng := engine.New(store, log.GetLogger(), nil, engine.DefaultConfig())

			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to read steps file: %v\n", err)
				os.Exit(1)
			}
			var steps []models.WorkflowStep
			if err := json.Unmarshal(data, &steps); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to parse steps file: %v\n", err)
				os.Exit(1)
			}
			owner, _ := cmd.Flags().GetString("owner")
			wf, err := eng.CreateWorkflow(steps, nil, owner)
			if err != nil {
				log.GetLogger().Errorf("Failed to create workflow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create workflow: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created workflow %s with %d steps\n", wf.ID, len(wf.Steps))
		},
	}
	createCmd.Flags().String("owner", "", "Owner id recorded on the workflow")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			eng := engine.New(store, log.GetLogger(), nil, engine.DefaultConfig())
			workflows, err := eng.ListWorkflows()
			if err != nil {
				log.GetLogger().Errorf("Failed to list workflows: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list workflows: %v\n", err)
				os.Exit(1)
			}
			if len(workflows) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Workflows:\n")
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Step: %d/%d, Created: %s\n",
					wf.ID, wf.Status, wf.CurrentStep, len(wf.Steps), wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	runCmd := &cobra.Command{
		Use:   "run [workflow-id]",
		Short: "Run a workflow's steps until it completes or fails",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			eng := engine.New(store, log.GetLogger(), engine.LogNotifier{Logger: log.GetLogger()}, engine.DefaultConfig())
			if err := engine.RegisterBuiltins(eng, store); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to register handlers: %v\n", err)
				os.Exit(1)
			}
			wf, err := runToCompletion(eng, args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to run workflow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to run workflow: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Workflow %s finished with status '%s'\n", wf.ID, wf.Status)
			if wf.LastError != "" {
				fmt.Fprintf(os.Stdout, "Last error: %s\n", wf.LastError)
			}
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [workflow-id]",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFromFlags(cmd)
			defer store.Close()
			eng := engine.New(store, log.GetLogger(), nil, engine.DefaultConfig())
			if err := eng.DeleteWorkflow(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to delete workflow: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Deleted workflow %s\n", args[0])
		},
	}

	rootCmd.AddCommand(createCmd, listCmd, runCmd, deleteCmd)
}

// runToCompletion drives Run until a terminal state, honoring the paused
// workflow's re-run-not-before marker between step attempts.
func runToCompletion(eng *engine.Engine, id string) (models.Workflow, error) {
	ctx := context.Background()
	for {
		wf, err := eng.Run(ctx, id)
		if errors.Is(err, engine.ErrWorkflowLocked) {
			time.Sleep(time.Second)
			continue
		}
		if err != nil {
			return wf, err
		}
		if wf.Terminal() {
			return wf, nil
		}
		if wf.LockedAt != nil {
			if wait := time.Until(*wf.LockedAt); wait > 0 {
				time.Sleep(wait)
			}
		}
	}
}

func storeFromFlags(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
