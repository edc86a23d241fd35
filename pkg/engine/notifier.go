package engine

import "context"

// CompletionNotifier is told when a workflow completes. Implementations are
// best-effort collaborators: errors are logged by the engine and never fail
// the workflow.
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, workflowID string, recipients []string) error
}

// NopNotifier discards completion events.
type NopNotifier struct{}

func (NopNotifier) NotifyCompletion(ctx context.Context, workflowID string, recipients []string) error {
	return nil
}

// LogNotifier records completions on the engine logger.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) NotifyCompletion(ctx context.Context, workflowID string, recipients []string) error {
	n.Logger.Infof("Workflow %s completed (notifying %d recipients)", workflowID, len(recipients))
	return nil
}
