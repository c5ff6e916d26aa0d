package temporal

import (
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/remedy/internal/config"
	"github.com/antigravity-dev/remedy/internal/store"
)

// StartWorker connects to Temporal and starts the remedy task queue worker.
// The store is injected so journal activities can record sessions. Blocks
// until interrupted.
func StartWorker(cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})

	acts, err := NewActivities(cfg, st, logger)
	if err != nil {
		return err
	}

	w.RegisterWorkflow(RemediationWorkflow)

	w.RegisterActivity(acts.RunCheckActivity)
	w.RegisterActivity(acts.ClassifyActivity)
	w.RegisterActivity(acts.ApplyFixActivity)
	w.RegisterActivity(acts.PublishFixActivity)
	w.RegisterActivity(acts.BeginSessionActivity)
	w.RegisterActivity(acts.RecordAttemptActivity)
	w.RegisterActivity(acts.FinishSessionActivity)

	logger.Info("temporal worker started", "task_queue", cfg.Temporal.TaskQueue, "host", cfg.Temporal.HostPort)
	return w.Run(worker.InterruptCh())
}
