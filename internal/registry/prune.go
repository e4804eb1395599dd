package registry

import (
	"context"
	"fmt"

	"memcore/internal/maintenance"
)

// PruneTask trims the registry to the newest Keep versions per tenant and
// then compacts the database.
type PruneTask struct {
	Registry *Registry
	Keep     int
	Cron     string
}

func (t *PruneTask) Name() string { return "registry-prune" }

func (t *PruneTask) Description() string {
	return fmt.Sprintf("Keep the newest %d index versions per tenant", t.Keep)
}

func (t *PruneTask) Schedule() string { return t.Cron }

func (t *PruneTask) Execute(ctx context.Context) maintenance.TaskResult {
	deleted, err := t.Registry.Prune(ctx, t.Keep)
	if err != nil {
		return maintenance.TaskResult{Success: false, Message: "prune failed", Error: err}
	}

	result := maintenance.TaskResult{
		Success:          true,
		RecordsProcessed: int(deleted),
		Message:          fmt.Sprintf("pruned %d version(s)", deleted),
	}
	if deleted == 0 {
		return result
	}

	if _, err := t.Registry.db.ExecContext(ctx, "VACUUM"); err != nil {
		result.Message += ", vacuum failed"
		result.Error = err
		return result
	}
	// PRAGMA optimize is advisory; ignore failures.
	if _, err := t.Registry.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		t.Registry.logger.Printf("[Registry] Warning: PRAGMA optimize failed: %v", err)
	}
	return result
}
