package reconcile

import (
	"time"

	"github.com/openfroyo/driftwatch/pkg/engine"
	"github.com/openfroyo/driftwatch/pkg/packs"
)

// OperationResult is the outcome of one planned operation.
type OperationResult struct {
	Success    bool                `json:"success"`
	Kind       packs.OperationKind `json:"kind"`
	Item       string              `json:"item"`
	Action     string              `json:"action"`
	Changed    bool                `json:"changed"`
	Error      string              `json:"error,omitempty"`
	Note       string              `json:"note,omitempty"`
	Warning    string              `json:"warning,omitempty"`
	BackupPath string              `json:"backup_path,omitempty"`
	DurationMs int64               `json:"duration_ms"`
}

// Report aggregates the results of one apply or remove run.
type Report struct {
	RunID        string            `json:"run_id"`
	ServerID     string            `json:"server_id"`
	PackName     string            `json:"pack_name"`
	Mode         packs.Mode        `json:"mode"`
	Status       engine.RunStatus  `json:"status"`
	Success      bool              `json:"success"`
	Results      []OperationResult `json:"results"`
	ItemCount    int               `json:"item_count"`
	ChangedCount int               `json:"changed_count"`
	FailedCount  int               `json:"failed_count"`
	StartedAt    time.Time         `json:"started_at"`
	DurationMs   int64             `json:"duration_ms"`
	Aborted      bool              `json:"aborted,omitempty"`
	AbortReason  string            `json:"abort_reason,omitempty"`
}

// Failed returns the results that did not succeed.
func (r *Report) Failed() []OperationResult {
	var failed []OperationResult
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res)
		}
	}
	return failed
}

func (r *Report) finish(started time.Time) {
	r.ItemCount = len(r.Results)
	r.ChangedCount = 0
	r.FailedCount = 0
	for _, res := range r.Results {
		if !res.Success {
			r.FailedCount++
		}
		if res.Changed {
			r.ChangedCount++
		}
	}
	r.Success = r.FailedCount == 0
	r.Status = engine.RunStatusFor(r.ItemCount, r.FailedCount)
	r.DurationMs = time.Since(started).Milliseconds()
}
