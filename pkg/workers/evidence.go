package workers

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/planweave/planweave/pkg/engine"
	"github.com/planweave/planweave/pkg/stores"
)

// EvidenceWorker produces a provenance record: a checksum per input so the
// exact values a plan acted on can be audited later.
type EvidenceWorker struct{}

// NewEvidenceWorker creates an evidence worker.
func NewEvidenceWorker() *EvidenceWorker {
	return &EvidenceWorker{}
}

// Type returns the step type this worker handles.
func (w *EvidenceWorker) Type() engine.StepType {
	return engine.StepTypeEvidence
}

// evidenceEntry records the provenance of one input.
type evidenceEntry struct {
	Input    string `json:"input"`
	Checksum string `json:"checksum"`
	Bytes    int    `json:"bytes"`
}

// evidenceOutput is the artifact payload shape for evidence steps.
type evidenceOutput struct {
	PlanID     string          `json:"plan_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Entries    []evidenceEntry `json:"entries"`
}

// Run checksums every resolved input in deterministic name order.
func (w *EvidenceWorker) Run(ctx context.Context, req engine.WorkRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]evidenceEntry, 0, len(names))
	for _, name := range names {
		encoded, err := json.Marshal(req.Inputs[name])
		if err != nil {
			return nil, err
		}
		entries = append(entries, evidenceEntry{
			Input:    name,
			Checksum: stores.Checksum(encoded),
			Bytes:    len(encoded),
		})
	}

	return json.Marshal(evidenceOutput{
		PlanID:     req.PlanID,
		RecordedAt: time.Now(),
		Entries:    entries,
	})
}
