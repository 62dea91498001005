package replay

import (
	"errors"
	"fmt"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/diff"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/trial"
)

// ErrIntegrity marks a replay that diverged from its original under identical
// inputs. It is an executor defect, never ordinary drift.
var ErrIntegrity = errors.New("replay integrity failure")

const IntegrityFailureKind = "integrity_failure"

type IntegrityFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Result struct {
	OriginalTrialID string              `json:"originalTrialId"`
	ReplayTrialID   string              `json:"replayTrialId"`
	Diff            models.BehaviorDiff `json:"diff"`
	IsDeterministic bool                `json:"isDeterministic"`
	Integrity       *IntegrityFailure   `json:"integrity,omitempty"`
}

// Err returns ErrIntegrity wrapped with the divergence summary, or nil.
func (r Result) Err() error {
	if r.Integrity == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrIntegrity, r.Integrity.Message)
}

type Verifier struct {
	runner trial.Runner
}

func NewVerifier(runner trial.Runner) *Verifier {
	return &Verifier{runner: runner}
}

// Verify re-runs original with the same agent name, task list and seed and
// checks the two records are behaviorally identical. The diff is for display;
// the verdict compares the raw KPIs and the full ordered step log, so drift
// hidden by rounding or by a repeated action still fails.
func (v *Verifier) Verify(original models.Trial) Result {
	replayed := v.runner.Run(trial.InputFor(original))
	d := diff.Compare(original, replayed)

	res := Result{
		OriginalTrialID: original.TrialID,
		ReplayTrialID:   replayed.TrialID,
		Diff:            d,
		IsDeterministic: d.Empty() && original.KPIs == replayed.KPIs && trial.Equivalent(original, replayed),
	}
	if !res.IsDeterministic {
		res.Integrity = &IntegrityFailure{
			Kind: IntegrityFailureKind,
			Message: fmt.Sprintf("trial %s seed=%d diverged on replay: changed=%d added=%d removed=%d firstStepDiff=%d successRate=%v->%v avgLatencyMs=%v->%v confidence=%d->%d",
				original.TrialID, original.Seed,
				d.Summary.ChangedCount, d.Summary.AddedCount, d.Summary.RemovedCount,
				firstStepDiff(original.StepLog, replayed.StepLog),
				original.KPIs.SuccessRate, replayed.KPIs.SuccessRate,
				original.KPIs.AvgLatencyMs, replayed.KPIs.AvgLatencyMs,
				original.KPIs.ConfidenceScore, replayed.KPIs.ConfidenceScore),
		}
	}
	return res
}

// firstStepDiff returns the 1-based step number where two logs first differ,
// or 0 when they are identical.
func firstStepDiff(a, b []models.Step) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return i + 1
		}
	}
	if len(a) != len(b) {
		return min(len(a), len(b)) + 1
	}
	return 0
}
