package trial

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

const (
	baseLatencyMs   = 120
	latencySpreadMs = 280
	failureCutoff   = 0.15
)

// Input is everything a trial depends on. AgentID and Mode are carried into the
// record but do not influence the step log or KPIs.
type Input struct {
	AgentID   string
	AgentName string
	TaskList  []string
	Seed      int64
	Mode      models.TrialMode
}

// Runner produces a trial record for an input.
type Runner interface {
	Run(in Input) models.Trial
}

// Executor is the deterministic simulated task executor. For a fixed
// (AgentName, TaskList, Seed) it always yields the same step log and KPIs.
type Executor struct {
	// Now stamps CreatedAt and TrialID; defaults to time.Now.
	Now func() time.Time
}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Run(in Input) models.Trial {
	now := time.Now
	if e != nil && e.Now != nil {
		now = e.Now
	}
	createdAt := now().UTC()
	if in.Mode == "" {
		in.Mode = models.ModeShadow
	}

	rng := newSource(in.Seed)
	steps := make([]models.Step, 0, len(in.TaskList))
	successes := 0
	totalLatency := 0
	for i, task := range in.TaskList {
		latency := baseLatencyMs + int(math.Floor(rng.Float64()*latencySpreadMs))
		outcome := models.OutcomeFail
		notes := "simulated failure"
		if rng.Float64() > failureCutoff {
			outcome = models.OutcomeSuccess
			notes = "simulated success"
			successes++
		}
		totalLatency += latency
		steps = append(steps, models.Step{
			Step:      i + 1,
			Action:    task,
			Outcome:   outcome,
			LatencyMs: latency,
			Notes:     notes,
		})
	}

	kpis := models.KPIs{}
	if n := len(in.TaskList); n > 0 {
		kpis.SuccessRate = float64(successes) / float64(n)
		kpis.AvgLatencyMs = float64(totalLatency) / float64(n)
	}
	kpis.ConfidenceScore = int(math.Round(70 + kpis.SuccessRate*25 + rng.Float64()*5))

	return models.Trial{
		TrialID:   NewTrialID(in.Seed, createdAt),
		AgentID:   in.AgentID,
		AgentName: in.AgentName,
		Mode:      in.Mode,
		Seed:      in.Seed,
		TaskList:  append([]string(nil), in.TaskList...),
		StepLog:   steps,
		KPIs:      kpis,
		CreatedAt: createdAt,
	}
}

// newSource seeds a PCG generator from the trial seed. The stream depends on
// nothing but the seed, which is what makes replays exact.
func newSource(seed int64) *rand.Rand {
	s := uint64(seed)
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

func NewTrialID(seed int64, createdAt time.Time) string {
	return fmt.Sprintf("trial_%d_%d", seed, createdAt.UnixNano())
}

// InputFor rebuilds the executor input a stored trial was produced from.
func InputFor(t models.Trial) Input {
	return Input{
		AgentID:   t.AgentID,
		AgentName: t.AgentName,
		TaskList:  append([]string(nil), t.TaskList...),
		Seed:      t.Seed,
		Mode:      t.Mode,
	}
}

// Equivalent compares two trials on everything except TrialID and CreatedAt.
func Equivalent(a, b models.Trial) bool {
	if a.AgentName != b.AgentName || a.Seed != b.Seed || a.KPIs != b.KPIs {
		return false
	}
	if len(a.TaskList) != len(b.TaskList) || len(a.StepLog) != len(b.StepLog) {
		return false
	}
	for i := range a.TaskList {
		if a.TaskList[i] != b.TaskList[i] {
			return false
		}
	}
	for i := range a.StepLog {
		if a.StepLog[i] != b.StepLog[i] {
			return false
		}
	}
	return true
}
