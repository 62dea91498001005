// Package diff computes behavior diffs between two trial records.
package diff

import (
	"math"
	"sort"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

// Compare diffs trial from against trial to. Rows are keyed by action string;
// when an action repeats inside one step log only its last occurrence counts.
func Compare(from, to models.Trial) models.BehaviorDiff {
	fromIdx := indexActions(from.StepLog)
	toIdx := indexActions(to.StepLog)

	out := models.BehaviorDiff{
		FromTrialID: from.TrialID,
		ToTrialID:   to.TrialID,
		Changed:     []models.ActionDiff{},
		Added:       []models.ActionDiff{},
		Removed:     []models.ActionDiff{},
	}

	flips := 0
	for action, before := range fromIdx {
		after, ok := toIdx[action]
		if !ok {
			out.Removed = append(out.Removed, models.ActionDiff{Action: action, From: snapshot(before)})
			continue
		}
		if before.Outcome == after.Outcome && before.LatencyMs == after.LatencyMs {
			continue
		}
		if before.Outcome != after.Outcome {
			flips++
		}
		out.Changed = append(out.Changed, models.ActionDiff{Action: action, From: snapshot(before), To: snapshot(after)})
	}
	for action, after := range toIdx {
		if _, ok := fromIdx[action]; !ok {
			out.Added = append(out.Added, models.ActionDiff{Action: action, To: snapshot(after)})
		}
	}
	sortRows(out.Changed)
	sortRows(out.Added)
	sortRows(out.Removed)

	out.Summary = models.DiffSummary{
		FromActions:         len(fromIdx),
		ToActions:           len(toIdx),
		ChangedCount:        len(out.Changed),
		OutcomeFlips:        flips,
		AddedCount:          len(out.Added),
		RemovedCount:        len(out.Removed),
		SuccessRateDeltaPct: round2((to.KPIs.SuccessRate - from.KPIs.SuccessRate) * 100),
		LatencyDeltaMs:      round2(to.KPIs.AvgLatencyMs - from.KPIs.AvgLatencyMs),
		ConfidenceDelta:     to.KPIs.ConfidenceScore - from.KPIs.ConfidenceScore,
	}
	return out
}

func indexActions(steps []models.Step) map[string]models.Step {
	idx := make(map[string]models.Step, len(steps))
	for _, s := range steps {
		idx[s.Action] = s
	}
	return idx
}

func snapshot(s models.Step) *models.ActionSnapshot {
	return &models.ActionSnapshot{Outcome: s.Outcome, LatencyMs: s.LatencyMs}
}

func sortRows(rows []models.ActionDiff) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Action < rows[j].Action })
}

func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		// normalize -0
		return 0
	}
	return r
}
