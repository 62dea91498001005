// Command trial-replay runs a seeded trial offline, or verifies a stored trial
// record, and prints the replay result as JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/replay"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/trial"
)

func main() {
	trialFile := flag.String("trial", "", "Stored trial JSON to verify (skips running a fresh trial)")
	agentName := flag.String("agent", "agent", "Agent name")
	tasks := flag.String("tasks", "", "Comma-separated task list")
	seed := flag.Int64("seed", 1, "Trial seed")
	flag.Parse()

	original, err := loadOrRun(*trialFile, *agentName, *tasks, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	res := replay.NewVerifier(trial.NewExecutor()).Verify(original)
	out, err := json.MarshalIndent(map[string]interface{}{"trial": original, "replay": res}, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling result: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(out))

	if err := res.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func loadOrRun(path, agentName, tasks string, seed int64) (models.Trial, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return models.Trial{}, err
		}
		var t models.Trial
		if err := json.Unmarshal(raw, &t); err != nil {
			return models.Trial{}, fmt.Errorf("decode %s: %w", path, err)
		}
		return t, nil
	}
	var list []string
	for _, task := range strings.Split(tasks, ",") {
		if task = strings.TrimSpace(task); task != "" {
			list = append(list, task)
		}
	}
	if len(list) == 0 {
		return models.Trial{}, fmt.Errorf("-tasks or -trial required")
	}
	return trial.NewExecutor().Run(trial.Input{AgentName: agentName, TaskList: list, Seed: seed}), nil
}
