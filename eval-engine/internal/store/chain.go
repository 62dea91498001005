package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/canonical"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

// chainBody is the part of an event covered by its hash.
type chainBody struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	AgentID   string          `json:"agentId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

// ComputeHash returns hex(sha256(canonical(body) || prevHashBytes)).
// An empty prevHash contributes nothing.
func ComputeHash(e models.Event, prevHash string) (string, error) {
	body := chainBody{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		AgentID:   e.AgentID,
		Type:      e.Type,
		Payload:   ensureJSON(e.Payload),
		CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	}
	canon, err := canonical.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize event %s: %w", e.ID, err)
	}
	concat := append([]byte(nil), canon...)
	if prevHash != "" {
		prev, err := hex.DecodeString(prevHash)
		if err != nil {
			return "", fmt.Errorf("decode prev hash for event %s: %w", e.ID, err)
		}
		concat = append(concat, prev...)
	}
	sum := sha256.Sum256(concat)
	return hex.EncodeToString(sum[:]), nil
}

// ChainReport is the outcome of walking the full event log.
type ChainReport struct {
	Valid         bool   `json:"valid"`
	Checked       int    `json:"checked"`
	HeadHash      string `json:"headHash,omitempty"`
	BrokenEventID string `json:"brokenEventId,omitempty"`
	Problem       string `json:"problem,omitempty"`
}

// VerifyChain walks events in sequence order and checks each link and hash.
// It stops at the first broken event.
func VerifyChain(events []models.Event) ChainReport {
	report := ChainReport{Valid: true}
	prev := ""
	for _, e := range events {
		report.Checked++
		if e.PrevHash != prev {
			return broken(report, e.ID, fmt.Sprintf("prevHash mismatch at seq %d", e.Seq))
		}
		want, err := ComputeHash(e, prev)
		if err != nil {
			return broken(report, e.ID, err.Error())
		}
		if want != e.Hash {
			return broken(report, e.ID, fmt.Sprintf("hash mismatch at seq %d", e.Seq))
		}
		prev = e.Hash
	}
	report.HeadHash = prev
	return report
}

func broken(r ChainReport, id, problem string) ChainReport {
	r.Valid = false
	r.BrokenEventID = id
	r.Problem = problem
	return r
}
