// Package stream ships the governance event log out of the database: each
// event is published to Kafka and archived to S3, and the database row records
// the outcome so failed deliveries are retried on a later poll.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/canonical"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/store"
)

type Config struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
}

type Streamer struct {
	source    store.StreamSource
	publisher Publisher
	archiver  Archiver
	cfg       Config
}

// NewStreamer builds a streamer. Either sink may be nil but not both.
func NewStreamer(source store.StreamSource, publisher Publisher, archiver Archiver, cfg Config) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{source: source, publisher: publisher, archiver: archiver, cfg: cfg}
}

// Run polls until ctx is cancelled and then closes the publisher.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[stream] starting (batch=%d, concurrency=%d, poll=%s)", s.cfg.BatchSize, s.cfg.MaxConcurrency, s.cfg.PollInterval)
	defer func() {
		if s.publisher != nil {
			_ = s.publisher.Close()
		}
		log.Printf("[stream] stopped")
	}()

	for {
		n, err := s.ProcessBatch(ctx)
		if err != nil {
			log.Printf("[stream] batch: %v", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// ProcessBatch claims one batch and delivers it. It returns how many events
// were claimed. Per-event failures are recorded on the event, not returned.
func (s *Streamer) ProcessBatch(ctx context.Context) (int, error) {
	events, err := s.source.FetchPendingEvents(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, ev := range events {
		g.Go(func() error {
			if err := s.deliver(gctx, ev); err != nil {
				log.Printf("[stream] event %s: %v", ev.ID, err)
			}
			return nil
		})
	}
	return len(events), g.Wait()
}

func (s *Streamer) deliver(parent context.Context, ev models.Event) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	fail := func(stage string, err error) error {
		// record with the parent context so a timed-out delivery is still marked
		if markErr := s.source.MarkEventStreamResult(parent, ev.ID, "", false, fmt.Sprintf("%s: %v", stage, err)); markErr != nil {
			log.Printf("[stream] mark failure for %s: %v", ev.ID, markErr)
		}
		return fmt.Errorf("%s: %w", stage, err)
	}

	body, err := Envelope(ev)
	if err != nil {
		return fail("envelope", err)
	}
	key := ev.AgentID
	if key == "" {
		key = ev.ProjectID
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, []byte(key), body); err != nil {
			return fail("kafka publish", err)
		}
	}

	archiveKey := ""
	if s.archiver != nil {
		if archiveKey, err = s.archiver.Archive(ctx, ev); err != nil {
			return fail("s3 archive", err)
		}
	}
	if err := s.source.MarkEventStreamResult(parent, ev.ID, archiveKey, true, ""); err != nil {
		return fmt.Errorf("mark event streamed: %w", err)
	}
	return nil
}

// Envelope is the canonical wire and archive form of an event.
func Envelope(ev models.Event) ([]byte, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	env := map[string]any{
		"id":        ev.ID,
		"seq":       ev.Seq,
		"projectId": ev.ProjectID,
		"agentId":   ev.AgentID,
		"type":      ev.Type,
		"payload":   payload,
		"prevHash":  ev.PrevHash,
		"hash":      ev.Hash,
		"createdAt": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	b, err := canonical.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	return b, nil
}
