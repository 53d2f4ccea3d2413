package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/RomainBuono/Emergency-manager/internal/state"
)

// DecisionSink receives completed decisions, typically the audit store.
type DecisionSink interface {
	RecordDecision(ctx context.Context, dec *Decision) error
}

// Scheduler runs decision cycles on a cron schedule for autonomous mode.
// Cycles never overlap: each fires against the store's current snapshot and
// must finish before its timeout.
type Scheduler struct {
	cron  *cron.Cron
	orch  *Orchestrator
	store *state.Store
	sink  DecisionSink
}

// NewScheduler creates a scheduler over the shared state store. sink may be
// nil when decisions are not persisted.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week.
func NewScheduler(orch *Orchestrator, store *state.Store, sink DecisionSink) *Scheduler {
	return &Scheduler{
		cron:  cron.New(),
		orch:  orch,
		store: store,
		sink:  sink,
	}
}

// Register adds a cycle entry with the given cron expression.
func (s *Scheduler) Register(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.runCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("registering cycle schedule %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context) {
	snap := s.store.Current()
	if snap == nil {
		log.Warn().Msg("scheduled cycle skipped: no department snapshot loaded")
		return
	}

	dec, err := s.orch.Cycle(ctx, snap)
	if err != nil {
		log.Error().Err(err).Msg("scheduled cycle failed")
		return
	}

	event := log.Info().
		Str("decision_id", dec.ID).
		Bool("no_action", dec.NoAction)
	if dec.Action != nil {
		event = event.Str("action", string(dec.Action.Name))
	}
	event.Msg("scheduled cycle completed")

	if s.sink != nil {
		if err := s.sink.RecordDecision(ctx, dec); err != nil {
			log.Error().Err(err).Str("decision_id", dec.ID).Msg("recording decision failed")
		}
	}
}

// Start begins executing registered entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running cycle to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered entries (for testing).
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
