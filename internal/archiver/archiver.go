// Package archiver copies retired rounds from the ledger into Postgres
// before their Redis records expire.
package archiver

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crash/internal/engine"
)

// Source reads retired round records out of the ledger.
type Source interface {
	Round(ctx context.Context, roundID uint64) (engine.Round, error)
	Bets(ctx context.Context, roundID uint64) ([]engine.Bet, error)
}

// Store persists archived rounds.
type Store interface {
	ArchiveRound(ctx context.Context, r engine.Round, bets []engine.Bet) error
}

// Archiver collects round ids as they retire and flushes them to the store
// on a cron schedule. Failed flushes stay queued for the next run.
type Archiver struct {
	source Source
	store  Store
	broker *engine.Broker

	mu      sync.Mutex
	pending map[uint64]bool

	cron    *cron.Cron
	dispose func()
}

func New(source Source, store Store, broker *engine.Broker) *Archiver {
	return &Archiver{
		source:  source,
		store:   store,
		broker:  broker,
		pending: make(map[uint64]bool),
	}
}

// Start subscribes to round lifecycle events and schedules the flush job.
func (a *Archiver) Start(cronSpec string) error {
	events, dispose := a.broker.Subscribe(256)
	a.dispose = dispose
	go a.collect(events)

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(cronSpec, a.Flush); err != nil {
		dispose()
		return err
	}
	a.cron.Start()
	log.Printf("[ARCHIVER] flushing on schedule %q", cronSpec)
	return nil
}

// Stop halts the schedule and runs one final flush.
func (a *Archiver) Stop() {
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.dispose != nil {
		a.dispose()
	}
	a.Flush()
}

func (a *Archiver) collect(events <-chan engine.Event) {
	for ev := range events {
		switch ev.Type {
		case engine.EventRoundSettled, engine.EventRoundVoided:
			a.mu.Lock()
			a.pending[ev.RoundID] = true
			a.mu.Unlock()
		}
	}
}

// Flush archives every pending round. Rounds that fail stay pending.
func (a *Archiver) Flush() {
	a.mu.Lock()
	ids := make([]uint64, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range ids {
		if err := a.archiveOne(ctx, id); err != nil {
			log.Printf("[ARCHIVER] round %d not archived: %v", id, err)
			continue
		}
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}
}

// PendingCount reports rounds waiting for a flush.
func (a *Archiver) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Archiver) archiveOne(ctx context.Context, roundID uint64) error {
	round, err := a.source.Round(ctx, roundID)
	if err != nil {
		return err
	}
	bets, err := a.source.Bets(ctx, roundID)
	if err != nil {
		return err
	}
	if err := a.store.ArchiveRound(ctx, round, bets); err != nil {
		return err
	}
	log.Printf("[ARCHIVER] archived round %d (%s, %d bets)", roundID, round.Phase, len(bets))
	return nil
}
