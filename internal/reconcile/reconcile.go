package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"crash/internal/engine"
)

// PushEvent is a low-latency notification from the source of truth. Seq is
// the source's event index; transport ordering is not guaranteed.
type PushEvent struct {
	Seq         uint64
	RoundID     uint64
	Type        string
	Phase       engine.Phase
	CrashPoint  engine.Multiplier
	BlockHash   string
	BetID       string
	TotalStaked int64
	PlayerCount int
}

// Snapshot is a periodic full read of the current round. Seq is the source's
// event counter at read time, which totally orders snapshots against pushes.
type Snapshot struct {
	Seq             uint64
	Round           engine.Round
	ConfirmedBetIDs []string
}

// Source is the read side of the external source of truth: a pull channel
// that is always eventually correct, and a push channel that is fast but may
// be unavailable.
type Source interface {
	FetchRound(ctx context.Context) (Snapshot, error)
	Subscribe(ctx context.Context) (<-chan PushEvent, func(), error)
}

// Applier is the state machine's update contract. Updates either fully apply
// or are fully rejected.
type Applier interface {
	ApplyRemote(u engine.RemoteUpdate) error
	Snapshot() (engine.Round, bool)
}

// Config tunes the polling cadences and push resubscription backoff.
type Config struct {
	FastPoll   time.Duration // while LOCKED or when the push channel is down
	SlowPoll   time.Duration
	MaxBackoff time.Duration
}

// Reconciler merges the two channels into one consistent view. It never
// regresses already-applied state: stale and duplicate updates are no-ops.
type Reconciler struct {
	src Source
	m   Applier
	cfg Config

	mu       sync.Mutex
	roundID  uint64
	lastSeq  uint64
	seen     map[string]bool
	pushDown bool
}

func New(src Source, m Applier, cfg Config) *Reconciler {
	if cfg.FastPoll <= 0 {
		cfg.FastPoll = 500 * time.Millisecond
	}
	if cfg.SlowPoll <= 0 {
		cfg.SlowPoll = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Reconciler{
		src:  src,
		m:    m,
		cfg:  cfg,
		seen: make(map[string]bool),
	}
}

// Run drives the poll loop and the push subscription until the context is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	go r.runPush(ctx)
	r.runPull(ctx)
}

func (r *Reconciler) runPull(ctx context.Context) {
	timer := time.NewTimer(r.cadence())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			snap, err := r.src.FetchRound(ctx)
			if err != nil {
				// A failed pull never clears known-good state; just wait
				// for the next tick.
				log.Printf("[RECON] pull failed: %v", err)
			} else {
				r.ApplySnapshot(snap)
			}
			timer.Reset(r.cadence())
		}
	}
}

// cadence polls faster during latency-sensitive phases and whenever the push
// channel is down.
func (r *Reconciler) cadence() time.Duration {
	r.mu.Lock()
	down := r.pushDown
	r.mu.Unlock()
	if down {
		return r.cfg.FastPoll
	}
	if round, ok := r.m.Snapshot(); ok && round.Phase == engine.PhaseLocked {
		return r.cfg.FastPoll
	}
	return r.cfg.SlowPoll
}

func (r *Reconciler) runPush(ctx context.Context) {
	backoff := time.Second
	for {
		events, stop, err := r.src.Subscribe(ctx)
		if err != nil {
			r.setPushDown(true)
			log.Printf("[RECON] push subscribe failed, retrying in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
			continue
		}

		r.setPushDown(false)
		backoff = time.Second

		open := true
		for open {
			select {
			case <-ctx.Done():
				stop()
				return
			case ev, ok := <-events:
				if !ok {
					open = false
					break
				}
				r.ApplyPush(ev)
			}
		}
		stop()
		r.setPushDown(true)
		log.Println("[RECON] push channel closed, degrading to fast polling")
	}
}

func (r *Reconciler) setPushDown(down bool) {
	r.mu.Lock()
	r.pushDown = down
	r.mu.Unlock()
}

// ApplyPush merges one push event. Duplicates (same content) and events
// older than the last applied sequence are dropped.
func (r *Reconciler) ApplyPush(ev PushEvent) {
	key := pushKey(ev)

	r.mu.Lock()
	if ev.RoundID < r.roundID {
		r.mu.Unlock()
		log.Printf("[RECON] dropping push for retired round %d", ev.RoundID)
		return
	}
	if ev.RoundID > r.roundID {
		// New round: sequence tracking restarts.
		r.roundID = ev.RoundID
		r.lastSeq = 0
		r.seen = make(map[string]bool)
	}
	if r.seen[key] {
		r.mu.Unlock()
		return
	}
	if ev.Seq != 0 && ev.Seq <= r.lastSeq {
		r.mu.Unlock()
		log.Printf("[RECON] dropping out-of-order push seq %d for round %d (at %d)", ev.Seq, ev.RoundID, r.lastSeq)
		return
	}
	r.seen[key] = true
	if ev.Seq > r.lastSeq {
		r.lastSeq = ev.Seq
	}
	r.mu.Unlock()

	u := engine.RemoteUpdate{
		RoundID:     ev.RoundID,
		Phase:       ev.Phase,
		CrashPoint:  ev.CrashPoint,
		BlockHash:   ev.BlockHash,
		TotalStaked: ev.TotalStaked,
		PlayerCount: ev.PlayerCount,
	}
	if ev.BetID != "" {
		u.ConfirmedBetIDs = []string{ev.BetID}
	}
	r.apply(u)
}

// ApplySnapshot merges one pull snapshot. A snapshot taken before the last
// applied push may carry older fields; the machine's monotonic merge keeps
// them from regressing anything.
func (r *Reconciler) ApplySnapshot(s Snapshot) {
	if s.Round.ID == 0 {
		// The source has no rounds yet; nothing to merge.
		return
	}
	r.mu.Lock()
	if s.Round.ID < r.roundID {
		r.mu.Unlock()
		log.Printf("[RECON] dropping snapshot for retired round %d", s.Round.ID)
		return
	}
	if s.Round.ID > r.roundID {
		r.roundID = s.Round.ID
		r.lastSeq = 0
		r.seen = make(map[string]bool)
	}
	if s.Seq > r.lastSeq {
		r.lastSeq = s.Seq
	}
	r.mu.Unlock()

	r.apply(engine.RemoteUpdate{
		RoundID:         s.Round.ID,
		Phase:           s.Round.Phase,
		CrashPoint:      s.Round.CrashPoint,
		BlockHash:       s.Round.BlockHash,
		TotalStaked:     s.Round.TotalStaked,
		PlayerCount:     s.Round.PlayerCount,
		ConfirmedBetIDs: s.ConfirmedBetIDs,
	})
}

func (r *Reconciler) apply(u engine.RemoteUpdate) {
	err := r.m.ApplyRemote(u)
	if err == nil {
		return
	}
	// Staleness is an internal consistency concern, never surfaced to users.
	var stale *engine.StaleUpdateError
	if errors.As(err, &stale) {
		log.Printf("[RECON] %v", stale)
		return
	}
	log.Printf("[RECON] apply update for round %d: %v", u.RoundID, err)
}

// pushKey identifies an event by content, not arrival count, so redelivery
// is a no-op.
func pushKey(ev PushEvent) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s|%s|%d|%s|%d|%d",
		ev.RoundID, ev.Seq, ev.Type, ev.Phase, ev.CrashPoint, ev.BetID, ev.TotalStaked, ev.PlayerCount)))
	return hex.EncodeToString(sum[:8])
}
