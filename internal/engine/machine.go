package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger is the engine's write contract with the external source of truth.
// The engine computes what should happen; the ledger records it and moves
// funds. Reads come back through the reconciliation layer, not through here.
type Ledger interface {
	LastRoundID(ctx context.Context) (uint64, error)
	OpenRound(ctx context.Context, r Round) error
	SubmitBet(ctx context.Context, b Bet) error
	LockRound(ctx context.Context, roundID, commitHeight, revealDeadline uint64) error
	ResolveRound(ctx context.Context, roundID uint64, blockHash string, crashPoint Multiplier) error
	SettleRound(ctx context.Context, roundID uint64, bets []Bet) error
	VoidRound(ctx context.Context, roundID uint64, phase Phase, refunds []Refund) error
}

// Config bounds the round lifecycle and bet validation.
type Config struct {
	BettingWindow time.Duration
	RoundPause    time.Duration // gap between settlement and the next round
	RevealRetry   time.Duration // cadence of resolve attempts while LOCKED
	RevealTimeout time.Duration // wall-clock bound on waiting for the reveal; 0 disables
	MinStake      int64
	MaxStake      int64
	MinTarget     Multiplier
	MaxTarget     Multiplier
	AutoCycle     bool // open the next round automatically after a terminal phase
}

// Machine owns one round at a time and is the only writer of round and bet
// state. Every transition applies fully under the lock or not at all.
type Machine struct {
	cfg      Config
	fair     *Fairness
	ledger   Ledger
	broker   *Broker
	animator *Animator

	mu          sync.RWMutex
	round       *Round
	bets        map[string]*Bet
	players     map[string]bool
	lastRoundID uint64

	lockTimer    *time.Timer
	nextTimer    *time.Timer
	revealCancel context.CancelFunc

	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewMachine(cfg Config, fair *Fairness, ledger Ledger, broker *Broker) *Machine {
	return &Machine{
		cfg:    cfg,
		fair:   fair,
		ledger: ledger,
		broker: broker,
	}
}

// SetAnimator attaches the cosmetic multiplier playback that runs between
// RESOLVED and SETTLED. Without one, settlement is triggered by the caller.
func (m *Machine) SetAnimator(a *Animator) {
	m.animator = a
}

// Start seeds the round counter from the ledger and, in auto-cycle mode,
// opens the first round.
func (m *Machine) Start(ctx context.Context) error {
	m.runCtx, m.runCancel = context.WithCancel(ctx)

	last, err := m.ledger.LastRoundID(ctx)
	if err != nil {
		return fmt.Errorf("seed round counter: %w", err)
	}
	m.mu.Lock()
	m.lastRoundID = last
	m.mu.Unlock()

	log.Printf("[ENGINE] started, last round %d", last)

	if m.cfg.AutoCycle {
		if _, err := m.OpenRound(m.runCtx); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels all scheduled work. In-flight settlement is safe to abandon
// because Settle is idempotent.
func (m *Machine) Stop() {
	if m.runCancel != nil {
		m.runCancel()
	}
	m.mu.Lock()
	m.stopTimersLocked()
	m.mu.Unlock()
	log.Println("[ENGINE] stopped")
}

func (m *Machine) ctx() context.Context {
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

// Snapshot returns a copy of the current round.
func (m *Machine) Snapshot() (Round, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.round == nil {
		return Round{}, false
	}
	return *m.round, true
}

// Bets returns copies of the current round's bets.
func (m *Machine) Bets() []Bet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bet, 0, len(m.bets))
	for _, b := range m.bets {
		out = append(out, *b)
	}
	return out
}

// Bet looks up one bet in the current round.
func (m *Machine) Bet(betID string) (Bet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bets[betID]
	if !ok {
		return Bet{}, false
	}
	return *b, true
}

// OpenRound starts the next betting cycle. Fails while a round is still in a
// non-terminal phase. Round ids strictly increase and are never reused.
func (m *Machine) OpenRound(ctx context.Context) (Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.round != nil && !m.round.Phase.Terminal() {
		return Round{}, &PhaseError{Op: "open round", RoundID: m.round.ID, Phase: m.round.Phase}
	}

	now := time.Now()
	r := Round{
		ID:            m.lastRoundID + 1,
		Phase:         PhaseBetting,
		BettingEndsAt: now.Add(m.cfg.BettingWindow),
		OpenedAt:      now,
	}
	if err := m.ledger.OpenRound(ctx, r); err != nil {
		return Round{}, fmt.Errorf("open round %d: %w", r.ID, err)
	}

	m.lastRoundID = r.ID
	m.round = &r
	m.bets = make(map[string]*Bet)
	m.players = make(map[string]bool)

	roundID := r.ID
	m.lockTimer = time.AfterFunc(m.cfg.BettingWindow, func() {
		if err := m.Lock(m.ctx(), roundID); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ENGINE] auto lock round %d: %v", roundID, err)
		}
	})

	m.broker.Publish(Event{Type: EventRoundOpened, RoundID: r.ID, Phase: PhaseBetting})
	log.Printf("[ENGINE] round %d open, betting until %s", r.ID, r.BettingEndsAt.Format(time.RFC3339))
	return r, nil
}

// PlaceBet records a pre-committed stake and target. The bet is held as
// pending until the ledger confirms it; a ledger rejection rolls it back
// leaving no partial state.
func (m *Machine) PlaceBet(ctx context.Context, roundID uint64, player string, stake int64, target Multiplier) (Bet, error) {
	if stake < m.cfg.MinStake || stake > m.cfg.MaxStake {
		return Bet{}, &ValidationError{
			Field:  "stake",
			Reason: fmt.Sprintf("must be between %d and %d", m.cfg.MinStake, m.cfg.MaxStake),
		}
	}
	if target < m.cfg.MinTarget || target > m.cfg.MaxTarget {
		return Bet{}, &ValidationError{
			Field:  "target",
			Reason: fmt.Sprintf("must be between %s and %s", m.cfg.MinTarget, m.cfg.MaxTarget),
		}
	}
	if player == "" {
		return Bet{}, &ValidationError{Field: "player", Reason: "required"}
	}

	m.mu.Lock()
	if m.round == nil || m.round.ID != roundID || m.round.Phase != PhaseBetting {
		phase := PhaseNone
		if m.round != nil {
			phase = m.round.Phase
		}
		m.mu.Unlock()
		return Bet{}, &PhaseError{Op: "place bet", RoundID: roundID, Phase: phase}
	}

	bet := Bet{
		ID:       uuid.NewString(),
		RoundID:  roundID,
		Player:   player,
		Stake:    stake,
		Target:   target,
		Pending:  true,
		PlacedAt: time.Now(),
	}
	m.bets[bet.ID] = &bet
	m.round.TotalStaked += stake
	if !m.players[player] {
		m.players[player] = true
		m.round.PlayerCount++
	}
	m.mu.Unlock()

	go func() {
		if err := m.ledger.SubmitBet(m.ctx(), bet); err != nil {
			log.Printf("[ENGINE] ledger rejected bet %s: %v", bet.ID, err)
			m.rollbackBet(roundID, bet.ID)
			return
		}
		m.ConfirmBet(roundID, bet.ID)
	}()

	m.broker.Publish(Event{Type: EventBetPlaced, RoundID: roundID, BetID: bet.ID})
	log.Printf("[ENGINE] bet %s: player %s staked %d at %s", bet.ID, player, stake, target)
	return bet, nil
}

// ConfirmBet flips a pending bet to confirmed once the ledger accepts it.
// A no-op for unknown or already-confirmed bets. If the round settled while
// the submission was in flight, the bet is settled here and recorded.
func (m *Machine) ConfirmBet(roundID uint64, betID string) {
	m.mu.Lock()
	if m.round == nil || m.round.ID != roundID {
		m.mu.Unlock()
		return
	}
	b, ok := m.bets[betID]
	if !ok || !b.Pending {
		m.mu.Unlock()
		return
	}
	b.Pending = false
	late, settled := m.settleLateLocked(b)
	m.mu.Unlock()

	m.broker.Publish(Event{Type: EventBetConfirmed, RoundID: roundID, BetID: betID})
	if settled {
		go func() {
			if err := m.ledger.SettleRound(m.ctx(), roundID, []Bet{late}); err != nil {
				log.Printf("[ENGINE] settle late-confirmed bet %s: %v", betID, err)
			}
		}()
		log.Printf("[ENGINE] bet %s confirmed after settlement, settled late (won=%v)", betID, late.Won)
	}
}

// rollbackBet removes an unconfirmed bet the ledger refused, restoring the
// round aggregates.
func (m *Machine) rollbackBet(roundID uint64, betID string) {
	m.mu.Lock()
	if m.round == nil || m.round.ID != roundID {
		m.mu.Unlock()
		return
	}
	b, ok := m.bets[betID]
	if !ok || b.Settled {
		m.mu.Unlock()
		return
	}
	delete(m.bets, betID)
	m.round.TotalStaked -= b.Stake

	still := false
	for _, other := range m.bets {
		if other.Player == b.Player {
			still = true
			break
		}
	}
	if !still {
		delete(m.players, b.Player)
		m.round.PlayerCount--
	}
	m.mu.Unlock()
	m.broker.Publish(Event{Type: EventBetRejected, RoundID: roundID, BetID: betID})
}

// Lock closes the betting window and commits to a future entropy block.
// Idempotent when the round is already locked.
func (m *Machine) Lock(ctx context.Context, roundID uint64) error {
	m.mu.Lock()
	if err := m.requireRoundLocked(roundID, "lock"); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.round.Phase == PhaseLocked {
		m.mu.Unlock()
		return nil
	}
	if m.round.Phase != PhaseBetting {
		err := &PhaseError{Op: "lock", RoundID: roundID, Phase: m.round.Phase}
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	// The commitment reads the chain head; keep it outside the lock.
	height, deadline, err := m.fair.Commit(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.requireRoundLocked(roundID, "lock"); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.round.Phase == PhaseLocked {
		m.mu.Unlock()
		return nil
	}
	if m.round.Phase != PhaseBetting {
		err := &PhaseError{Op: "lock", RoundID: roundID, Phase: m.round.Phase}
		m.mu.Unlock()
		return err
	}
	if err := m.ledger.LockRound(ctx, roundID, height, deadline); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("lock round %d: %w", roundID, err)
	}
	m.round.Phase = PhaseLocked
	m.round.CommitHeight = height
	m.round.RevealDeadline = deadline
	if m.lockTimer != nil {
		m.lockTimer.Stop()
		m.lockTimer = nil
	}
	pollCtx, cancel := context.WithCancel(m.ctx())
	m.revealCancel = cancel
	m.mu.Unlock()

	m.broker.Publish(Event{Type: EventRoundLocked, RoundID: roundID, Phase: PhaseLocked})
	log.Printf("[ENGINE] round %d locked, entropy committed to block %d (deadline %d)", roundID, height, deadline)

	go m.pollReveal(pollCtx, roundID, deadline)
	return nil
}

// pollReveal retries resolution until it succeeds, the round moves on, or
// the reveal deadline passes and the round expires. The deadline is checked
// both in block height and in wall time, so a stalled chain still expires
// the round.
func (m *Machine) pollReveal(ctx context.Context, roundID uint64, deadline uint64) {
	ticker := time.NewTicker(m.cfg.RevealRetry)
	defer ticker.Stop()

	var wallDeadline time.Time
	if m.cfg.RevealTimeout > 0 {
		wallDeadline = time.Now().Add(m.cfg.RevealTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.Resolve(ctx, roundID)
			if err == nil {
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			var phaseErr *PhaseError
			if errors.As(err, &phaseErr) {
				return // someone else already moved the round on
			}

			// Still unresolved; expire once the reveal window is missed.
			missed, merr := m.fair.Missed(ctx, deadline)
			if merr != nil {
				log.Printf("[ENGINE] reveal deadline check for round %d: %v", roundID, merr)
				missed = false
			}
			if !missed && !wallDeadline.IsZero() && time.Now().After(wallDeadline) {
				log.Printf("[ENGINE] round %d: reveal wait exceeded %s with chain stalled", roundID, m.cfg.RevealTimeout)
				missed = true
			}
			if missed {
				if eerr := m.Expire(ctx, roundID); eerr != nil {
					log.Printf("[ENGINE] expire round %d: %v", roundID, eerr)
				}
				return
			}
			var unavailable *FairnessUnavailableError
			if !errors.As(err, &unavailable) {
				log.Printf("[ENGINE] resolve round %d: %v", roundID, err)
			}
		}
	}
}

// Resolve reveals the committed entropy and fixes the crash point. Safe to
// call concurrently: the derivation is deterministic, so every resolver
// converges on the same crash point and only the first write takes effect.
func (m *Machine) Resolve(ctx context.Context, roundID uint64) error {
	m.mu.RLock()
	if m.round == nil || m.round.ID != roundID {
		phase := m.currentPhaseLocked()
		m.mu.RUnlock()
		return &PhaseError{Op: "resolve", RoundID: roundID, Phase: phase}
	}
	switch m.round.Phase {
	case PhaseResolved, PhaseSettled:
		m.mu.RUnlock()
		return nil
	case PhaseLocked:
	default:
		err := &PhaseError{Op: "resolve", RoundID: roundID, Phase: m.round.Phase}
		m.mu.RUnlock()
		return err
	}
	commitHeight := m.round.CommitHeight
	m.mu.RUnlock()

	blockHash, crash, err := m.fair.Reveal(ctx, commitHeight, roundID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.round == nil || m.round.ID != roundID {
		phase := m.currentPhaseLocked()
		m.mu.Unlock()
		return &PhaseError{Op: "resolve", RoundID: roundID, Phase: phase}
	}
	switch m.round.Phase {
	case PhaseResolved, PhaseSettled:
		m.mu.Unlock()
		return nil
	case PhaseLocked:
	default:
		err := &PhaseError{Op: "resolve", RoundID: roundID, Phase: m.round.Phase}
		m.mu.Unlock()
		return err
	}
	if err := m.ledger.ResolveRound(ctx, roundID, blockHash, crash); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("resolve round %d: %w", roundID, err)
	}
	m.round.Phase = PhaseResolved
	m.round.BlockHash = blockHash
	m.round.CrashPoint = crash
	m.round.ResolvedAt = time.Now()
	if m.revealCancel != nil {
		m.revealCancel()
		m.revealCancel = nil
	}
	m.mu.Unlock()

	m.broker.Publish(Event{Type: EventRoundResolved, RoundID: roundID, Phase: PhaseResolved, Multiplier: crash})
	log.Printf("[FAIR] round %d resolved: crash %s from block %d", roundID, crash, commitHeight)

	if m.animator != nil {
		m.animator.Play(m.ctx(), roundID, crash, func() {
			var conflict *SettlementConflictError
			if err := m.Settle(m.ctx(), roundID); err != nil && !errors.As(err, &conflict) {
				log.Printf("[ENGINE] settle round %d: %v", roundID, err)
			}
		})
	}
	return nil
}

// Settle computes every confirmed bet's outcome and retires the round.
// Bets whose ledger submission is still in flight are held back; they are
// settled individually once the ledger confirms them. Settling an
// already-settled round returns a SettlementConflictError and pays nothing.
func (m *Machine) Settle(ctx context.Context, roundID uint64) error {
	m.mu.Lock()
	if m.round == nil || m.round.ID != roundID {
		phase := m.currentPhaseLocked()
		m.mu.Unlock()
		return &PhaseError{Op: "settle", RoundID: roundID, Phase: phase}
	}
	if m.round.Phase == PhaseSettled {
		m.mu.Unlock()
		return &SettlementConflictError{RoundID: roundID}
	}
	if m.round.Phase != PhaseResolved {
		err := &PhaseError{Op: "settle", RoundID: roundID, Phase: m.round.Phase}
		m.mu.Unlock()
		return err
	}

	crash := m.round.CrashPoint
	held := 0
	settled := make([]Bet, 0, len(m.bets))
	for _, b := range m.bets {
		if b.Settled {
			continue
		}
		if b.Pending {
			held++
			continue
		}
		out := Settle(b.Stake, b.Target, crash)
		c := *b
		c.Settled = true
		c.Won = out.Won
		c.Payout = out.Payout
		settled = append(settled, c)
	}

	if err := m.ledger.SettleRound(ctx, roundID, settled); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("settle round %d: %w", roundID, err)
	}
	for i := range settled {
		if b, ok := m.bets[settled[i].ID]; ok {
			b.Settled = true
			b.Won = settled[i].Won
			b.Payout = settled[i].Payout
			b.Pending = false
		}
	}
	m.round.Phase = PhaseSettled
	m.scheduleNextLocked()
	m.mu.Unlock()

	m.broker.Publish(Event{Type: EventRoundSettled, RoundID: roundID, Phase: PhaseSettled, Multiplier: crash, Bets: settled})
	log.Printf("[ENGINE] round %d settled, %d bets at crash %s", roundID, len(settled), crash)
	if held > 0 {
		log.Printf("[ENGINE] round %d: %d bets still awaiting ledger confirmation", roundID, held)
	}
	return nil
}

// settleLateLocked settles a single bet that was confirmed after the round
// already reached SETTLED. Caller holds m.mu. Returns the settled copy for
// recording in the ledger.
func (m *Machine) settleLateLocked(b *Bet) (Bet, bool) {
	if m.round == nil || m.round.Phase != PhaseSettled || b.Settled {
		return Bet{}, false
	}
	out := Settle(b.Stake, b.Target, m.round.CrashPoint)
	b.Settled = true
	b.Won = out.Won
	b.Payout = out.Payout
	return *b, true
}

// Cancel aborts a round before lock. Every stake becomes refundable and the
// affected bets are enumerated for refund processing.
func (m *Machine) Cancel(ctx context.Context, roundID uint64) error {
	return m.void(ctx, roundID, PhaseBetting, PhaseCancelled, "cancel")
}

// Expire retires a locked round whose entropy never materialized. No crash
// point is ever fabricated; all stakes are refundable.
func (m *Machine) Expire(ctx context.Context, roundID uint64) error {
	return m.void(ctx, roundID, PhaseLocked, PhaseExpired, "expire")
}

func (m *Machine) void(ctx context.Context, roundID uint64, from, to Phase, op string) error {
	m.mu.Lock()
	if m.round == nil || m.round.ID != roundID {
		phase := m.currentPhaseLocked()
		m.mu.Unlock()
		return &PhaseError{Op: op, RoundID: roundID, Phase: phase}
	}
	if m.round.Phase == to {
		m.mu.Unlock()
		return nil
	}
	if m.round.Phase != from {
		err := &PhaseError{Op: op, RoundID: roundID, Phase: m.round.Phase}
		m.mu.Unlock()
		return err
	}

	refunds := make([]Refund, 0, len(m.bets))
	for _, b := range m.bets {
		refunds = append(refunds, Refund{BetID: b.ID, Player: b.Player, Amount: b.Stake})
	}
	if err := m.ledger.VoidRound(ctx, roundID, to, refunds); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%s round %d: %w", op, roundID, err)
	}
	m.round.Phase = to
	m.stopTimersLocked()
	m.scheduleNextLocked()
	m.mu.Unlock()

	m.broker.Publish(Event{Type: EventRoundVoided, RoundID: roundID, Phase: to, Refunds: refunds})
	log.Printf("[ENGINE] round %d %s, %d refunds", roundID, to, len(refunds))
	return nil
}

func (m *Machine) scheduleNextLocked() {
	if !m.cfg.AutoCycle {
		return
	}
	m.nextTimer = time.AfterFunc(m.cfg.RoundPause, func() {
		if _, err := m.OpenRound(m.ctx()); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ENGINE] open next round: %v", err)
		}
	})
}

func (m *Machine) stopTimersLocked() {
	if m.lockTimer != nil {
		m.lockTimer.Stop()
		m.lockTimer = nil
	}
	if m.nextTimer != nil {
		m.nextTimer.Stop()
		m.nextTimer = nil
	}
	if m.revealCancel != nil {
		m.revealCancel()
		m.revealCancel = nil
	}
}

func (m *Machine) requireRoundLocked(roundID uint64, op string) error {
	if m.round == nil || m.round.ID != roundID {
		return &PhaseError{Op: op, RoundID: roundID, Phase: m.currentPhaseLocked()}
	}
	return nil
}

func (m *Machine) currentPhaseLocked() Phase {
	if m.round == nil {
		return PhaseNone
	}
	return m.round.Phase
}
