package engine

import "log"

// RemoteUpdate is the reconciliation layer's proposal of externally-observed
// round state. Zero values mean "field absent": a zero Phase proposes no
// transition, zero aggregates propose no change.
type RemoteUpdate struct {
	RoundID         uint64
	Phase           Phase
	CrashPoint      Multiplier
	BlockHash       string
	TotalStaked     int64
	PlayerCount     int
	ConfirmedBetIDs []string
}

// ApplyRemote merges an external observation into the authoritative view.
// The merge either fully applies or is fully rejected; it can only move the
// round forward. Duplicate applications are no-ops, so at-least-once
// delivery upstream is safe.
func (m *Machine) ApplyRemote(u RemoteUpdate) error {
	m.mu.Lock()

	if m.round == nil || u.RoundID != m.round.ID {
		known := uint64(0)
		if m.round != nil {
			known = m.round.ID
		}
		m.mu.Unlock()
		if u.RoundID < known {
			return &StaleUpdateError{RoundID: u.RoundID, Reason: "describes a retired round"}
		}
		return &StaleUpdateError{RoundID: u.RoundID, Reason: "ahead of the local round"}
	}

	// Validate the whole update before touching anything.
	if u.Phase != "" && u.Phase.Rank() < m.round.Phase.Rank() {
		err := &StaleUpdateError{RoundID: u.RoundID, Reason: "would regress phase " + string(m.round.Phase) + " to " + string(u.Phase)}
		m.mu.Unlock()
		return err
	}

	var published []Event

	if u.Phase != "" && u.Phase.Rank() > m.round.Phase.Rank() {
		m.round.Phase = u.Phase
		if u.Phase.Terminal() || u.Phase == PhaseResolved {
			m.stopTimersLocked()
		}
		published = append(published, Event{
			Type:       eventForPhase(u.Phase),
			RoundID:    u.RoundID,
			Phase:      u.Phase,
			Multiplier: u.CrashPoint,
		})
	}

	if u.CrashPoint > 0 {
		if m.round.CrashPoint == 0 {
			m.round.CrashPoint = u.CrashPoint
			m.round.BlockHash = u.BlockHash
		} else if m.round.CrashPoint != u.CrashPoint {
			// Crash point is set exactly once; a mismatch is a source bug.
			log.Printf("[ENGINE] crash point conflict on round %d: have %s, remote %s", u.RoundID, m.round.CrashPoint, u.CrashPoint)
		}
	}

	// Aggregates are monotonic within a round.
	if u.TotalStaked > m.round.TotalStaked {
		m.round.TotalStaked = u.TotalStaked
	}
	if u.PlayerCount > m.round.PlayerCount {
		m.round.PlayerCount = u.PlayerCount
	}

	confirmed := make([]string, 0, len(u.ConfirmedBetIDs))
	var late []Bet
	for _, id := range u.ConfirmedBetIDs {
		if b, ok := m.bets[id]; ok && b.Pending {
			b.Pending = false
			confirmed = append(confirmed, id)
			if s, ok := m.settleLateLocked(b); ok {
				late = append(late, s)
			}
		}
	}
	m.mu.Unlock()

	for _, e := range published {
		m.broker.Publish(e)
	}
	for _, id := range confirmed {
		m.broker.Publish(Event{Type: EventBetConfirmed, RoundID: u.RoundID, BetID: id})
	}
	if len(late) > 0 {
		go func() {
			if err := m.ledger.SettleRound(m.ctx(), u.RoundID, late); err != nil {
				log.Printf("[ENGINE] settle %d late-confirmed bets on round %d: %v", len(late), u.RoundID, err)
			}
		}()
	}
	return nil
}

func eventForPhase(p Phase) EventType {
	switch p {
	case PhaseLocked:
		return EventRoundLocked
	case PhaseResolved:
		return EventRoundResolved
	case PhaseSettled:
		return EventRoundSettled
	case PhaseCancelled, PhaseExpired:
		return EventRoundVoided
	default:
		return EventRoundOpened
	}
}
