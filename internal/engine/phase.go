package engine

// Phase is the lifecycle state of a round.
type Phase string

const (
	PhaseNone      Phase = "NONE"
	PhaseBetting   Phase = "BETTING"
	PhaseLocked    Phase = "LOCKED"
	PhaseResolved  Phase = "RESOLVED"
	PhaseSettled   Phase = "SETTLED"
	PhaseCancelled Phase = "CANCELLED"
	PhaseExpired   Phase = "EXPIRED"
)

var legalTransitions = map[Phase][]Phase{
	PhaseNone:     {PhaseBetting},
	PhaseBetting:  {PhaseLocked, PhaseCancelled},
	PhaseLocked:   {PhaseResolved, PhaseExpired},
	PhaseResolved: {PhaseSettled},
}

// phaseRank orders phases so a merge can never move a round backwards.
// Terminal phases share the highest rank.
var phaseRank = map[Phase]int{
	PhaseNone:      0,
	PhaseBetting:   1,
	PhaseLocked:    2,
	PhaseResolved:  3,
	PhaseSettled:   4,
	PhaseCancelled: 4,
	PhaseExpired:   4,
}

// Terminal reports whether the phase ends a round. A new round is the only
// way forward from a terminal phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSettled, PhaseCancelled, PhaseExpired:
		return true
	}
	return false
}

// CanAdvanceTo reports whether p -> next is a legal transition.
func (p Phase) CanAdvanceTo(next Phase) bool {
	for _, n := range legalTransitions[p] {
		if n == next {
			return true
		}
	}
	return false
}

// Rank returns the monotonic ordering value of the phase.
func (p Phase) Rank() int {
	return phaseRank[p]
}
