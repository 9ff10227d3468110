package engine

import "fmt"

// PhaseError reports an operation attempted in the wrong phase. Recoverable:
// the caller should re-read state and retry if still applicable.
type PhaseError struct {
	Op      string
	RoundID uint64
	Phase   Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: round %d is %s", e.Op, e.RoundID, e.Phase)
}

// ValidationError reports a stake or target outside configured bounds.
// User-correctable, never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// FairnessUnavailableError means the committed entropy block has not been
// produced yet. The resolve poller retries until the reveal deadline.
type FairnessUnavailableError struct {
	Height  uint64
	Current uint64
}

func (e *FairnessUnavailableError) Error() string {
	return fmt.Sprintf("entropy for block %d not yet available (chain at %d)", e.Height, e.Current)
}

// StaleUpdateError marks a reconciliation update that describes older state
// than what is already applied. Discarded, logged at low severity.
type StaleUpdateError struct {
	RoundID uint64
	Reason  string
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("stale update for round %d: %s", e.RoundID, e.Reason)
}

// SettlementConflictError marks a repeated settlement attempt. Settlement is
// idempotent, so callers treat it as success.
type SettlementConflictError struct {
	RoundID uint64
}

func (e *SettlementConflictError) Error() string {
	return fmt.Sprintf("round %d already settled", e.RoundID)
}
