package engine

// Outcome is the resolved result of a single bet.
type Outcome struct {
	Won    bool  `json:"won"`
	Payout int64 `json:"payout"`
}

// Settle computes a bet's outcome against a resolved crash point. A target
// equal to the crash point loses: reaching the crash is not surviving it.
// Payout is floor(stake * target) in minor units; truncation guarantees the
// payout never exceeds the backing pool. Pure and deterministic so settlement
// retries converge.
func Settle(stake int64, target, crashPoint Multiplier) Outcome {
	if target >= crashPoint {
		return Outcome{}
	}
	return Outcome{
		Won:    true,
		Payout: stake * int64(target) / 100,
	}
}
