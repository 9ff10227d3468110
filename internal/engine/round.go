package engine

import (
	"fmt"
	"time"
)

// Multiplier is a crash/target multiplier in hundredths: 200 = 2.00x.
// Integer fixed-point keeps settlement arithmetic exact.
type Multiplier int64

// MinMultiplier is 1.00x, the floor of every round.
const MinMultiplier Multiplier = 100

// Float64 returns the multiplier as a display float.
func (m Multiplier) Float64() float64 {
	return float64(m) / 100
}

func (m Multiplier) String() string {
	return fmt.Sprintf("%d.%02dx", m/100, m%100)
}

// MultiplierFromFloat truncates f to hundredths. Values below 1.0 clamp to
// the minimum.
func MultiplierFromFloat(f float64) Multiplier {
	m := Multiplier(f * 100)
	if m < MinMultiplier {
		return MinMultiplier
	}
	return m
}

// Round is one betting cycle. Stakes and payouts are integer minor units.
type Round struct {
	ID             uint64     `json:"round_id"`
	Phase          Phase      `json:"phase"`
	BettingEndsAt  time.Time  `json:"betting_ends_at,omitempty"`
	CommitHeight   uint64     `json:"commit_height,omitempty"`
	RevealDeadline uint64     `json:"reveal_deadline,omitempty"`
	BlockHash      string     `json:"block_hash,omitempty"`
	CrashPoint     Multiplier `json:"crash_point,omitempty"`
	TotalStaked    int64      `json:"total_staked"`
	PlayerCount    int        `json:"player_count"`
	OpenedAt       time.Time  `json:"opened_at"`
	ResolvedAt     time.Time  `json:"resolved_at,omitempty"`
}

// Bet is one player's pre-committed stake and target within a round.
// Stake and Target are immutable after placement.
type Bet struct {
	ID       string     `json:"bet_id"`
	RoundID  uint64     `json:"round_id"`
	Player   string     `json:"player"`
	Stake    int64      `json:"stake"`
	Target   Multiplier `json:"target"`
	Pending  bool       `json:"pending"`
	Settled  bool       `json:"settled"`
	Won      bool       `json:"won"`
	Payout   int64      `json:"payout"`
	PlacedAt time.Time  `json:"placed_at"`
}

// Refund names a bet whose stake must be returned after a cancelled or
// expired round.
type Refund struct {
	BetID  string `json:"bet_id"`
	Player string `json:"player"`
	Amount int64  `json:"amount"`
}
