package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// EntropySource is a feed of public, externally-unpredictable block hashes.
// BlockHash must fail for heights the chain has not reached yet.
type EntropySource interface {
	Height(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, height uint64) (string, error)
}

// Fairness derives crash points from entropy committed before it exists.
// The commitment fixes a future block height at lock time, so no party can
// pick a favorable outcome after seeing the bets.
type Fairness struct {
	Source       EntropySource
	HouseEdge    float64    // probability mass of an instant 1.00x crash
	MaxCrash     Multiplier // clamp for the mapped multiplier
	CommitOffset uint64     // blocks ahead of the lock-time height
	RevealWindow uint64     // blocks after commit before the round expires
}

// Commit returns the future block height whose hash will seed this round,
// plus the height past which the reveal is considered missed.
func (f *Fairness) Commit(ctx context.Context) (height, deadline uint64, err error) {
	current, err := f.Source.Height(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read chain height: %w", err)
	}
	height = current + f.CommitOffset
	return height, height + f.RevealWindow, nil
}

// Reveal fetches the committed block's hash and derives the crash point.
// Returns FairnessUnavailableError while the block does not exist yet.
// It never substitutes stale entropy: the only outcomes are the committed
// block's hash or an error.
func (f *Fairness) Reveal(ctx context.Context, commitHeight, roundID uint64) (string, Multiplier, error) {
	current, err := f.Source.Height(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("read chain height: %w", err)
	}
	if current < commitHeight {
		return "", 0, &FairnessUnavailableError{Height: commitHeight, Current: current}
	}
	blockHash, err := f.Source.BlockHash(ctx, commitHeight)
	if err != nil {
		return "", 0, fmt.Errorf("read block %d: %w", commitHeight, err)
	}
	return blockHash, f.CrashPoint(blockHash, roundID), nil
}

// Missed reports whether the chain has advanced past the reveal deadline
// without the round resolving.
func (f *Fairness) Missed(ctx context.Context, deadline uint64) (bool, error) {
	current, err := f.Source.Height(ctx)
	if err != nil {
		return false, fmt.Errorf("read chain height: %w", err)
	}
	return current > deadline, nil
}

// CrashPoint maps a revealed block hash and round id to a multiplier.
// The round id is mixed in as domain separation so one block can never be
// replayed across rounds.
func (f *Fairness) CrashPoint(blockHash string, roundID uint64) Multiplier {
	return DeriveCrashPoint(blockHash, roundID, f.HouseEdge, f.MaxCrash)
}

// Verify recomputes the crash point from public data. Fixed-point hundredths
// make the comparison exact, no epsilon needed.
func (f *Fairness) Verify(blockHash string, roundID uint64, claimed Multiplier) bool {
	return f.CrashPoint(blockHash, roundID) == claimed
}

// DeriveCrashPoint is the published mapping from entropy to crash point:
//
//	r     = HMAC-SHA256(blockHash, "crash:v1:round:<id>")[:8] / 2^64
//	crash = 1.00x          if r < edge
//	crash = (1-edge)/(1-r) otherwise, truncated to hundredths
//
// P(crash <= m) = 1 - (1-edge)/m, so the operator keeps the edge over many
// rounds and an edge-sized mass crashes instantly at 1.00x.
func DeriveCrashPoint(blockHash string, roundID uint64, edge float64, maxCrash Multiplier) Multiplier {
	key := []byte(blockHash)
	if decoded, err := hex.DecodeString(blockHash); err == nil {
		key = decoded
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "crash:v1:round:%d", roundID)
	sum := mac.Sum(nil)

	const maxUint64F = 18446744073709551616.0
	r := float64(binary.BigEndian.Uint64(sum[:8])) / maxUint64F

	if r < edge {
		return MinMultiplier
	}

	crash := MultiplierFromFloat((1.0 - edge) / (1.0 - r))
	if crash > maxCrash {
		return maxCrash
	}
	return crash
}
