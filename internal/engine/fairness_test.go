package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"encoding/hex"
	"fmt"
	"testing"
)

const (
	testEdge              = 0.03
	testMax    Multiplier = 100000000 // 1,000,000.00x
)

func TestDeriveCrashPoint_Deterministic(t *testing.T) {
	hash := "a3f1c2d4e5b6978812345678deadbeefcafebabe00112233445566778899aabb"

	first := DeriveCrashPoint(hash, 42, testEdge, testMax)
	for i := 0; i < 10; i++ {
		if got := DeriveCrashPoint(hash, 42, testEdge, testMax); got != first {
			t.Fatalf("DeriveCrashPoint() not deterministic: %s vs %s", got, first)
		}
	}
}

func TestDeriveCrashPoint_Bounds(t *testing.T) {
	for i := 0; i < 500; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("block-%d", i)))
		got := DeriveCrashPoint(hex.EncodeToString(sum[:]), uint64(i), testEdge, testMax)
		if got < MinMultiplier {
			t.Fatalf("crash point %s below 1.00x", got)
		}
		if got > testMax {
			t.Fatalf("crash point %s above maximum %s", got, testMax)
		}
	}
}

func TestDeriveCrashPoint_DomainSeparation(t *testing.T) {
	hash := "f00dface00112233445566778899aabbccddeeff00112233445566778899aabb"

	// The same entropy block must never be reusable across rounds.
	seen := make(map[Multiplier]int)
	for round := uint64(1); round <= 50; round++ {
		seen[DeriveCrashPoint(hash, round, testEdge, testMax)]++
	}
	if len(seen) < 2 {
		t.Error("same block hash produced identical crash points across all rounds")
	}
}

func TestDeriveCrashPoint_HouseEdge(t *testing.T) {
	instant := 0
	total := 5000
	for i := 0; i < total; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("edge-%d", i)))
		if DeriveCrashPoint(hex.EncodeToString(sum[:]), uint64(i), testEdge, testMax) == MinMultiplier {
			instant++
		}
	}

	// Roughly 3% of rounds crash instantly; allow generous variance.
	if instant < total*15/1000 || instant > total*60/1000 {
		t.Errorf("instant crash rate %d/%d outside expected band for 3%% edge", instant, total)
	}
}

func TestFairness_Verify(t *testing.T) {
	f := &Fairness{HouseEdge: testEdge, MaxCrash: testMax}
	hash := "1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd"
	actual := f.CrashPoint(hash, 7)

	tests := []struct {
		name    string
		hash    string
		roundID uint64
		claimed Multiplier
		want    bool
	}{
		{"valid claim", hash, 7, actual, true},
		{"wrong multiplier", hash, 7, actual + 1, false},
		{"wrong round", hash, 8, actual, false},
		{"wrong hash", "ffff" + hash[4:], 7, actual, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Verify(tt.hash, tt.roundID, tt.claimed); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

type stubEntropy struct {
	height uint64
	hashes map[uint64]string
}

func (s *stubEntropy) Height(context.Context) (uint64, error) {
	return s.height, nil
}

func (s *stubEntropy) BlockHash(_ context.Context, h uint64) (string, error) {
	hash, ok := s.hashes[h]
	if !ok {
		return "", fmt.Errorf("block %d not found", h)
	}
	return hash, nil
}

func TestFairness_CommitReveal(t *testing.T) {
	src := &stubEntropy{height: 100, hashes: map[uint64]string{}}
	f := &Fairness{
		Source:       src,
		HouseEdge:    testEdge,
		MaxCrash:     testMax,
		CommitOffset: 3,
		RevealWindow: 10,
	}
	ctx := context.Background()

	height, deadline, err := f.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if height != 103 {
		t.Errorf("Commit() height = %d, want 103", height)
	}
	if deadline != 113 {
		t.Errorf("Commit() deadline = %d, want 113", deadline)
	}

	// The committed block does not exist yet.
	var unavailable *FairnessUnavailableError
	if _, _, err := f.Reveal(ctx, height, 1); !errors.As(err, &unavailable) {
		t.Fatalf("Reveal() error = %v, want FairnessUnavailableError", err)
	}

	// Chain reaches the committed height.
	sum := sha256.Sum256([]byte("block-103"))
	src.hashes[103] = hex.EncodeToString(sum[:])
	src.height = 103

	blockHash, crash, err := f.Reveal(ctx, height, 1)
	if err != nil {
		t.Fatalf("Reveal() error: %v", err)
	}
	if blockHash != src.hashes[103] {
		t.Errorf("Reveal() hash = %s, want committed block hash", blockHash)
	}
	if !f.Verify(blockHash, 1, crash) {
		t.Error("revealed crash point does not verify")
	}

	missed, err := f.Missed(ctx, deadline)
	if err != nil || missed {
		t.Errorf("Missed() = %v, %v before deadline", missed, err)
	}
	src.height = deadline + 1
	missed, err = f.Missed(ctx, deadline)
	if err != nil || !missed {
		t.Errorf("Missed() = %v, %v past deadline, want true", missed, err)
	}
}

func BenchmarkDeriveCrashPoint(b *testing.B) {
	hash := "a3f1c2d4e5b6978812345678deadbeefcafebabe00112233445566778899aabb"
	for i := 0; i < b.N; i++ {
		DeriveCrashPoint(hash, uint64(i), testEdge, testMax)
	}
}
