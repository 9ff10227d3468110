package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crash/internal/engine"
)

const (
	keyChainSeed    = "ledger:chain:seed"
	keyChainGenesis = "ledger:chain:genesis"
)

// Chain simulates the entropy chain the fairness scheme commits to. Blocks
// appear at a fixed interval and each hash derives from a network seed that
// is drawn once and persisted, so every node observing the same Redis sees
// the same chain. Stands in for a real block source behind the same
// interface.
type Chain struct {
	seed     []byte
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewChain loads or initialises the simulated chain. The first caller draws
// the network seed and genesis timestamp; later callers adopt them.
func NewChain(ctx context.Context, client *redis.Client, interval time.Duration) (*Chain, error) {
	if interval <= 0 {
		return nil, errors.New("chain interval must be positive")
	}

	seedHex, err := client.Get(ctx, keyChainSeed).Result()
	if errors.Is(err, redis.Nil) {
		fresh := make([]byte, 32)
		if _, err := rand.Read(fresh); err != nil {
			return nil, fmt.Errorf("draw network seed: %w", err)
		}
		seedHex = hex.EncodeToString(fresh)
		ok, err := client.SetNX(ctx, keyChainSeed, seedHex, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("store network seed: %w", err)
		}
		if !ok {
			// lost the race, adopt the winner's seed
			seedHex, err = client.Get(ctx, keyChainSeed).Result()
			if err != nil {
				return nil, fmt.Errorf("read network seed: %w", err)
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("read network seed: %w", err)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode network seed: %w", err)
	}

	genesisUnix, err := client.Get(ctx, keyChainGenesis).Int64()
	if errors.Is(err, redis.Nil) {
		genesisUnix = time.Now().Unix()
		ok, setErr := client.SetNX(ctx, keyChainGenesis, genesisUnix, 0).Result()
		if setErr != nil {
			return nil, fmt.Errorf("store genesis time: %w", setErr)
		}
		if !ok {
			genesisUnix, setErr = client.Get(ctx, keyChainGenesis).Int64()
			if setErr != nil {
				return nil, fmt.Errorf("read genesis time: %w", setErr)
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("read genesis time: %w", err)
	}

	return &Chain{
		seed:     seed,
		genesis:  time.Unix(genesisUnix, 0),
		interval: interval,
		now:      time.Now,
	}, nil
}

// Height reports the latest produced block height. Height 0 is genesis.
func (c *Chain) Height(ctx context.Context) (uint64, error) {
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return 0, nil
	}
	return uint64(elapsed / c.interval), nil
}

// BlockHash returns the hash at a height, or an error if the chain has not
// produced it yet. Hashes are deterministic in (seed, height) so commit
// verification reproduces them exactly.
func (c *Chain) BlockHash(ctx context.Context, height uint64) (string, error) {
	current, err := c.Height(ctx)
	if err != nil {
		return "", err
	}
	if height > current {
		return "", fmt.Errorf("block %d not yet produced (height %d)", height, current)
	}
	return c.hashAt(height), nil
}

func (c *Chain) hashAt(height uint64) string {
	h := sha256.New()
	h.Write(c.seed)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

var _ engine.EntropySource = (*Chain)(nil)
