// Package ledger provides the engine's external source of truth. In a real
// deployment this is an on-chain program or custody service; the Redis
// implementation here records the same state transitions and emits the same
// notifications so the engine runs end to end against the ledger contract.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"crash/internal/engine"
	"crash/internal/reconcile"
)

const (
	keyRoundPrefix = "ledger:round:"
	keyBetsPrefix  = "ledger:bets:"
	keyLastRound   = "ledger:round:last"
	keySeq         = "ledger:seq"
	eventsChannel  = "ledger:events"

	recordTTL = 24 * time.Hour
)

// roundDoc is the stored round plus the event sequence of its last mutation.
type roundDoc struct {
	Round engine.Round `json:"round"`
	Seq   uint64       `json:"seq"`
}

// wireEvent is the pub/sub payload for ledger notifications.
type wireEvent struct {
	Seq         uint64            `json:"seq"`
	RoundID     uint64            `json:"round_id"`
	Type        string            `json:"type"`
	Phase       engine.Phase      `json:"phase,omitempty"`
	CrashPoint  engine.Multiplier `json:"crash_point,omitempty"`
	BlockHash   string            `json:"block_hash,omitempty"`
	BetID       string            `json:"bet_id,omitempty"`
	TotalStaked int64             `json:"total_staked,omitempty"`
	PlayerCount int               `json:"player_count,omitempty"`
}

// Redis is a Redis-backed ledger. It implements both the engine's write
// contract and the reconciler's read contract.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (l *Redis) LastRoundID(ctx context.Context) (uint64, error) {
	id, err := l.client.Get(ctx, keyLastRound).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last round: %w", err)
	}
	return id, nil
}

func (l *Redis) OpenRound(ctx context.Context, r engine.Round) error {
	last, err := l.LastRoundID(ctx)
	if err != nil {
		return err
	}
	if r.ID <= last {
		return fmt.Errorf("round id %d not above last %d", r.ID, last)
	}

	doc := roundDoc{Round: r}
	seq, err := l.writeRound(ctx, &doc)
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, keyLastRound, r.ID, 0).Err(); err != nil {
		return fmt.Errorf("advance last round: %w", err)
	}
	l.publish(ctx, wireEvent{
		Seq:     seq,
		RoundID: r.ID,
		Type:    "RoundStarted",
		Phase:   r.Phase,
	})
	return nil
}

func (l *Redis) SubmitBet(ctx context.Context, b engine.Bet) error {
	doc, err := l.readRound(ctx, b.RoundID)
	if err != nil {
		return err
	}
	if doc.Round.Phase != engine.PhaseBetting {
		return fmt.Errorf("round %d is %s, not accepting bets", b.RoundID, doc.Round.Phase)
	}

	b.Pending = false // a ledger-recorded bet is confirmed by definition
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bet: %w", err)
	}
	betsKey := keyBetsPrefix + fmt.Sprint(b.RoundID)
	if err := l.client.HSet(ctx, betsKey, b.ID, data).Err(); err != nil {
		return fmt.Errorf("store bet: %w", err)
	}
	l.client.Expire(ctx, betsKey, recordTTL)

	doc.Round.TotalStaked += b.Stake
	doc.Round.PlayerCount = l.countPlayers(ctx, b.RoundID)
	seq, err := l.writeRound(ctx, doc)
	if err != nil {
		return err
	}
	l.publish(ctx, wireEvent{
		Seq:         seq,
		RoundID:     b.RoundID,
		Type:        "BetPlaced",
		BetID:       b.ID,
		TotalStaked: doc.Round.TotalStaked,
		PlayerCount: doc.Round.PlayerCount,
	})
	return nil
}

func (l *Redis) LockRound(ctx context.Context, roundID, commitHeight, revealDeadline uint64) error {
	return l.transition(ctx, roundID, "RoundLocked", func(r *engine.Round) error {
		if r.Phase == engine.PhaseLocked {
			return nil
		}
		if r.Phase != engine.PhaseBetting {
			return fmt.Errorf("round %d is %s, cannot lock", roundID, r.Phase)
		}
		r.Phase = engine.PhaseLocked
		r.CommitHeight = commitHeight
		r.RevealDeadline = revealDeadline
		return nil
	})
}

func (l *Redis) ResolveRound(ctx context.Context, roundID uint64, blockHash string, crashPoint engine.Multiplier) error {
	return l.transition(ctx, roundID, "RoundResolved", func(r *engine.Round) error {
		if r.Phase == engine.PhaseResolved {
			return nil
		}
		if r.Phase != engine.PhaseLocked {
			return fmt.Errorf("round %d is %s, cannot resolve", roundID, r.Phase)
		}
		r.Phase = engine.PhaseResolved
		r.BlockHash = blockHash
		r.CrashPoint = crashPoint
		r.ResolvedAt = time.Now()
		return nil
	})
}

func (l *Redis) SettleRound(ctx context.Context, roundID uint64, bets []engine.Bet) error {
	betsKey := keyBetsPrefix + fmt.Sprint(roundID)
	for _, b := range bets {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode settled bet: %w", err)
		}
		if err := l.client.HSet(ctx, betsKey, b.ID, data).Err(); err != nil {
			return fmt.Errorf("store settled bet %s: %w", b.ID, err)
		}
	}
	return l.transition(ctx, roundID, "PlayerSettled", func(r *engine.Round) error {
		if r.Phase == engine.PhaseSettled {
			return nil
		}
		if r.Phase != engine.PhaseResolved {
			return fmt.Errorf("round %d is %s, cannot settle", roundID, r.Phase)
		}
		r.Phase = engine.PhaseSettled
		return nil
	})
}

func (l *Redis) VoidRound(ctx context.Context, roundID uint64, phase engine.Phase, refunds []engine.Refund) error {
	for _, ref := range refunds {
		log.Printf("[LEDGER] refund %d to %s for bet %s", ref.Amount, ref.Player, ref.BetID)
	}
	return l.transition(ctx, roundID, "RoundVoided", func(r *engine.Round) error {
		if r.Phase == phase {
			return nil
		}
		if r.Phase.Terminal() {
			return fmt.Errorf("round %d already terminal (%s)", roundID, r.Phase)
		}
		r.Phase = phase
		return nil
	})
}

// FetchRound returns the pull-channel snapshot of the latest round.
func (l *Redis) FetchRound(ctx context.Context) (reconcile.Snapshot, error) {
	id, err := l.LastRoundID(ctx)
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	if id == 0 {
		// Nothing recorded yet; an empty snapshot is a valid answer.
		return reconcile.Snapshot{}, nil
	}
	doc, err := l.readRound(ctx, id)
	if err != nil {
		return reconcile.Snapshot{}, err
	}

	betIDs, err := l.client.HKeys(ctx, keyBetsPrefix+fmt.Sprint(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return reconcile.Snapshot{}, fmt.Errorf("read bet ids: %w", err)
	}
	return reconcile.Snapshot{
		Seq:             doc.Seq,
		Round:           doc.Round,
		ConfirmedBetIDs: betIDs,
	}, nil
}

// Subscribe opens the push channel over Redis pub/sub.
func (l *Redis) Subscribe(ctx context.Context) (<-chan reconcile.PushEvent, func(), error) {
	pubsub := l.client.Subscribe(ctx, eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to ledger events: %w", err)
	}

	out := make(chan reconcile.PushEvent, 128)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[LEDGER] bad event payload: %v", err)
				continue
			}
			out <- reconcile.PushEvent{
				Seq:         ev.Seq,
				RoundID:     ev.RoundID,
				Type:        ev.Type,
				Phase:       ev.Phase,
				CrashPoint:  ev.CrashPoint,
				BlockHash:   ev.BlockHash,
				BetID:       ev.BetID,
				TotalStaked: ev.TotalStaked,
				PlayerCount: ev.PlayerCount,
			}
		}
	}()
	stop := func() { pubsub.Close() }
	return out, stop, nil
}

// Bets returns every recorded bet for a round.
func (l *Redis) Bets(ctx context.Context, roundID uint64) ([]engine.Bet, error) {
	entries, err := l.client.HGetAll(ctx, keyBetsPrefix+fmt.Sprint(roundID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read bets for round %d: %w", roundID, err)
	}
	bets := make([]engine.Bet, 0, len(entries))
	for _, raw := range entries {
		var b engine.Bet
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			log.Printf("[LEDGER] bad bet record: %v", err)
			continue
		}
		bets = append(bets, b)
	}
	return bets, nil
}

// Round returns one stored round.
func (l *Redis) Round(ctx context.Context, roundID uint64) (engine.Round, error) {
	doc, err := l.readRound(ctx, roundID)
	if err != nil {
		return engine.Round{}, err
	}
	return doc.Round, nil
}

func (l *Redis) transition(ctx context.Context, roundID uint64, eventType string, mutate func(*engine.Round) error) error {
	doc, err := l.readRound(ctx, roundID)
	if err != nil {
		return err
	}
	before := doc.Round.Phase
	if err := mutate(&doc.Round); err != nil {
		return err
	}
	if doc.Round.Phase == before {
		return nil // idempotent replay
	}
	seq, err := l.writeRound(ctx, doc)
	if err != nil {
		return err
	}
	l.publish(ctx, wireEvent{
		Seq:        seq,
		RoundID:    roundID,
		Type:       eventType,
		Phase:      doc.Round.Phase,
		CrashPoint: doc.Round.CrashPoint,
		BlockHash:  doc.Round.BlockHash,
	})
	return nil
}

func (l *Redis) readRound(ctx context.Context, roundID uint64) (*roundDoc, error) {
	raw, err := l.client.Get(ctx, keyRoundPrefix+fmt.Sprint(roundID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("round %d not found", roundID)
	}
	if err != nil {
		return nil, fmt.Errorf("read round %d: %w", roundID, err)
	}
	var doc roundDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode round %d: %w", roundID, err)
	}
	return &doc, nil
}

func (l *Redis) writeRound(ctx context.Context, doc *roundDoc) (uint64, error) {
	seq, err := l.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	doc.Seq = uint64(seq)
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode round: %w", err)
	}
	key := keyRoundPrefix + fmt.Sprint(doc.Round.ID)
	if err := l.client.Set(ctx, key, data, recordTTL).Err(); err != nil {
		return 0, fmt.Errorf("store round: %w", err)
	}
	return doc.Seq, nil
}

func (l *Redis) publish(ctx context.Context, ev wireEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[LEDGER] encode event: %v", err)
		return
	}
	if err := l.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		log.Printf("[LEDGER] publish event: %v", err)
	}
}

func (l *Redis) countPlayers(ctx context.Context, roundID uint64) int {
	entries, err := l.client.HGetAll(ctx, keyBetsPrefix+fmt.Sprint(roundID)).Result()
	if err != nil {
		return 0
	}
	players := make(map[string]bool)
	for _, raw := range entries {
		var b engine.Bet
		if json.Unmarshal([]byte(raw), &b) == nil {
			players[b.Player] = true
		}
	}
	return len(players)
}
