package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crash/internal/engine"
)

// ErrRoundNotFound is returned when a round id has no archived record.
var ErrRoundNotFound = errors.New("round not found")

// HistoryStore archives retired rounds and their bets.
type HistoryStore struct {
	pool *pgxpool.Pool
}

func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// ArchiveRound writes a retired round and its bets in one transaction.
// Re-archiving the same round is a no-op.
func (s *HistoryStore) ArchiveRound(ctx context.Context, r engine.Round, bets []engine.Bet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var resolvedAt *time.Time
	if !r.ResolvedAt.IsZero() {
		resolvedAt = &r.ResolvedAt
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO rounds (id, phase, crash_point, block_hash, commit_height,
			reveal_deadline, total_staked, player_count, opened_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, string(r.Phase), int64(r.CrashPoint), r.BlockHash, r.CommitHeight,
		r.RevealDeadline, r.TotalStaked, r.PlayerCount, r.OpenedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil // already archived
	}

	for _, b := range bets {
		_, err := tx.Exec(ctx, `
			INSERT INTO bets (id, round_id, player, stake, target, won, payout, placed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			b.ID, b.RoundID, b.Player, b.Stake, int64(b.Target), b.Won, b.Payout, b.PlacedAt)
		if err != nil {
			return fmt.Errorf("insert bet %s: %w", b.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Round loads one archived round.
func (s *HistoryStore) Round(ctx context.Context, id uint64) (engine.Round, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, phase, crash_point, block_hash, commit_height,
			reveal_deadline, total_staked, player_count, opened_at, resolved_at
		FROM rounds WHERE id = $1`, id)

	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Round{}, ErrRoundNotFound
	}
	if err != nil {
		return engine.Round{}, fmt.Errorf("load round %d: %w", id, err)
	}
	return r, nil
}

// RecentRounds returns the newest archived rounds, newest first.
func (s *HistoryStore) RecentRounds(ctx context.Context, limit int) ([]engine.Round, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, phase, crash_point, block_hash, commit_height,
			reveal_deadline, total_staked, player_count, opened_at, resolved_at
		FROM rounds ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent rounds: %w", err)
	}
	defer rows.Close()

	var out []engine.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RoundBets returns the archived bets of one round.
func (s *HistoryStore) RoundBets(ctx context.Context, roundID uint64) ([]engine.Bet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, player, stake, target, won, payout, placed_at
		FROM bets WHERE round_id = $1 ORDER BY placed_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("query bets for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var out []engine.Bet
	for rows.Next() {
		var b engine.Bet
		var target int64
		if err := rows.Scan(&b.ID, &b.RoundID, &b.Player, &b.Stake, &target,
			&b.Won, &b.Payout, &b.PlacedAt); err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		b.Target = engine.Multiplier(target)
		b.Settled = true
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanRound(row pgx.Row) (engine.Round, error) {
	var r engine.Round
	var phase string
	var crash int64
	var resolvedAt *time.Time
	err := row.Scan(&r.ID, &phase, &crash, &r.BlockHash, &r.CommitHeight,
		&r.RevealDeadline, &r.TotalStaked, &r.PlayerCount, &r.OpenedAt, &resolvedAt)
	if err != nil {
		return engine.Round{}, err
	}
	r.Phase = engine.Phase(phase)
	r.CrashPoint = engine.Multiplier(crash)
	if resolvedAt != nil {
		r.ResolvedAt = *resolvedAt
	}
	return r, nil
}
