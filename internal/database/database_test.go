package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crash/internal/engine"
)

func mustStartPostgresContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	var (
		dbName = "database"
		dbPwd  = "password"
		dbUser = "user"
	)

	// Create context with timeout to prevent hanging
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPwd),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	database = dbName
	password = dbPwd
	username = dbUser

	dbHost, err := dbContainer.Host(context.Background())
	if err != nil {
		return dbContainer.Terminate, err
	}

	dbPort, err := dbContainer.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		return dbContainer.Terminate, err
	}

	host = dbHost
	port = dbPort.Port()

	return dbContainer.Terminate, err
}

func applyMigrations() error {
	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		username, password, host, port, database)
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return RunMigrations(db, "../../migrations")
}

func TestMain(m *testing.M) {
	// Skip integration tests if SKIP_INTEGRATION env var is set
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	// Skip if Docker is not available
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartPostgresContainer()
	if err != nil {
		// Don't fail, just skip tests if container can't start
		os.Exit(0)
	}

	if err := applyMigrations(); err != nil {
		if teardown != nil {
			teardown(context.Background())
		}
		fmt.Fprintf(os.Stderr, "migrations failed: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if teardown != nil {
		teardown(context.Background())
	}

	os.Exit(code)
}

func isDockerAvailable() (available bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// testcontainers panics (rather than returning an error) when no Docker
	// host can be found at all; treat that the same as "not available".
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func TestNew(t *testing.T) {
	srv := New()
	if srv == nil {
		t.Fatal("New() returned nil")
	}
}

func TestHealth(t *testing.T) {
	srv := New()

	stats := srv.Health()

	if stats["status"] != "up" {
		t.Fatalf("expected status to be up, got %s", stats["status"])
	}

	if _, ok := stats["error"]; ok {
		t.Fatalf("expected error not to be present")
	}

	if stats["message"] != "It's healthy" {
		t.Fatalf("expected message to be 'It's healthy', got %s", stats["message"])
	}
}

func TestHistoryStore_ArchiveAndLoad(t *testing.T) {
	srv := New()
	store := NewHistoryStore(srv.Pool())
	ctx := context.Background()

	opened := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
	resolved := time.Now().UTC().Truncate(time.Microsecond)
	round := engine.Round{
		ID:             41,
		Phase:          engine.PhaseSettled,
		CrashPoint:     engine.Multiplier(340),
		BlockHash:      "ab12",
		CommitHeight:   900,
		RevealDeadline: 910,
		TotalStaked:    150,
		PlayerCount:    2,
		OpenedAt:       opened,
		ResolvedAt:     resolved,
	}
	bets := []engine.Bet{
		{ID: "11111111-1111-1111-1111-111111111111", RoundID: 41, Player: "alice",
			Stake: 50, Target: engine.Multiplier(250), Won: true, Payout: 125, PlacedAt: opened},
		{ID: "22222222-2222-2222-2222-222222222222", RoundID: 41, Player: "bob",
			Stake: 100, Target: engine.Multiplier(400), Won: false, PlacedAt: opened},
	}

	if err := store.ArchiveRound(ctx, round, bets); err != nil {
		t.Fatalf("ArchiveRound: %v", err)
	}
	// Re-archiving must be a no-op, not an error.
	if err := store.ArchiveRound(ctx, round, bets); err != nil {
		t.Fatalf("ArchiveRound replay: %v", err)
	}

	got, err := store.Round(ctx, 41)
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if got.CrashPoint != round.CrashPoint || got.Phase != round.Phase {
		t.Errorf("loaded round = %+v, want crash %v phase %v", got, round.CrashPoint, round.Phase)
	}
	if got.BlockHash != "ab12" || got.CommitHeight != 900 {
		t.Errorf("fairness fields not preserved: %+v", got)
	}

	gotBets, err := store.RoundBets(ctx, 41)
	if err != nil {
		t.Fatalf("RoundBets: %v", err)
	}
	if len(gotBets) != 2 {
		t.Fatalf("got %d bets, want 2", len(gotBets))
	}
	for _, b := range gotBets {
		if b.Player == "alice" && b.Payout != 125 {
			t.Errorf("alice payout = %d, want 125", b.Payout)
		}
		if b.Player == "bob" && (b.Won || b.Payout != 0) {
			t.Errorf("bob should have lost with zero payout: %+v", b)
		}
	}

	if _, err := store.Round(ctx, 9999); err != ErrRoundNotFound {
		t.Errorf("missing round error = %v, want ErrRoundNotFound", err)
	}
}

func TestHistoryStore_RecentRounds(t *testing.T) {
	srv := New()
	store := NewHistoryStore(srv.Pool())
	ctx := context.Background()

	for id := uint64(100); id < 105; id++ {
		r := engine.Round{
			ID:         id,
			Phase:      engine.PhaseSettled,
			CrashPoint: engine.Multiplier(100 + id),
			OpenedAt:   time.Now().UTC(),
		}
		if err := store.ArchiveRound(ctx, r, nil); err != nil {
			t.Fatalf("ArchiveRound %d: %v", id, err)
		}
	}

	recent, err := store.RecentRounds(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRounds: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d rounds, want 3", len(recent))
	}
	if recent[0].ID != 104 || recent[1].ID != 103 || recent[2].ID != 102 {
		t.Errorf("rounds not newest first: %d, %d, %d", recent[0].ID, recent[1].ID, recent[2].ID)
	}
}

func TestClose(t *testing.T) {
	srv := New()

	if srv.Close() != nil {
		t.Fatalf("expected Close() to return nil")
	}
}
