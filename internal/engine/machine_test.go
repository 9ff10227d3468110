package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeLedger records engine writes and can simulate rejections. A non-nil
// submitGate holds every SubmitBet until the channel closes, simulating a
// slow ledger with submissions in flight.
type fakeLedger struct {
	mu          sync.Mutex
	lastRound   uint64
	opened      []Round
	submitted   []Bet
	settles     int
	settledBets []Bet
	voids       []Phase
	refunds     []Refund
	rejectBets  bool
	submitGate  chan struct{}
}

func (f *fakeLedger) LastRoundID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRound, nil
}

func (f *fakeLedger) OpenRound(_ context.Context, r Round) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, r)
	f.lastRound = r.ID
	return nil
}

func (f *fakeLedger) SubmitBet(_ context.Context, b Bet) error {
	f.mu.Lock()
	gate := f.submitGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectBets {
		return errors.New("insufficient funds")
	}
	f.submitted = append(f.submitted, b)
	return nil
}

func (f *fakeLedger) LockRound(context.Context, uint64, uint64, uint64) error { return nil }

func (f *fakeLedger) ResolveRound(context.Context, uint64, string, Multiplier) error { return nil }

func (f *fakeLedger) SettleRound(_ context.Context, _ uint64, bets []Bet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles++
	f.settledBets = append(f.settledBets, bets...)
	return nil
}

func (f *fakeLedger) VoidRound(_ context.Context, _ uint64, phase Phase, refunds []Refund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voids = append(f.voids, phase)
	f.refunds = append(f.refunds, refunds...)
	return nil
}

func (f *fakeLedger) settleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settles
}

func (f *fakeLedger) hasSettledBet(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.settledBets {
		if b.ID == id {
			return true
		}
	}
	return false
}

func testMachine(t *testing.T, led *fakeLedger, src *stubEntropy) *Machine {
	t.Helper()
	fair := &Fairness{
		Source:       src,
		HouseEdge:    testEdge,
		MaxCrash:     testMax,
		CommitOffset: 2,
		RevealWindow: 10,
	}
	cfg := Config{
		BettingWindow: time.Hour, // explicit Lock in tests, never the timer
		RoundPause:    time.Hour,
		RevealRetry:   10 * time.Millisecond,
		RevealTimeout: time.Hour,
		MinStake:      1,
		MaxStake:      100000,
		MinTarget:     101,
		MaxTarget:     1000000,
	}
	m := NewMachine(cfg, fair, led, NewBroker())
	t.Cleanup(m.Stop)
	return m
}

// waitConfirmed blocks until the ledger submission for betID completes and
// the bet leaves the pending state.
func waitConfirmed(t *testing.T, m *Machine, betID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if b, ok := m.Bet(betID); ok && !b.Pending {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("bet %s never confirmed", betID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mineBlock(src *stubEntropy, height uint64) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("test-block-%d", height)))
	src.hashes[height] = hex.EncodeToString(sum[:])
	if src.height < height {
		src.height = height
	}
}

func TestMachine_FullRoundLifecycle(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, err := m.OpenRound(ctx)
	if err != nil {
		t.Fatalf("OpenRound() error: %v", err)
	}
	if r.ID != 1 || r.Phase != PhaseBetting {
		t.Fatalf("OpenRound() = id %d phase %s, want id 1 BETTING", r.ID, r.Phase)
	}

	bet, err := m.PlaceBet(ctx, r.ID, "alice", 100, 200)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	if !bet.Pending {
		t.Error("fresh bet should be pending until confirmed")
	}
	waitConfirmed(t, m, bet.ID)

	snap, _ := m.Snapshot()
	if snap.TotalStaked != 100 || snap.PlayerCount != 1 {
		t.Errorf("aggregates = %d staked, %d players; want 100, 1", snap.TotalStaked, snap.PlayerCount)
	}

	if err := m.Lock(ctx, r.ID); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	if err := m.Lock(ctx, r.ID); err != nil {
		t.Errorf("second Lock() = %v, want nil (idempotent)", err)
	}

	snap, _ = m.Snapshot()
	if snap.Phase != PhaseLocked || snap.CommitHeight != 12 {
		t.Fatalf("after lock: phase %s commit %d, want LOCKED 12", snap.Phase, snap.CommitHeight)
	}

	// No crash point may exist before resolution.
	if snap.CrashPoint != 0 {
		t.Fatal("crash point set before resolve")
	}

	var unavailable *FairnessUnavailableError
	if err := m.Resolve(ctx, r.ID); !errors.As(err, &unavailable) {
		t.Fatalf("Resolve() before block = %v, want FairnessUnavailableError", err)
	}

	mineBlock(src, 12)
	if err := m.Resolve(ctx, r.ID); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if err := m.Resolve(ctx, r.ID); err != nil {
		t.Errorf("second Resolve() = %v, want nil (idempotent)", err)
	}

	snap, _ = m.Snapshot()
	if snap.Phase != PhaseResolved || snap.CrashPoint < MinMultiplier {
		t.Fatalf("after resolve: phase %s crash %s", snap.Phase, snap.CrashPoint)
	}

	if err := m.Settle(ctx, r.ID); err != nil {
		t.Fatalf("Settle() error: %v", err)
	}

	got, _ := m.Bet(bet.ID)
	want := Settle(100, 200, snap.CrashPoint)
	if !got.Settled || got.Won != want.Won || got.Payout != want.Payout {
		t.Errorf("settled bet = %+v, want outcome %+v", got, want)
	}

	// Round ids strictly increase.
	r2, err := m.OpenRound(ctx)
	if err != nil {
		t.Fatalf("OpenRound() after settle: %v", err)
	}
	if r2.ID != 2 {
		t.Errorf("next round id = %d, want 2", r2.ID)
	}
}

func TestMachine_OpenRoundWhileActive(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	if _, err := m.OpenRound(ctx); err != nil {
		t.Fatalf("OpenRound() error: %v", err)
	}

	var phaseErr *PhaseError
	if _, err := m.OpenRound(ctx); !errors.As(err, &phaseErr) {
		t.Fatalf("OpenRound() with active round = %v, want PhaseError", err)
	}
}

func TestMachine_PlaceBetValidation(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)

	tests := []struct {
		name   string
		player string
		stake  int64
		target Multiplier
	}{
		{"stake below minimum", "alice", 0, 200},
		{"stake above maximum", "alice", 1000000, 200},
		{"target below minimum", "alice", 100, 100},
		{"target above maximum", "alice", 100, 99999999},
		{"missing player", "", 100, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var valErr *ValidationError
			if _, err := m.PlaceBet(ctx, r.ID, tt.player, tt.stake, tt.target); !errors.As(err, &valErr) {
				t.Errorf("PlaceBet() = %v, want ValidationError", err)
			}
		})
	}

	// A rejected bet leaves no partial state.
	snap, _ := m.Snapshot()
	if snap.TotalStaked != 0 || snap.PlayerCount != 0 {
		t.Errorf("aggregates after rejections = %d, %d; want 0, 0", snap.TotalStaked, snap.PlayerCount)
	}
}

func TestMachine_PlaceBetWrongPhase(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	if err := m.Lock(ctx, r.ID); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	var phaseErr *PhaseError
	if _, err := m.PlaceBet(ctx, r.ID, "bob", 100, 200); !errors.As(err, &phaseErr) {
		t.Fatalf("PlaceBet() after lock = %v, want PhaseError", err)
	}
}

func TestMachine_LedgerRejectionRollsBackBet(t *testing.T) {
	led := &fakeLedger{rejectBets: true}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	bet, err := m.PlaceBet(ctx, r.ID, "carol", 250, 300)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Bet(bet.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rejected bet never rolled back")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap, _ := m.Snapshot()
	if snap.TotalStaked != 0 || snap.PlayerCount != 0 {
		t.Errorf("aggregates after rollback = %d, %d; want 0, 0", snap.TotalStaked, snap.PlayerCount)
	}
}

func TestMachine_SettleIdempotent(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	bet, err := m.PlaceBet(ctx, r.ID, "dave", 500, 150)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	waitConfirmed(t, m, bet.ID)
	if err := m.Lock(ctx, r.ID); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	mineBlock(src, 12)
	if err := m.Resolve(ctx, r.ID); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if err := m.Settle(ctx, r.ID); err != nil {
		t.Fatalf("Settle() error: %v", err)
	}
	var conflict *SettlementConflictError
	if err := m.Settle(ctx, r.ID); !errors.As(err, &conflict) {
		t.Errorf("second Settle() = %v, want SettlementConflictError", err)
	}

	if led.settleCount() != 1 {
		t.Errorf("ledger settle calls = %d, want 1 (no double payout)", led.settleCount())
	}
}

func TestMachine_SettleHoldsUnconfirmedBet(t *testing.T) {
	gate := make(chan struct{})
	led := &fakeLedger{submitGate: gate}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	bet, err := m.PlaceBet(ctx, r.ID, "judy", 100, 200)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	// Run the round to completion while the submission is still in flight.
	if err := m.Lock(ctx, r.ID); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	mineBlock(src, 12)
	if err := m.Resolve(ctx, r.ID); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if err := m.Settle(ctx, r.ID); err != nil {
		t.Fatalf("Settle() error: %v", err)
	}

	if led.hasSettledBet(bet.ID) {
		t.Error("bet settled while its ledger submission was still in flight")
	}
	got, _ := m.Bet(bet.ID)
	if got.Settled {
		t.Error("unconfirmed bet marked settled locally")
	}

	// The ledger now refuses the bet; the rollback must still take effect.
	led.mu.Lock()
	led.rejectBets = true
	led.mu.Unlock()
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Bet(bet.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rejected bet never rolled back")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if led.hasSettledBet(bet.ID) {
		t.Error("rejected bet appears in the settlement record")
	}
}

func TestMachine_LateConfirmationSettlesBet(t *testing.T) {
	gate := make(chan struct{})
	led := &fakeLedger{submitGate: gate}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	bet, err := m.PlaceBet(ctx, r.ID, "mallory", 100, 200)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	if err := m.Lock(ctx, r.ID); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	mineBlock(src, 12)
	if err := m.Resolve(ctx, r.ID); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if err := m.Settle(ctx, r.ID); err != nil {
		t.Fatalf("Settle() error: %v", err)
	}

	// The ledger finally accepts the bet after the round settled; the bet
	// must still reach a settled state and be recorded.
	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.Bet(bet.ID)
		if got.Settled && led.hasSettledBet(bet.ID) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late-confirmed bet never settled: %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap, _ := m.Snapshot()
	got, _ := m.Bet(bet.ID)
	want := Settle(100, 200, snap.CrashPoint)
	if got.Won != want.Won || got.Payout != want.Payout {
		t.Errorf("late settlement = %+v, want outcome %+v", got, want)
	}
	if led.settleCount() != 2 {
		t.Errorf("ledger settle calls = %d, want 2 (round plus the late bet)", led.settleCount())
	}
}

func TestMachine_StaleOpsDuringRoundTurnover(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	// Hammer operations against a round id that never exists while rounds
	// open and cancel underneath them. Every call must fail cleanly.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			var phaseErr *PhaseError
			if err := m.Resolve(ctx, 999); !errors.As(err, &phaseErr) {
				t.Errorf("Resolve(999) = %v, want PhaseError", err)
				return
			}
			m.Settle(ctx, 999)
			m.Cancel(ctx, 999)
		}
	}()

	for i := 0; i < 50; i++ {
		r, err := m.OpenRound(ctx)
		if err != nil {
			t.Fatalf("OpenRound() #%d error: %v", i, err)
		}
		if err := m.Cancel(ctx, r.ID); err != nil {
			t.Fatalf("Cancel() #%d error: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestMachine_ExpireWhenChainStalls(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	fair := &Fairness{
		Source:       src,
		HouseEdge:    testEdge,
		MaxCrash:     testMax,
		CommitOffset: 2,
		RevealWindow: 10,
	}
	cfg := Config{
		BettingWindow: time.Hour,
		RoundPause:    time.Hour,
		RevealRetry:   10 * time.Millisecond,
		RevealTimeout: 50 * time.Millisecond,
		MinStake:      1,
		MaxStake:      100000,
		MinTarget:     101,
		MaxTarget:     1000000,
	}
	m := NewMachine(cfg, fair, led, NewBroker())
	t.Cleanup(m.Stop)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	if _, err := m.PlaceBet(ctx, r.ID, "ivan", 200, 250); err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	if err := m.Lock(ctx, r.ID); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	// The chain head never moves, so the height deadline is never crossed.
	// The wall-clock bound must still expire the round.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := m.Snapshot()
		if snap.Phase == PhaseExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stalled chain never expired the round, phase %s", snap.Phase)
		}
		time.Sleep(10 * time.Millisecond)
	}

	led.mu.Lock()
	defer led.mu.Unlock()
	if len(led.refunds) != 1 || led.refunds[0].Amount != 200 {
		t.Errorf("refunds = %+v, want the exact 200 stake", led.refunds)
	}
}

func TestMachine_ConcurrentResolveConverges(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	if err := m.Lock(ctx, r.ID); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	mineBlock(src, 12)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Resolve(ctx, r.ID)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Resolve() = %v, want nil", err)
		}
	}

	snap, _ := m.Snapshot()
	f := &Fairness{HouseEdge: testEdge, MaxCrash: testMax}
	if !f.Verify(snap.BlockHash, r.ID, snap.CrashPoint) {
		t.Error("converged crash point does not verify against committed entropy")
	}
}

func TestMachine_CancelRefundsAllBets(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	m.PlaceBet(ctx, r.ID, "erin", 100, 200)
	m.PlaceBet(ctx, r.ID, "frank", 300, 150)

	if err := m.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	snap, _ := m.Snapshot()
	if snap.Phase != PhaseCancelled {
		t.Errorf("phase = %s, want CANCELLED", snap.Phase)
	}

	led.mu.Lock()
	defer led.mu.Unlock()
	if len(led.refunds) != 2 {
		t.Fatalf("refunds = %d, want 2", len(led.refunds))
	}
	total := int64(0)
	for _, ref := range led.refunds {
		total += ref.Amount
	}
	if total != 400 {
		t.Errorf("refund total = %d, want exactly the staked 400", total)
	}
}

func TestMachine_ExpireWhenEntropyNeverArrives(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	m.PlaceBet(ctx, r.ID, "grace", 150, 200)
	if err := m.Lock(ctx, r.ID); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	// The chain advances past the reveal deadline without ever producing
	// the committed block's hash.
	src.height = 100

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := m.Snapshot()
		if snap.Phase == PhaseExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("round never expired, phase %s", snap.Phase)
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, _ := m.Snapshot()
	if snap.CrashPoint != 0 {
		t.Error("expired round must never carry a fabricated crash point")
	}

	led.mu.Lock()
	defer led.mu.Unlock()
	if len(led.refunds) != 1 || led.refunds[0].Amount != 150 {
		t.Errorf("refunds = %+v, want the exact 150 stake", led.refunds)
	}
}

func TestMachine_ApplyRemote(t *testing.T) {
	led := &fakeLedger{}
	src := &stubEntropy{height: 10, hashes: map[uint64]string{}}
	m := testMachine(t, led, src)
	ctx := context.Background()

	r, _ := m.OpenRound(ctx)
	bet, _ := m.PlaceBet(ctx, r.ID, "heidi", 100, 200)

	t.Run("confirms pending bets", func(t *testing.T) {
		err := m.ApplyRemote(RemoteUpdate{RoundID: r.ID, ConfirmedBetIDs: []string{bet.ID}})
		if err != nil {
			t.Fatalf("ApplyRemote() error: %v", err)
		}
		got, _ := m.Bet(bet.ID)
		if got.Pending {
			t.Error("bet still pending after confirmation")
		}
	})

	t.Run("advances phase", func(t *testing.T) {
		err := m.ApplyRemote(RemoteUpdate{RoundID: r.ID, Phase: PhaseLocked})
		if err != nil {
			t.Fatalf("ApplyRemote() error: %v", err)
		}
		snap, _ := m.Snapshot()
		if snap.Phase != PhaseLocked {
			t.Errorf("phase = %s, want LOCKED", snap.Phase)
		}
	})

	t.Run("rejects phase regression", func(t *testing.T) {
		var stale *StaleUpdateError
		err := m.ApplyRemote(RemoteUpdate{RoundID: r.ID, Phase: PhaseBetting})
		if !errors.As(err, &stale) {
			t.Fatalf("ApplyRemote() = %v, want StaleUpdateError", err)
		}
		snap, _ := m.Snapshot()
		if snap.Phase != PhaseLocked {
			t.Errorf("phase regressed to %s", snap.Phase)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		u := RemoteUpdate{RoundID: r.ID, Phase: PhaseResolved, CrashPoint: 400, TotalStaked: 100, PlayerCount: 1}
		for i := 0; i < 5; i++ {
			if err := m.ApplyRemote(u); err != nil {
				t.Fatalf("ApplyRemote() #%d error: %v", i, err)
			}
		}
		snap, _ := m.Snapshot()
		if snap.Phase != PhaseResolved || snap.CrashPoint != 400 || snap.TotalStaked != 100 {
			t.Errorf("state after repeated apply = %+v", snap)
		}
	})

	t.Run("rejects retired round", func(t *testing.T) {
		var stale *StaleUpdateError
		if err := m.ApplyRemote(RemoteUpdate{RoundID: r.ID - 1, Phase: PhaseLocked}); !errors.As(err, &stale) {
			t.Errorf("ApplyRemote() for old round = %v, want StaleUpdateError", err)
		}
	})

	t.Run("crash point is never overwritten", func(t *testing.T) {
		if err := m.ApplyRemote(RemoteUpdate{RoundID: r.ID, CrashPoint: 999}); err != nil {
			t.Fatalf("ApplyRemote() error: %v", err)
		}
		snap, _ := m.Snapshot()
		if snap.CrashPoint != 400 {
			t.Errorf("crash point mutated to %s", snap.CrashPoint)
		}
	})
}
