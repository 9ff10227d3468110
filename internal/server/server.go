package server

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crash/internal/archiver"
	"crash/internal/cache"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/engine"
	"crash/internal/ledger"
	"crash/internal/reconcile"
)

type FiberServer struct {
	*fiber.App

	cfg     *config.Config
	db      database.Service
	cache   cache.Service
	ledger  *ledger.Redis
	history *database.HistoryStore

	fairness   *engine.Fairness
	machine    *engine.Machine
	broker     *engine.Broker
	hub        *Hub
	reconciler *reconcile.Reconciler
	archiver   *archiver.Archiver

	runCancel context.CancelFunc
}

func New(cfg *config.Config) *FiberServer {
	// Initialize database
	db := database.New()

	// Initialize Redis
	redisService, err := cache.New()
	if err != nil {
		log.Fatalf("[SERVER] Redis is required for the round ledger: %v", err)
	}

	led := ledger.NewRedis(redisService.GetClient())

	chain, err := ledger.NewChain(context.Background(), redisService.GetClient(), cfg.BlockInterval())
	if err != nil {
		log.Fatalf("[SERVER] chain init failed: %v", err)
	}

	fair := &engine.Fairness{
		Source:       chain,
		HouseEdge:    cfg.Fairness.HouseEdge,
		MaxCrash:     engine.Multiplier(cfg.Fairness.MaxCrash),
		CommitOffset: cfg.Fairness.CommitOffset,
		RevealWindow: cfg.Fairness.RevealWindow,
	}

	broker := engine.NewBroker()
	machine := engine.NewMachine(engine.Config{
		BettingWindow: cfg.BettingWindow(),
		RoundPause:    cfg.RoundPause(),
		RevealRetry:   cfg.RevealRetry(),
		RevealTimeout: cfg.RevealTimeout(),
		MinStake:      cfg.Game.MinStake,
		MaxStake:      cfg.Game.MaxStake,
		MinTarget:     engine.Multiplier(cfg.Game.MinTarget),
		MaxTarget:     engine.Multiplier(cfg.Game.MaxTarget),
		AutoCycle:     cfg.Game.AutoCycle,
	}, fair, led, broker)

	machine.SetAnimator(&engine.Animator{
		Clock:  engine.GrowthClock{Rate: cfg.Game.GrowthRate},
		Broker: broker,
		Tick:   cfg.Tick(),
	})

	history := database.NewHistoryStore(db.Pool())

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crash",
			AppName:       "crash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:     cfg,
		db:      db,
		cache:   redisService,
		ledger:  led,
		history: history,

		fairness: fair,
		machine:  machine,
		broker:   broker,
	}

	server.hub = NewHub(broker)
	server.reconciler = reconcile.New(led, machine, reconcile.Config{
		FastPoll:   cfg.FastPoll(),
		SlowPoll:   cfg.SlowPoll(),
		MaxBackoff: cfg.MaxBackoff(),
	})
	server.archiver = archiver.New(led, history, broker)

	// Apply global middleware
	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	return server
}

// Start launches the round machine, reconciler, hub and archiver.
func (s *FiberServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel

	go s.hub.Run(ctx)
	go s.reconciler.Run(ctx)

	if err := s.archiver.Start(s.cfg.Archive.FlushCron); err != nil {
		cancel()
		return err
	}
	if err := s.machine.Start(ctx); err != nil {
		cancel()
		return err
	}

	log.Println("[SERVER] Round machine, reconciler and archiver started")
	return nil
}

// Shutdown gracefully shuts down the server and round components
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.machine != nil {
		s.machine.Stop()
	}
	if s.archiver != nil {
		s.archiver.Stop()
	}
	if s.runCancel != nil {
		s.runCancel()
	}

	// Close connections
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
