package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"crash/internal/database"
	"crash/internal/engine"
)

func (s *FiberServer) RegisterFiberRoutes() {
	// Apply CORS middleware
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	// Basic routes
	s.App.Get("/health", s.healthHandler)

	// Round routes
	api := s.App.Group("/api/v1")

	api.Get("/round/current", s.getCurrentRoundHandler)
	api.Post("/round/bet", s.placeBetHandler)
	api.Get("/round/bet/:betId", s.getBetHandler)
	api.Get("/round/:id/verify", s.verifyRoundHandler)
	api.Get("/rounds/recent", s.getRecentRoundsHandler)

	// Admin routes for manual round control
	admin := api.Group("/admin")
	admin.Post("/round/open", s.openRoundHandler)
	admin.Post("/round/:id/lock", s.lockRoundHandler)
	admin.Post("/round/:id/cancel", s.cancelRoundHandler)

	// WebSocket route
	s.App.Get("/ws", websocket.New(s.roundWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cache.Health(),
		"engine": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	return c.JSON(health)
}

// getCurrentRoundHandler returns the live round and its bets
func (s *FiberServer) getCurrentRoundHandler(c *fiber.Ctx) error {
	round, ok := s.machine.Snapshot()
	if !ok {
		return c.Status(404).JSON(fiber.Map{
			"error": "No active round",
		})
	}
	return c.JSON(fiber.Map{
		"round": round,
		"bets":  s.machine.Bets(),
	})
}

// placeBetHandler handles bet placement requests
func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req struct {
		RoundID uint64 `json:"round_id"`
		Player  string `json:"player"`
		Stake   int64  `json:"stake"`
		Target  int64  `json:"target"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Player == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "Player is required",
		})
	}

	bet, err := s.machine.PlaceBet(c.Context(), req.RoundID, req.Player, req.Stake, engine.Multiplier(req.Target))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(bet)
}

// getBetHandler returns one bet from the live round
func (s *FiberServer) getBetHandler(c *fiber.Ctx) error {
	bet, ok := s.machine.Bet(c.Params("betId"))
	if !ok {
		return c.Status(404).JSON(fiber.Map{
			"error": "Bet not found",
		})
	}
	return c.JSON(bet)
}

// verifyRoundHandler replays the crash point derivation for a retired round
// so anyone can check the outcome against the committed block hash.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid round id",
		})
	}

	round, ok := s.lookupRound(c, id)
	if !ok {
		return c.Status(404).JSON(fiber.Map{
			"error": "Round not found",
		})
	}
	if round.BlockHash == "" {
		return c.Status(409).JSON(fiber.Map{
			"error": "Round has no revealed entropy yet",
			"phase": round.Phase,
		})
	}

	derived := s.fairness.CrashPoint(round.BlockHash, round.ID)
	return c.JSON(fiber.Map{
		"round_id":      round.ID,
		"block_hash":    round.BlockHash,
		"commit_height": round.CommitHeight,
		"crash_point":   round.CrashPoint,
		"derived":       derived,
		"valid":         s.fairness.Verify(round.BlockHash, round.ID, round.CrashPoint),
	})
}

func (s *FiberServer) lookupRound(c *fiber.Ctx, id uint64) (engine.Round, bool) {
	if live, ok := s.machine.Snapshot(); ok && live.ID == id {
		return live, true
	}
	if round, err := s.ledger.Round(c.Context(), id); err == nil {
		return round, true
	}
	round, err := s.history.Round(c.Context(), id)
	if err != nil {
		if !errors.Is(err, database.ErrRoundNotFound) {
			log.Printf("[SERVER] history lookup for round %d: %v", id, err)
		}
		return engine.Round{}, false
	}
	return round, true
}

// getRecentRoundsHandler returns the newest archived rounds
func (s *FiberServer) getRecentRoundsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", s.cfg.Archive.RecentLimit)
	rounds, err := s.history.RecentRounds(c.Context(), limit)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to load rounds",
		})
	}
	if rounds == nil {
		rounds = []engine.Round{}
	}
	return c.JSON(fiber.Map{
		"rounds": rounds,
	})
}

// openRoundHandler opens the next round
func (s *FiberServer) openRoundHandler(c *fiber.Ctx) error {
	round, err := s.machine.OpenRound(c.Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(round)
}

// lockRoundHandler closes betting and commits the entropy height
func (s *FiberServer) lockRoundHandler(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid round id",
		})
	}
	if err := s.machine.Lock(c.Context(), id); err != nil {
		return errorResponse(c, err)
	}
	round, _ := s.machine.Snapshot()
	return c.JSON(round)
}

// cancelRoundHandler voids the round and refunds every bet
func (s *FiberServer) cancelRoundHandler(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid round id",
		})
	}
	if err := s.machine.Cancel(c.Context(), id); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"round_id": id,
		"phase":    engine.PhaseCancelled,
	})
}

// errorResponse maps engine errors to HTTP statuses.
func errorResponse(c *fiber.Ctx, err error) error {
	var phaseErr *engine.PhaseError
	var validationErr *engine.ValidationError
	var fairErr *engine.FairnessUnavailableError

	switch {
	case errors.As(err, &validationErr):
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &phaseErr):
		return c.Status(409).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &fairErr):
		return c.Status(503).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("[SERVER] request failed: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "Internal error"})
	}
}

// roundWebSocketHandler streams round events to a client
func (s *FiberServer) roundWebSocketHandler(conn *websocket.Conn) {
	player := conn.Query("player", "anonymous")

	log.Printf("[WS] New connection from player: %s", player)

	client := s.hub.RegisterClient(conn, player)

	// Send initial state
	if round, ok := s.machine.Snapshot(); ok {
		client.sendJSON(map[string]interface{}{
			"type": "initial_state",
			"data": fiber.Map{
				"round": round,
				"bets":  s.machine.Bets(),
			},
		})
	}

	// Handle incoming messages
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for player %s: %v", player, err)
			s.hub.UnregisterClient(client)
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var clientMsg struct {
			Type    string `json:"type"`
			RoundID uint64 `json:"round_id"`
			Stake   int64  `json:"stake"`
			Target  int64  `json:"target"`
		}
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			continue
		}

		switch clientMsg.Type {
		case "place_bet":
			bet, err := s.machine.PlaceBet(context.Background(), clientMsg.RoundID, player,
				clientMsg.Stake, engine.Multiplier(clientMsg.Target))
			if err != nil {
				client.sendJSON(map[string]interface{}{
					"type":  "bet_rejected",
					"error": err.Error(),
				})
				continue
			}
			client.sendJSON(map[string]interface{}{
				"type": "bet_accepted",
				"data": bet,
			})

		case "ping":
			client.sendJSON(map[string]string{"type": "pong"})
		}
	}
}
