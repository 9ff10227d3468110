package engine

import (
	"context"
	"time"
)

// Animator replays the rise toward an already-fixed crash point as tick
// events for connected clients. It never influences the outcome; when the
// clock reaches the crash point it invokes done, which settles the round.
type Animator struct {
	Clock  GrowthClock
	Broker *Broker
	Tick   time.Duration
}

// Play streams ticks for the round until the clock reaches crashPoint or the
// context is cancelled. Runs in its own goroutine.
func (a *Animator) Play(ctx context.Context, roundID uint64, crashPoint Multiplier, done func()) {
	go func() {
		start := time.Now()
		ticker := time.NewTicker(a.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current := a.Clock.At(time.Since(start))
				if current >= crashPoint {
					a.Broker.Publish(Event{
						Type:       EventTick,
						RoundID:    roundID,
						Multiplier: crashPoint,
					})
					done()
					return
				}
				a.Broker.Publish(Event{
					Type:       EventTick,
					RoundID:    roundID,
					Multiplier: current,
				})
			}
		}
	}()
}
