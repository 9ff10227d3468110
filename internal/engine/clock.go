package engine

import (
	"math"
	"time"
)

// GrowthClock maps elapsed time to the displayed multiplier. It is purely
// cosmetic: the outcome is fixed at resolution, long before the animation
// reaches the crash point.
type GrowthClock struct {
	Rate float64 // exponential growth rate per second
}

// At returns e^(rate*t) truncated to hundredths, never below 1.00x.
func (c GrowthClock) At(elapsed time.Duration) Multiplier {
	if elapsed <= 0 {
		return MinMultiplier
	}
	m := Multiplier(math.Exp(c.Rate*elapsed.Seconds()) * 100)
	if m < MinMultiplier {
		return MinMultiplier
	}
	return m
}

// TimeToReach returns when the clock would display m: ln(m)/rate. Used only
// to schedule the cosmetic settlement transition.
func (c GrowthClock) TimeToReach(m Multiplier) time.Duration {
	if m <= MinMultiplier {
		return 0
	}
	secs := math.Log(m.Float64()) / c.Rate
	return time.Duration(secs * float64(time.Second))
}
