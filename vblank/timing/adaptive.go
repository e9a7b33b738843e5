package timing

import (
	"log/slog"
	"time"
)

// AdaptiveLimiter uses precise timing with drift compensation.
// Combines sleep for efficiency with busy-waiting for accuracy.
type AdaptiveLimiter struct {
	period       time.Duration
	nextDue      time.Time
	refreshCount int64
	// correctEvery is the number of refreshes between drift checks, one second's worth
	correctEvery int64
}

func NewAdaptiveLimiter(period time.Duration) *AdaptiveLimiter {
	if period <= 0 {
		period = time.Second / 60
	}
	every := int64(time.Second / period)
	if every < 1 {
		every = 1
	}
	return &AdaptiveLimiter{
		period:       period,
		nextDue:      time.Now(),
		correctEvery: every,
	}
}

// Period returns the refresh period this limiter paces to.
func (a *AdaptiveLimiter) Period() time.Duration {
	return a.period
}

func (a *AdaptiveLimiter) WaitForNextRefresh() {
	now := time.Now()
	sleepTime := a.nextDue.Sub(now)

	if sleepTime > 0 {
		if sleepTime < 2*time.Millisecond {
			for time.Now().Before(a.nextDue) {
				// busy-wait for times under 2ms, higher accuracy.
			}
		} else {
			time.Sleep(sleepTime - time.Millisecond)
			for time.Now().Before(a.nextDue) {
			}
		}
	} else if sleepTime < -5*time.Millisecond {
		a.nextDue = now
	}

	a.nextDue = a.nextDue.Add(a.period)
	a.refreshCount++

	if a.refreshCount%a.correctEvery == 0 {
		drift := time.Since(a.nextDue.Add(-a.period))
		if drift.Abs() > 10*time.Millisecond {
			a.nextDue = a.nextDue.Add(drift / 10)
			slog.Debug("Refresh pacing drift correction",
				"drift_ms", drift.Milliseconds(),
				"refreshes", a.refreshCount)
		}
	}
}

func (a *AdaptiveLimiter) Reset() {
	a.nextDue = time.Now()
	a.refreshCount = 0
}
