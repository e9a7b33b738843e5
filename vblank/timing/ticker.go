package timing

import "time"

// TickerLimiter uses time.Ticker for simple, consistent pacing.
// Less accurate than AdaptiveLimiter but cheaper, good enough for producers
// that only need a steady cadence.
type TickerLimiter struct {
	period time.Duration
	ticker *time.Ticker
	ch     <-chan time.Time
}

func NewTickerLimiter(period time.Duration) *TickerLimiter {
	ticker := time.NewTicker(period)
	return &TickerLimiter{
		period: period,
		ticker: ticker,
		ch:     ticker.C,
	}
}

func (t *TickerLimiter) WaitForNextRefresh() {
	<-t.ch
}

func (t *TickerLimiter) Reset() {
	t.ticker.Reset(t.period)
}

func (t *TickerLimiter) Stop() {
	t.ticker.Stop()
}
