package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/petervdpas/offchat/internal/storage"
)

// RetryPolicy gates failed messages by the time since their last attempt.
// With Initial zero every drain retries every failed message.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (p RetryPolicy) enabled() bool { return p.Initial > 0 }

// delay is how long a message that failed n times waits before the next try.
func (p RetryPolicy) delay(n int) time.Duration {
	if !p.enabled() || n <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.RandomizationFactor = 0
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// due reports whether m should be attempted at now.
func (p RetryPolicy) due(m storage.Message, now time.Time) bool {
	if m.Status != storage.StatusFailed || m.LastAttemptAt == 0 {
		return true
	}
	next := time.UnixMilli(m.LastAttemptAt).Add(p.delay(m.RetryCount))
	return !now.Before(next)
}
