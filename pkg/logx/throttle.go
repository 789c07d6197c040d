package logx

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a log line with the same key is emitted.
//
// Each key gets its own token bucket (one token, refilled every interval), so a
// burst of identical warnings produces one line per interval while distinct
// keys stay independent.
type Throttle struct {
	every time.Duration

	mu   sync.Mutex
	lims map[string]*rate.Limiter
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{every: every, lims: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be emitted now.
// A nil Throttle allows everything.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	key = strings.TrimSpace(key)
	t.mu.Lock()
	lim := t.lims[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.lims[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}
