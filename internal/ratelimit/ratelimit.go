package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter caps WebSocket upgrades globally and per VM. A rate of zero disables that limit.
type Limiter struct {
	mu     sync.Mutex
	global *rate.Limiter
	perVM  map[string]*vmBucket
	vmRate rate.Limit
	burst  int
	now    func() time.Time
}

type vmBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing globalPerSec upgrades per second overall and perVMPerSec
// per VM, each with the given burst.
func NewLimiter(globalPerSec, perVMPerSec float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		perVM:  make(map[string]*vmBucket),
		vmRate: rate.Limit(perVMPerSec),
		burst:  burst,
		now:    time.Now,
	}
	if globalPerSec > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalPerSec), burst)
	}
	return l
}

// Allow reports whether a new session to vm may start now and consumes a token if so.
func (l *Limiter) Allow(vm string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	// The per-VM token is only reserved, so a global denial can hand it back.
	var vmRes *rate.Reservation
	if l.vmRate > 0 {
		l.mu.Lock()
		b, ok := l.perVM[vm]
		if !ok {
			b = &vmBucket{lim: rate.NewLimiter(l.vmRate, l.burst)}
			l.perVM[vm] = b
		}
		b.lastSeen = now
		l.mu.Unlock()
		res := b.lim.ReserveN(now, 1)
		if !res.OK() || res.DelayFrom(now) > 0 {
			res.CancelAt(now)
			return false
		}
		vmRes = res
	}
	if l.global != nil && !l.global.AllowN(now, 1) {
		if vmRes != nil {
			vmRes.CancelAt(now)
		}
		return false
	}
	return true
}

// Cleanup drops per-VM buckets unused for longer than idle and returns how many were removed.
func (l *Limiter) Cleanup(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for vm, b := range l.perVM {
		if b.lastSeen.Before(cutoff) {
			delete(l.perVM, vm)
			removed++
		}
	}
	return removed
}
