// Package ratelimit implements per-identity sliding-window admission plus
// escalating temporary blocks for identities that keep violating.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Category string

const (
	CategoryMessage      Category = "message"
	CategoryJoin         Category = "join"
	CategoryTyping       Category = "typing"
	CategoryNotification Category = "notification"
)

// Limits maps a category to the number of allowed calls per window.
type Limits map[Category]int

type window struct {
	counts      map[Category]int
	windowStart time.Time
}

type block struct {
	Until time.Time
	Tier  int
}

// BlockedIdentity is the introspection view of one active block.
type BlockedIdentity struct {
	Identity   string
	Until      time.Time
	Violations int
}

// SuspiciousIdentity has accumulated violations but is not blocked yet.
type SuspiciousIdentity struct {
	Identity   string
	Violations int
}

type Limiter struct {
	mu             sync.Mutex
	log            *slog.Logger
	windowSize     time.Duration
	limits         Limits
	violationLimit int
	blockBase      time.Duration
	maxFactor      int

	windows         map[string]*window
	violations      map[string]int
	violationExpiry map[string]time.Time
	blocks          map[string]block

	// violationRetention is how long a violation record outlives its last
	// offense (or the block it earned). A repeat offender inside this grace
	// period lands on the next escalation tier.
	violationRetention time.Duration

	now func() time.Time
}

func NewLimiter(log *slog.Logger, windowSize time.Duration, limits Limits,
	violationLimit int, blockBase time.Duration, maxFactor int) *Limiter {
	return &Limiter{
		log:                log,
		windowSize:         windowSize,
		limits:             limits,
		violationLimit:     violationLimit,
		blockBase:          blockBase,
		maxFactor:          maxFactor,
		windows:            make(map[string]*window),
		violations:         make(map[string]int),
		violationExpiry:    make(map[string]time.Time),
		blocks:             make(map[string]block),
		violationRetention: 2 * blockBase,
		now:                time.Now,
	}
}

// CheckAndConsume admits or denies one call. Denial is a boolean, never an
// error, so callers can degrade gracefully. A blocked identity is denied
// outright regardless of window state.
func (l *Limiter) CheckAndConsume(identity string, category Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if b, ok := l.blocks[identity]; ok {
		if now.Before(b.Until) {
			return false
		}
		// Block expired. The violation count stays on record until its
		// retention lapses so an immediate re-offense escalates.
		delete(l.blocks, identity)
	}
	if exp, ok := l.violationExpiry[identity]; ok && !now.Before(exp) {
		delete(l.violations, identity)
		delete(l.violationExpiry, identity)
	}

	w, ok := l.windows[identity]
	if !ok {
		w = &window{counts: make(map[Category]int), windowStart: now}
		l.windows[identity] = w
	}
	if now.Sub(w.windowStart) >= l.windowSize {
		w.counts = make(map[Category]int)
		w.windowStart = now
	}

	max, ok := l.limits[category]
	if !ok {
		// Unconfigured categories are unlimited but still counted.
		w.counts[category]++
		return true
	}
	if w.counts[category] >= max {
		l.noteViolation(identity, category, now)
		return false
	}
	w.counts[category]++
	return true
}

// noteViolation escalates: past the threshold each additional violation
// doubles the block duration, capped at maxFactor times the base.
func (l *Limiter) noteViolation(identity string, category Category, now time.Time) {
	l.violations[identity]++
	l.violationExpiry[identity] = now.Add(l.violationRetention)
	over := l.violations[identity] - l.violationLimit
	if over < 0 {
		return
	}
	factor := 1
	for i := 0; i < over && factor < l.maxFactor; i++ {
		factor *= 2
	}
	if factor > l.maxFactor {
		factor = l.maxFactor
	}
	duration := time.Duration(factor) * l.blockBase
	until := now.Add(duration)
	l.blocks[identity] = block{Until: until, Tier: over}
	l.violationExpiry[identity] = until.Add(l.violationRetention)
	l.log.Warn(fmt.Sprintf("Blocking identity %s for %s after %d violations (category %s)",
		identity, duration, l.violations[identity], category))
}

// ListBlocked returns all identities currently blocked.
func (l *Limiter) ListBlocked() []BlockedIdentity {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	var res []BlockedIdentity
	for identity, b := range l.blocks {
		if now.Before(b.Until) {
			res = append(res, BlockedIdentity{
				Identity:   identity,
				Until:      b.Until,
				Violations: l.violations[identity],
			})
		}
	}
	return res
}

// ListSuspicious returns identities with violations on record that have not
// crossed the blocking threshold.
func (l *Limiter) ListSuspicious() []SuspiciousIdentity {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	var res []SuspiciousIdentity
	for identity, count := range l.violations {
		if _, blocked := l.blocks[identity]; blocked {
			continue
		}
		if exp, ok := l.violationExpiry[identity]; ok && !now.Before(exp) {
			continue
		}
		res = append(res, SuspiciousIdentity{Identity: identity, Violations: count})
	}
	return res
}

// Unblock is the operational escape hatch: it clears the block, the
// violation record and the identity's current window, so admission resumes
// immediately. Returns false for an identity that was not blocked.
func (l *Limiter) Unblock(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.blocks[identity]; !ok {
		return false
	}
	delete(l.blocks, identity)
	delete(l.violations, identity)
	delete(l.violationExpiry, identity)
	delete(l.windows, identity)
	l.log.Info(fmt.Sprintf("Identity %s manually unblocked", identity))
	return true
}

// RemoveIdentity drops all limiter state for a disconnected identity.
// Blocks survive removal so a reconnect cannot launder a ban.
func (l *Limiter) RemoveIdentity(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identity)
}

// Sweep clears expired blocks, violation records past their retention and
// windows idle past two window sizes.
func (l *Limiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for identity, b := range l.blocks {
		if !now.Before(b.Until) {
			delete(l.blocks, identity)
		}
	}
	for identity, exp := range l.violationExpiry {
		if !now.Before(exp) {
			delete(l.violations, identity)
			delete(l.violationExpiry, identity)
		}
	}
	for identity, w := range l.windows {
		if now.Sub(w.windowStart) >= 2*l.windowSize {
			delete(l.windows, identity)
		}
	}
}
