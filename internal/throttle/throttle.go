// Package throttle gates detector triggers into actionable events.
//
// One Throttle guards one camera. Every event kind shares the same
// cooldown: once an event is admitted, every trigger of any kind is
// suppressed until the cooldown has fully elapsed. Simultaneous triggers
// resolve by arrival order; confidence is never consulted.
package throttle

import (
	"sync"
	"time"

	"evidenced/internal/detect"
)

// Throttle is a cooldown gate. The zero value is not usable; call New.
type Throttle struct {
	mu        sync.Mutex
	cooldown  time.Duration
	lastEvent time.Time
	admitted  bool

	suppressed uint64
}

// New creates a throttle with the given cooldown.
func New(cooldown time.Duration) *Throttle {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Throttle{cooldown: cooldown}
}

// Admit reports whether trigger becomes an event at time now. On admission
// the event time is recorded under the same lock as the decision, so no
// second trigger can slip into the same cooldown window.
func (t *Throttle) Admit(trigger *detect.Trigger, now time.Time) bool {
	if trigger == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.admitted && now.Sub(t.lastEvent) <= t.cooldown {
		t.suppressed++
		return false
	}
	t.lastEvent = now
	t.admitted = true
	return true
}

// SetCooldown changes the cooldown for subsequent decisions.
func (t *Throttle) SetCooldown(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	t.cooldown = d
	t.mu.Unlock()
}

// Cooldown returns the current cooldown.
func (t *Throttle) Cooldown() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cooldown
}

// LastEvent returns the time of the last admitted event and whether one
// has been admitted at all.
func (t *Throttle) LastEvent() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEvent, t.admitted
}

// Suppressed returns how many non-nil triggers were rejected.
func (t *Throttle) Suppressed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}
