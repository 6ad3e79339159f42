package sync

import "time"

// Policy holds the timing rules that pace synchronization. All four knobs
// exist to keep a chatty UI from turning into a chatty network client.
type Policy struct {
	// Debounce is how long to wait after the latest local change before
	// pushing, so rapid edits coalesce into one request.
	Debounce time.Duration

	// Reconcile is the period of the background drift-correction sync.
	Reconcile time.Duration

	// MinSpacing is the minimum gap between any two sync attempts. The
	// watermark is shared: a debounced push delays the next periodic pass
	// and vice versa.
	MinSpacing time.Duration

	// Cooldown is how long to stop syncing entirely after the server
	// answers 429.
	Cooldown time.Duration
}

// DefaultPolicy returns the standard pacing.
func DefaultPolicy() Policy {
	return Policy{
		Debounce:   time.Second,
		Reconcile:  time.Minute,
		MinSpacing: 5 * time.Second,
		Cooldown:   30 * time.Second,
	}
}

// allowed reports whether an attempt at now is permitted, given the last
// attempt and the cooldown deadline, and how long to wait otherwise.
func (p Policy) allowed(now, lastAttempt, cooldownUntil time.Time) (bool, time.Duration) {
	if now.Before(cooldownUntil) {
		return false, cooldownUntil.Sub(now)
	}
	if next := lastAttempt.Add(p.MinSpacing); now.Before(next) {
		return false, next.Sub(now)
	}
	return true, 0
}
