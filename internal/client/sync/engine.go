// Package sync pushes the local cart to the remote cart service and folds the
// server's answer back in. The full cart state travels on every push, so a
// lost or replayed request can never double-apply a mutation; pacing (see
// Policy) keeps the request rate bounded no matter how fast the user edits.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/meridianlabs/cartsync/pkg/errors"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/client/api"
)

// attemptTimeout bounds a single background sync request.
const attemptTimeout = 10 * time.Second

var (
	syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsync_sync_attempts_total",
			Help: "Sync attempts by outcome",
		},
		[]string{"result"},
	)

	syncCooldowns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartsync_sync_cooldowns_total",
			Help: "Times the engine entered rate-limit cooldown",
		},
	)
)

func init() {
	prometheus.MustRegister(syncAttempts)
	prometheus.MustRegister(syncCooldowns)
}

// Remote is the slice of the API client the engine needs.
type Remote interface {
	SyncCart(ctx context.Context, items []cart.Item, guestID string) ([]cart.Item, error)
}

// CartStore is the slice of the cart store the engine needs.
type CartStore interface {
	Items() []cart.Item
	ApplyServerItems(ctx context.Context, items []cart.Item) error
	RemoveProducts(ctx context.Context, ids []string) error
	MarkPending(ctx context.Context, items []cart.Item) error
	SetError(msg string)
}

// BackupWriter records the last server-confirmed snapshot.
type BackupWriter interface {
	PersistBackup(items []cart.Item)
}

// Engine owns the sync schedule: debounced pushes after local edits, a
// periodic reconcile pass, a shared spacing watermark between the two, and a
// cooldown after 429.
type Engine struct {
	policy  Policy
	remote  Remote
	cart    CartStore
	backup  BackupWriter
	guestFn func() string
	logger  *slog.Logger

	nowFunc func() time.Time

	mu            sync.Mutex
	lastAttempt   time.Time
	cooldownUntil time.Time
	lastSynced    time.Time
	debounce      *time.Timer
	baseCtx       context.Context
	stop          chan struct{}
	started       bool
	wg            sync.WaitGroup
}

// New creates a sync engine. guestFn supplies the current guest token ("" when
// authenticated).
func New(policy Policy, remote Remote, cartStore CartStore, backup BackupWriter, guestFn func() string, logger *slog.Logger) *Engine {
	return &Engine{
		policy:  policy,
		remote:  remote,
		cart:    cartStore,
		backup:  backup,
		guestFn: guestFn,
		logger:  logger,
		nowFunc: time.Now,
		baseCtx: context.Background(),
		stop:    make(chan struct{}),
	}
}

// Start launches the periodic reconcile loop. ctx bounds all background
// attempts.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.baseCtx = ctx
	stop := make(chan struct{})
	e.stop = stop
	e.mu.Unlock()

	e.wg.Add(1)
	go e.reconcileLoop(ctx, stop)
}

// Stop halts the periodic loop and any pending debounced push.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
}

// Schedule registers a local change. Pushes are debounced: only the last call
// in a burst results in a request.
func (e *Engine) Schedule() {
	e.scheduleIn(e.policy.Debounce)
}

func (e *Engine) scheduleIn(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(d, func() {
		e.attempt("debounce")
	})
}

// SyncNow performs an immediate push, bypassing debounce and spacing but
// honoring cooldown. Used for pushes the user is waiting on.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.Lock()
	now := e.nowFunc()
	if now.Before(e.cooldownUntil) {
		e.mu.Unlock()
		return apperrors.RateLimited("cart sync is paused after a rate limit")
	}
	e.lastAttempt = now
	e.mu.Unlock()

	return e.syncOnce(ctx)
}

// InCooldown reports whether the engine is inside a rate-limit cooldown.
func (e *Engine) InCooldown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nowFunc().Before(e.cooldownUntil)
}

// LastSynced returns the time of the last server-confirmed sync, or zero.
func (e *Engine) LastSynced() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSynced
}

func (e *Engine) reconcileLoop(ctx context.Context, stop <-chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.policy.Reconcile)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.attempt("periodic")
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// attempt applies the pacing policy and, if allowed, runs one sync. A blocked
// debounced push is rescheduled for when the watermark clears; a blocked
// periodic pass just waits for the next tick.
func (e *Engine) attempt(reason string) {
	e.mu.Lock()
	now := e.nowFunc()
	ok, wait := e.policy.allowed(now, e.lastAttempt, e.cooldownUntil)
	if !ok {
		e.mu.Unlock()
		syncAttempts.WithLabelValues("deferred").Inc()
		if reason == "debounce" {
			e.scheduleIn(wait)
		}
		return
	}
	e.lastAttempt = now
	ctx := e.baseCtx
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	if err := e.syncOnce(ctx); err != nil {
		e.logger.Debug("background sync failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

// syncOnce pushes the full local state and reconciles the response.
func (e *Engine) syncOnce(ctx context.Context) error {
	items := e.cart.Items()
	result, err := e.remote.SyncCart(ctx, items, e.guestFn())

	switch {
	case err == nil:
		if applyErr := e.cart.ApplyServerItems(ctx, result); applyErr != nil {
			return applyErr
		}
		e.backup.PersistBackup(result)
		e.mu.Lock()
		e.lastSynced = e.nowFunc()
		e.mu.Unlock()
		syncAttempts.WithLabelValues("success").Inc()
		e.logger.Debug("cart synced", slog.Int("items", len(result)))
		return nil

	case errors.Is(err, apperrors.ErrRateLimited):
		e.mu.Lock()
		e.cooldownUntil = e.nowFunc().Add(e.policy.Cooldown)
		e.mu.Unlock()
		syncAttempts.WithLabelValues("rate_limited").Inc()
		syncCooldowns.Inc()
		e.cart.SetError("cart sync is paused, trying again shortly")
		e.logger.Warn("rate limited, entering cooldown",
			slog.Duration("cooldown", e.policy.Cooldown),
		)
		return err

	default:
		var missing *api.MissingProductsError
		if errors.As(err, &missing) {
			// Authoritative partial truth: drop the vanished lines, tell the
			// user, and push the cleaned cart on the normal schedule.
			if rmErr := e.cart.RemoveProducts(ctx, missing.ProductIDs); rmErr != nil {
				return rmErr
			}
			e.cart.SetError("some items are no longer available and were removed from your cart")
			syncAttempts.WithLabelValues("partial").Inc()
			e.logger.Info("removed unavailable products",
				slog.Int("count", len(missing.ProductIDs)),
			)
			e.Schedule()
			return nil
		}

		// Transient failure: keep the local truth, flag it pending so it
		// survives a reload, and let the periodic pass retry.
		if markErr := e.cart.MarkPending(ctx, items); markErr != nil {
			e.logger.Warn("could not mark pending changes", slog.String("error", markErr.Error()))
		}
		syncAttempts.WithLabelValues("failure").Inc()
		e.logger.Warn("sync failed, changes kept locally", slog.String("error", err.Error()))
		return err
	}
}
