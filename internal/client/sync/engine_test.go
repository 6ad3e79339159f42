package sync

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/cartsync/internal/cart"
	"github.com/meridianlabs/cartsync/internal/client/api"
	apperrors "github.com/meridianlabs/cartsync/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRemote struct {
	mu        sync.Mutex
	calls     int
	lastItems []cart.Item
	lastGuest string
	result    []cart.Item
	err       error
}

func (r *fakeRemote) SyncCart(_ context.Context, items []cart.Item, guestID string) ([]cart.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastItems = items
	r.lastGuest = guestID
	return r.result, r.err
}

func (r *fakeRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeCart struct {
	mu      sync.Mutex
	items   []cart.Item
	applied [][]cart.Item
	removed []string
	pending []cart.Item
	errMsg  string
}

func (c *fakeCart) Items() []cart.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items
}

func (c *fakeCart) ApplyServerItems(_ context.Context, items []cart.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, items)
	c.items = items
	return nil
}

func (c *fakeCart) RemoveProducts(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, ids...)
	return nil
}

func (c *fakeCart) MarkPending(_ context.Context, items []cart.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = items
	return nil
}

func (c *fakeCart) SetError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errMsg = msg
}

type fakeBackup struct {
	mu    sync.Mutex
	snaps [][]cart.Item
}

func (b *fakeBackup) PersistBackup(items []cart.Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snaps = append(b.snaps, items)
}

func line(productID string, qty int) cart.Item {
	return cart.Item{ID: productID, ProductID: productID, Name: "Product " + productID, Price: 1000, Quantity: qty}
}

func newTestEngine(policy Policy, remote Remote, cartStore CartStore, backup BackupWriter) *Engine {
	return New(policy, remote, cartStore, backup, func() string { return "guest-token" }, testLogger())
}

func TestPolicy_Allowed(t *testing.T) {
	p := Policy{MinSpacing: 5 * time.Second, Cooldown: 30 * time.Second}
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		now           time.Time
		lastAttempt   time.Time
		cooldownUntil time.Time
		want          bool
	}{
		{"first ever attempt", base, time.Time{}, time.Time{}, true},
		{"inside spacing window", base.Add(3 * time.Second), base, time.Time{}, false},
		{"spacing window elapsed", base.Add(5 * time.Second), base, time.Time{}, true},
		{"inside cooldown", base, time.Time{}, base.Add(10 * time.Second), false},
		{"cooldown over", base.Add(31 * time.Second), time.Time{}, base.Add(30 * time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := p.allowed(tt.now, tt.lastAttempt, tt.cooldownUntil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSyncNow_Success(t *testing.T) {
	server := []cart.Item{line("p1", 3)}
	remote := &fakeRemote{result: server}
	cartStore := &fakeCart{items: []cart.Item{line("p1", 2)}}
	backup := &fakeBackup{}
	e := newTestEngine(DefaultPolicy(), remote, cartStore, backup)

	require.NoError(t, e.SyncNow(context.Background()))

	assert.Equal(t, 1, remote.callCount())
	assert.Equal(t, "guest-token", remote.lastGuest)
	assert.Equal(t, 2, remote.lastItems[0].Quantity, "full local state pushed")

	require.Len(t, cartStore.applied, 1)
	assert.Equal(t, server, cartStore.applied[0], "server answer is authoritative")
	require.Len(t, backup.snaps, 1)
	assert.Equal(t, server, backup.snaps[0], "backup holds the confirmed state")
	assert.False(t, e.LastSynced().IsZero())
}

func TestSyncNow_RateLimitedEntersCooldown(t *testing.T) {
	remote := &fakeRemote{err: apperrors.RateLimited("slow down")}
	cartStore := &fakeCart{items: []cart.Item{line("p1", 1)}}
	e := newTestEngine(DefaultPolicy(), remote, cartStore, &fakeBackup{})

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	e.nowFunc = func() time.Time { return now }

	err := e.SyncNow(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
	assert.True(t, e.InCooldown())
	assert.NotEmpty(t, cartStore.errMsg)

	// Every further attempt inside the window is refused without a request.
	err = e.SyncNow(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
	assert.Equal(t, 1, remote.callCount())

	// The window ends and syncing resumes.
	now = now.Add(31 * time.Second)
	remote.err = nil
	assert.False(t, e.InCooldown())
	require.NoError(t, e.SyncNow(context.Background()))
	assert.Equal(t, 2, remote.callCount())
}

func TestSyncNow_MissingProductsIsPartialSuccess(t *testing.T) {
	remote := &fakeRemote{err: &api.MissingProductsError{ProductIDs: []string{"p1", "p3"}}}
	cartStore := &fakeCart{items: []cart.Item{line("p1", 1), line("p2", 1), line("p3", 1)}}
	e := newTestEngine(DefaultPolicy(), remote, cartStore, &fakeBackup{})

	require.NoError(t, e.SyncNow(context.Background()), "partial success is not a failure")
	assert.Equal(t, []string{"p1", "p3"}, cartStore.removed)
	assert.Contains(t, cartStore.errMsg, "no longer available")
	assert.Empty(t, cartStore.pending, "partial success leaves nothing pending")
}

func TestSyncNow_TransientFailureMarksPending(t *testing.T) {
	remote := &fakeRemote{err: assert.AnError}
	items := []cart.Item{line("p1", 2)}
	cartStore := &fakeCart{items: items}
	e := newTestEngine(DefaultPolicy(), remote, cartStore, &fakeBackup{})

	err := e.SyncNow(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, items, cartStore.pending, "unconfirmed items survive as pending")
	assert.Empty(t, cartStore.applied)
	assert.True(t, e.LastSynced().IsZero())
}

func TestSchedule_DebouncesBursts(t *testing.T) {
	remote := &fakeRemote{}
	cartStore := &fakeCart{items: []cart.Item{line("p1", 1)}}
	policy := Policy{Debounce: 20 * time.Millisecond, Reconcile: time.Hour, MinSpacing: 0, Cooldown: time.Minute}
	e := newTestEngine(policy, remote, cartStore, &fakeBackup{})

	for i := 0; i < 5; i++ {
		e.Schedule()
		time.Sleep(2 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return remote.callCount() == 1 },
		time.Second, 5*time.Millisecond, "a burst of edits coalesces into one push")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, remote.callCount())
}

func TestSchedule_SpacingDefersButDoesNotDrop(t *testing.T) {
	remote := &fakeRemote{}
	cartStore := &fakeCart{items: []cart.Item{line("p1", 1)}}
	policy := Policy{Debounce: 5 * time.Millisecond, Reconcile: time.Hour, MinSpacing: 150 * time.Millisecond, Cooldown: time.Minute}
	e := newTestEngine(policy, remote, cartStore, &fakeBackup{})

	e.Schedule()
	require.Eventually(t, func() bool { return remote.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	// A second change inside the spacing window must not fire early, and must
	// still fire once the window clears.
	e.Schedule()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, remote.callCount(), "spacing window holds the push back")

	assert.Eventually(t, func() bool { return remote.callCount() == 2 },
		time.Second, 10*time.Millisecond, "deferred push fires after the window")
}

func TestStartStop(t *testing.T) {
	remote := &fakeRemote{}
	cartStore := &fakeCart{}
	policy := Policy{Debounce: time.Hour, Reconcile: 20 * time.Millisecond, MinSpacing: 0, Cooldown: time.Minute}
	e := newTestEngine(policy, remote, cartStore, &fakeBackup{})

	e.Start(context.Background())
	assert.Eventually(t, func() bool { return remote.callCount() >= 2 },
		time.Second, 5*time.Millisecond, "periodic reconcile runs")
	e.Stop()

	calls := remote.callCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, remote.callCount(), "no syncs after Stop")

	e.Stop() // idempotent
}
