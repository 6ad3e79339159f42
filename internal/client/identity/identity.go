// Package identity owns the lifecycle of the anonymous-cart correlation
// token: absent -> generated -> active -> cleared. The token is minted lazily
// on first unauthenticated use, persisted immediately, and cleared permanently
// once its cart has been merged into an account. A fresh anonymous session
// later mints a new one.
package identity

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/meridianlabs/cartsync/internal/client/persist"
)

// keyGuestID is the single storage key this package owns.
const keyGuestID = "cartsync:guest_id"

// Manager holds the guest identity token for this device.
type Manager struct {
	kv     persist.KV
	logger *slog.Logger

	mu    sync.Mutex
	token string
	// loaded marks that storage has been consulted, so a cleared token is not
	// resurrected by a later read.
	loaded bool
}

// NewManager creates a guest identity manager over the given store.
func NewManager(kv persist.KV, logger *slog.Logger) *Manager {
	return &Manager{kv: kv, logger: logger}
}

// Token returns the current guest token, or "" if none exists. It does not
// create one.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	return m.token
}

// Ensure returns the guest token, minting and persisting one if absent.
// If the store is unavailable the token is held in memory only; the guest
// cart then lives for this session instead of being lost outright.
func (m *Manager) Ensure() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()

	if m.token != "" {
		return m.token
	}

	m.token = uuid.New().String()
	if err := m.kv.Set(keyGuestID, []byte(m.token)); err != nil {
		m.logger.Warn("guest id not persisted, holding in memory",
			slog.String("error", err.Error()),
		)
	} else {
		m.logger.Debug("guest id generated", slog.String("guest_id", m.token))
	}
	return m.token
}

// Clear permanently discards the guest token. Called by the merge engine
// after the guest cart has been folded into an account; the token is never
// reused afterward.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()

	if m.token == "" {
		return
	}
	m.token = ""
	if err := m.kv.Delete(keyGuestID); err != nil {
		m.logger.Warn("guest id not removed from store",
			slog.String("error", err.Error()),
		)
	}
}

// load pulls the token from storage once per manager lifetime.
// Callers must hold m.mu.
func (m *Manager) load() {
	if m.loaded {
		return
	}
	m.loaded = true

	data, err := m.kv.Get(keyGuestID)
	if err != nil {
		if !errors.Is(err, persist.ErrKeyNotFound) {
			m.logger.Warn("guest id load failed", slog.String("error", err.Error()))
		}
		return
	}
	m.token = string(data)
}
