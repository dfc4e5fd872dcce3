package ws

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// Manager owns the hub registry: one live hub per board with at least one
// subscriber. Hubs spin down on their own when the room empties; Subscribe
// races that shutdown by retrying against a fresh hub.
type Manager struct {
	hubs *xsync.Map[string, *Hub]

	cfg      HubConfig
	state    StateCache
	presence PresenceCache
	locks    LockCache
	flusher  Flusher
}

func NewManager(cfg HubConfig, state StateCache, presence PresenceCache, locks LockCache, flusher Flusher) *Manager {
	return &Manager{
		hubs:     xsync.NewMap[string, *Hub](),
		cfg:      cfg,
		state:    state,
		presence: presence,
		locks:    locks,
		flusher:  flusher,
	}
}

// Subscribe attaches sub to the board's hub, creating the hub if needed, and
// returns the hub the connection should dispatch to.
func (m *Manager) Subscribe(ctx context.Context, boardID string, sub Subscriber) *Hub {
	for {
		h, _ := m.hubs.LoadOrCompute(boardID, func() (*Hub, bool) {
			nh := NewHub(boardID, m.cfg, m.state, m.presence, m.locks, m.flusher, m.removeIdle)
			go nh.Run()
			return nh, false
		})
		if h.Subscribe(ctx, sub) {
			return h
		}
		// lost the race against the hub's shutdown, go again
	}
}

func (m *Manager) removeIdle(boardID string, h *Hub) {
	m.hubs.Compute(boardID, func(old *Hub, loaded bool) (*Hub, xsync.ComputeOp) {
		if loaded && old == h {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

// Len reports the number of live hubs.
func (m *Manager) Len() int {
	return m.hubs.Size()
}
