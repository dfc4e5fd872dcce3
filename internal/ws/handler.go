package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/auth"
	"github.com/openboard/openboard/internal/logger"
	"github.com/openboard/openboard/internal/metrics"
)

// Handler upgrades /ws requests and runs the connection pumps.
type Handler struct {
	auth     *auth.Authenticator
	manager  *Manager
	sessions SessionStore
	active   *sessionIndex

	eventsPerSecond  float64
	cursorsPerSecond float64

	upgrader websocket.Upgrader
}

func NewHandler(authenticator *auth.Authenticator, manager *Manager, sessions SessionStore, allowedOrigins []string, eventsPerSecond, cursorsPerSecond float64) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &Handler{
		auth:             authenticator,
		manager:          manager,
		sessions:         sessions,
		active:           newSessionIndex(),
		eventsPerSecond:  eventsPerSecond,
		cursorsPerSecond: cursorsPerSecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// non-browser clients send no origin
				return origin == "" || allowAll || allowed[origin]
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		logger.Log.Debug("websocket upgrade failed", "error", err)
		return
	}

	connectionID := uuid.NewString()
	client := newClient(conn, connectionID, *user, h.manager, h.sessions,
		newConnLimiter(h.eventsPerSecond, h.cursorsPerSecond), h.active)

	// one live connection per user, regardless of board
	if displaced := h.active.claim(client); displaced != nil {
		displaced.Kick(string(apperr.CodeDuplicateSession), "replaced by a newer connection")
	}

	metrics.ConnectionsActive.Inc()
	logger.Log.Info("websocket connected", "connection_id", connectionID, "user_id", user.ID)

	go client.writePump()
	client.readPump()

	logger.Log.Info("websocket disconnected", "connection_id", connectionID, "user_id", user.ID)
}
