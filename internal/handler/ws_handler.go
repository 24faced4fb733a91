package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/servify/chat-service/internal/audit"
	"github.com/servify/chat-service/internal/auth"
	"github.com/servify/chat-service/internal/broker"
	"github.com/servify/chat-service/internal/config"
	"github.com/servify/chat-service/internal/metrics"
	"github.com/servify/chat-service/internal/session"
	"github.com/servify/chat-service/pkg/log"
)

// WSHandler owns the websocket upgrade endpoint and the health check.
type WSHandler struct {
	broker   *broker.Broker
	verifier *auth.Verifier
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(b *broker.Broker, verifier *auth.Verifier, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		broker:   b,
		verifier: verifier,
		wsCfg:    wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades GET /ws/chat/{user_id}. The upgrade is refused
// before any session exists when the bearer credential is missing, invalid,
// or issued for a different user.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	l := log.Ctx(r.Context())

	token, err := auth.TokenFromRequest(r)
	if err != nil {
		audit.LogWithDetail(r.Context(), audit.ActionAuthFailed, userID, err.Error(), "websocket auth failed")
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		audit.LogWithDetail(r.Context(), audit.ActionAuthFailed, userID, err.Error(), "websocket auth failed")
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	if claims.Subject != userID {
		audit.LogWithDetail(r.Context(), audit.ActionAuthFailed, userID, "user id mismatch", "websocket auth failed")
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(userID, conn, h.broker, h.wsCfg)
	audit.LogWithDetail(r.Context(), audit.ActionConnect, userID, sess.ID, "websocket session started")
	sess.Start()
}

// HandleHealth serves a small status document without requiring an upgrade.
func (h *WSHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "websocket",
	})
}

// RegisterRoutes attaches handler routes to the router.
func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/chat/{user_id}", h.HandleWebSocket)
	r.HandleFunc("/ws/health", h.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}
