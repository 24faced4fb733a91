package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/servify/chat-service/internal/broker"
	"github.com/servify/chat-service/internal/config"
	"github.com/servify/chat-service/internal/domain"
	"github.com/servify/chat-service/internal/metrics"
	"github.com/servify/chat-service/pkg/log"
)

// Session mediates between one physical websocket and the broker. It owns
// the socket and its heartbeat clock; broker state is never touched
// directly.
type Session struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	broker *broker.Broker
	cfg    config.WebSocketConfig

	send chan []byte
	done chan struct{}

	lastActive atomic.Int64 // unix nanos of last ping/pong/frame

	closeOnce      sync.Once
	disconnectOnce sync.Once
}

// New creates a session for an upgraded connection.
func New(userID string, conn *websocket.Conn, b *broker.Broker, cfg config.WebSocketConfig) *Session {
	s := &Session{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
		broker: b,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	s.touch()
	return s
}

// Start registers with the broker and begins the read/write pumps.
func (s *Session) Start() {
	s.broker.Connect(s.UserID, s)
	go s.writePump()
	go s.readPump()
}

// Push serializes an envelope and queues it for the socket. It never
// blocks; a saturated session drops the envelope.
func (s *Session) Push(env *domain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldUserID, s.UserID).Msg("failed to marshal envelope")
		return
	}

	select {
	case s.send <- data:
	default:
		metrics.EnvelopesDropped.Inc()
	}
}

// Evict terminates the session without a broker disconnect of its own; the
// broker has already handed the directory entry to a replacement.
func (s *Session) Evict() {
	s.close()
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// notifyDisconnect informs the broker exactly once per session lifetime.
func (s *Session) notifyDisconnect() {
	s.disconnectOnce.Do(func() {
		s.broker.Disconnect(s.UserID, s)
	})
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) readPump() {
	defer func() {
		s.notifyDisconnect()
		s.close()
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetPingHandler(func(appData string) error {
		s.touch()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteWait))
	})
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l := log.L()
				l.Warn().Err(err).Str(log.FieldUserID, s.UserID).Msg("websocket read error")
			}
			return
		}

		s.touch()

		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			// Binary frames carry no defined semantics; drop them.
			l := log.L()
			l.Warn().Str(log.FieldUserID, s.UserID).Msg("ignoring binary frame")
		}
	}
}

// handleText parses an inbound frame and forwards it to the broker. A
// malformed frame is recoverable: the error goes back to this session only
// and the connection stays open.
func (s *Session) handleText(data []byte) {
	env, err := domain.Parse(data)
	if err != nil {
		metrics.ParseErrors.Inc()
		l := log.L()
		l.Debug().Err(err).Str(log.FieldUserID, s.UserID).Msg("failed to parse inbound frame")
		s.Push(domain.NewErrorEnvelope(domain.ErrCodeParseError, "Invalid message format: "+err.Error()))
		return
	}

	s.broker.Route(s.UserID, env)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.notifyDisconnect()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			// Bound dead-peer detection to roughly interval+timeout
			// without relying on transport keepalive.
			if s.idle() > s.cfg.ClientTimeout {
				l := log.L()
				l.Warn().
					Str(log.FieldUserID, s.UserID).
					Dur("idle", s.idle()).
					Msg("heartbeat timed out, disconnecting")
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
