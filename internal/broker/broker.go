package broker

import (
	"time"

	"github.com/servify/chat-service/internal/domain"
	"github.com/servify/chat-service/internal/metrics"
	"github.com/servify/chat-service/pkg/log"
)

// Handle is the broker's view of a live session: an addressable outbound
// write path. Push must never block; delivery is at-most-once.
type Handle interface {
	Push(env *domain.Envelope)
	Evict()
}

// op is the internal mailbox message. All broker state mutation happens by
// enqueuing an op; the Run loop is the only goroutine touching the maps.
type op interface{ isOp() }

type connectOp struct {
	userID string
	handle Handle
}

type disconnectOp struct {
	userID string
	handle Handle
}

type routeOp struct {
	userID string
	env    *domain.Envelope
}

type broadcastOp struct {
	conversationID string
	env            *domain.Envelope
	exclude        string
}

type onlineOp struct {
	userID string
	reply  chan bool
}

type membersOp struct {
	conversationID string
	reply          chan []string
}

type userConversationsOp struct {
	userID string
	reply  chan []string
}

type sessionCountOp struct {
	reply chan int
}

func (connectOp) isOp()           {}
func (disconnectOp) isOp()        {}
func (routeOp) isOp()             {}
func (broadcastOp) isOp()         {}
func (onlineOp) isOp()            {}
func (membersOp) isOp()           {}
func (userConversationsOp) isOp() {}
func (sessionCountOp) isOp()      {}

// Broker is the single authority for the session directory and conversation
// membership. It serializes every control message from every session through
// one channel, so no routing decision ever observes a half-updated
// membership set.
type Broker struct {
	ops  chan op
	quit chan struct{}

	// Owned exclusively by the Run loop.
	sessions          map[string]Handle
	conversations     map[string]map[string]struct{}
	userConversations map[string]map[string]struct{}
}

const opBuffer = 256

// New creates a broker. Call Run in its own goroutine before use.
func New() *Broker {
	return &Broker{
		ops:               make(chan op, opBuffer),
		quit:              make(chan struct{}),
		sessions:          make(map[string]Handle),
		conversations:     make(map[string]map[string]struct{}),
		userConversations: make(map[string]map[string]struct{}),
	}
}

// Run consumes the op mailbox until Stop is called.
func (b *Broker) Run() {
	l := log.L()
	l.Info().Msg("broker started")

	for {
		select {
		case o := <-b.ops:
			b.handle(o)
		case <-b.quit:
			l.Info().Msg("broker stopped")
			return
		}
	}
}

// Stop terminates the Run loop.
func (b *Broker) Stop() {
	close(b.quit)
}

// Connect registers a session handle for a user.
func (b *Broker) Connect(userID string, h Handle) {
	b.ops <- connectOp{userID: userID, handle: h}
}

// Disconnect removes a session handle. The handle is passed so a stale
// notification from an evicted session cannot tear down its replacement.
func (b *Broker) Disconnect(userID string, h Handle) {
	b.ops <- disconnectOp{userID: userID, handle: h}
}

// Route forwards a client-originated envelope for routing.
func (b *Broker) Route(userID string, env *domain.Envelope) {
	b.ops <- routeOp{userID: userID, env: env}
}

// BroadcastToConversation sends an envelope to every member of a
// conversation except excludeUser.
func (b *Broker) BroadcastToConversation(conversationID string, env *domain.Envelope, excludeUser string) {
	b.ops <- broadcastOp{conversationID: conversationID, env: env, exclude: excludeUser}
}

// Online reports whether a user currently has a session handle.
func (b *Broker) Online(userID string) bool {
	reply := make(chan bool, 1)
	b.ops <- onlineOp{userID: userID, reply: reply}
	return <-reply
}

// ConversationMembers returns the current membership of a conversation.
func (b *Broker) ConversationMembers(conversationID string) []string {
	reply := make(chan []string, 1)
	b.ops <- membersOp{conversationID: conversationID, reply: reply}
	return <-reply
}

// UserConversations returns the conversation ids a user belongs to.
func (b *Broker) UserConversations(userID string) []string {
	reply := make(chan []string, 1)
	b.ops <- userConversationsOp{userID: userID, reply: reply}
	return <-reply
}

// SessionCount returns the number of live session handles.
func (b *Broker) SessionCount() int {
	reply := make(chan int, 1)
	b.ops <- sessionCountOp{reply: reply}
	return <-reply
}

func (b *Broker) handle(o op) {
	switch o := o.(type) {
	case connectOp:
		b.connect(o.userID, o.handle)
	case disconnectOp:
		b.disconnect(o.userID, o.handle)
	case routeOp:
		b.route(o.userID, o.env)
	case broadcastOp:
		b.broadcastToConversation(o.conversationID, o.env, o.exclude)
	case onlineOp:
		_, ok := b.sessions[o.userID]
		o.reply <- ok
	case membersOp:
		members := make([]string, 0, len(b.conversations[o.conversationID]))
		for userID := range b.conversations[o.conversationID] {
			members = append(members, userID)
		}
		o.reply <- members
	case userConversationsOp:
		ids := make([]string, 0, len(b.userConversations[o.userID]))
		for conversationID := range b.userConversations[o.userID] {
			ids = append(ids, conversationID)
		}
		o.reply <- ids
	case sessionCountOp:
		o.reply <- len(b.sessions)
	}
}

func (b *Broker) connect(userID string, h Handle) {
	l := log.L()

	// A reconnect may race the old session's disconnect. Evict the prior
	// handle synchronously so at most one handle exists per user and the
	// old socket is not left stranded.
	if old, ok := b.sessions[userID]; ok && old != h {
		old.Push(domain.NewConnectionEnvelope(domain.ConnStatusReplaced, userID))
		old.Evict()
		l.Warn().Str(log.FieldUserID, userID).Msg("evicted prior session on reconnect")
	}

	b.sessions[userID] = h
	metrics.ConnectedSessions.Set(float64(len(b.sessions)))
	l.Info().Str(log.FieldUserID, userID).Msg("user connected")

	h.Push(domain.NewConnectionEnvelope(domain.ConnStatusConnected, userID))
	b.broadcastOnlineStatus(userID, true)
}

func (b *Broker) disconnect(userID string, h Handle) {
	cur, ok := b.sessions[userID]
	if !ok {
		return
	}
	// Stale notification from an evicted session: its replacement owns the
	// directory entry now.
	if h != nil && cur != h {
		return
	}

	delete(b.sessions, userID)
	metrics.ConnectedSessions.Set(float64(len(b.sessions)))
	l := log.L()
	l.Info().Str(log.FieldUserID, userID).Msg("user disconnected")

	b.broadcastOnlineStatus(userID, false)
	b.leaveAllConversations(userID)
}

func (b *Broker) route(userID string, env *domain.Envelope) {
	switch env.Type {
	case domain.TypeMessage:
		msg := env.Message
		if msg == nil {
			return
		}
		b.joinConversation(userID, msg.ConversationID)
		b.joinConversation(msg.RecipientID, msg.ConversationID)

		// Forward verbatim to the recipient only, never echoed back.
		b.sendToUser(msg.RecipientID, env)

	case domain.TypeTyping:
		typing := env.Typing
		if typing == nil {
			return
		}
		b.broadcastToConversation(typing.ConversationID, env, userID)

	default:
		// No routing defined for other client-originated variants.
		l := log.L()
		l.Debug().
			Str(log.FieldUserID, userID).
			Str(log.FieldEnvelopeType, env.Type).
			Msg("dropping unroutable envelope")
		metrics.EnvelopesDropped.Inc()
	}
}

// joinConversation adds a user to a conversation and keeps the reverse
// index mirrored. Idempotent.
func (b *Broker) joinConversation(userID, conversationID string) {
	if _, ok := b.conversations[conversationID]; !ok {
		b.conversations[conversationID] = make(map[string]struct{})
		metrics.ActiveConversations.Set(float64(len(b.conversations)))
	}
	b.conversations[conversationID][userID] = struct{}{}

	if _, ok := b.userConversations[userID]; !ok {
		b.userConversations[userID] = make(map[string]struct{})
	}
	b.userConversations[userID][conversationID] = struct{}{}
}

// leaveAllConversations removes a user from every conversation they belong
// to, deleting conversations left empty. Missing entries are no-ops.
func (b *Broker) leaveAllConversations(userID string) {
	conversationIDs, ok := b.userConversations[userID]
	if !ok {
		return
	}
	delete(b.userConversations, userID)

	for conversationID := range conversationIDs {
		members, ok := b.conversations[conversationID]
		if !ok {
			continue
		}
		delete(members, userID)
		if len(members) == 0 {
			delete(b.conversations, conversationID)
		}
	}
	metrics.ActiveConversations.Set(float64(len(b.conversations)))
}

func (b *Broker) sendToUser(userID string, env *domain.Envelope) {
	h, ok := b.sessions[userID]
	if !ok {
		// Recipient offline: fire-and-forget, silently dropped. Durable
		// delivery belongs to the persistence layer, not the broker.
		metrics.EnvelopesDropped.Inc()
		return
	}
	h.Push(env)
	metrics.EnvelopesRouted.WithLabelValues(env.Type).Inc()
}

func (b *Broker) broadcastToConversation(conversationID string, env *domain.Envelope, excludeUser string) {
	members, ok := b.conversations[conversationID]
	if !ok {
		return
	}
	for userID := range members {
		if userID == excludeUser {
			continue
		}
		b.sendToUser(userID, env)
	}
}

// broadcastOnlineStatus notifies every distinct user sharing at least one
// conversation with userID, at most once each.
func (b *Broker) broadcastOnlineStatus(userID string, isOnline bool) {
	conversationIDs, ok := b.userConversations[userID]
	if !ok {
		return
	}

	env := domain.NewOnlineStatusEnvelope(userID, isOnline, time.Now().UTC())
	notified := make(map[string]struct{})

	for conversationID := range conversationIDs {
		for other := range b.conversations[conversationID] {
			if other == userID {
				continue
			}
			if _, seen := notified[other]; seen {
				continue
			}
			notified[other] = struct{}{}
			b.sendToUser(other, env)
		}
	}
}
