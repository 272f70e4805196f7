// Package delivery picks the path an event takes to its recipient: the
// live socket when presence says one is held, the push dispatcher
// otherwise. Exactly one path fires per event.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"whisperim/internal/presence"
	"whisperim/internal/push"
	"whisperim/pkg/domain"
)

const pushDeadline = 30 * time.Second

// Emitter is the socket side of delivery, satisfied by the realtime hub.
type Emitter interface {
	Emit(connectionID, event string, data any) bool
	Broadcast(event string, data any) int
}

// NameResolver looks up the account behind a user ID, for notification
// titles.
type NameResolver interface {
	ByID(ctx context.Context, id string) (domain.User, bool, error)
}

// Coordinator fans events out after the originating write has committed.
// It never returns an error to the caller: a failed delivery is logged
// and the message stays durable in the store for the next fetch.
type Coordinator struct {
	registry   presence.Registry
	emitter    Emitter
	dispatcher push.Dispatcher
	names      NameResolver
	logger     *slog.Logger
}

// NewCoordinator wires the two delivery paths together.
func NewCoordinator(registry presence.Registry, emitter Emitter, dispatcher push.Dispatcher, names NameResolver) *Coordinator {
	return &Coordinator{
		registry:   registry,
		emitter:    emitter,
		dispatcher: dispatcher,
		names:      names,
		logger:     slog.Default().With("component", "delivery"),
	}
}

// MessageCreated routes a freshly stored message to the counterpart. An
// online recipient gets it on the "conversation.<id>" event; otherwise,
// or when the socket send fails, the push dispatcher takes over.
func (c *Coordinator) MessageCreated(ctx context.Context, conv domain.Conversation, msg domain.Message) {
	recipientID := conv.CounterpartOf(msg.SenderID)
	if recipientID == "" {
		return
	}
	if entry, online := c.registry.Lookup(recipientID); online {
		if c.emitter.Emit(entry.ConnectionID, "conversation."+conv.ID, msg) {
			return
		}
		c.logger.Warn("socket delivery failed, falling back to push",
			"conversation_id", conv.ID, "user_id", recipientID)
	}
	c.push(ctx, recipientID, push.Notification{
		Title:          c.senderName(ctx, conv, msg.SenderID),
		Body:           msg.Content,
		ConversationID: conv.ID,
	})
}

// ConversationCreated announces a new conversation to its recipient on
// the "receive.<userID>" event, with a push fallback carrying the
// opening message.
func (c *Coordinator) ConversationCreated(ctx context.Context, summary domain.ConversationSummary, recipientID string) {
	if entry, online := c.registry.Lookup(recipientID); online {
		if c.emitter.Emit(entry.ConnectionID, "receive."+recipientID, summary) {
			return
		}
		c.logger.Warn("socket delivery failed, falling back to push",
			"conversation_id", summary.ID, "user_id", recipientID)
	}
	note := push.Notification{
		Title:          summary.InitiatorUsername,
		ConversationID: summary.ID,
	}
	if summary.LatestMessage != nil {
		note.Body = summary.LatestMessage.Content
	}
	c.push(ctx, recipientID, note)
}

// ReadReceipt tells the author their message was read, socket only. The
// receipt is recoverable from the message log, so no push is sent for
// an offline author.
func (c *Coordinator) ReadReceipt(msg domain.Message) {
	entry, online := c.registry.Lookup(msg.SenderID)
	if !online {
		return
	}
	c.emitter.Emit(entry.ConnectionID, "read."+msg.ConversationID, msg)
}

// Typing broadcasts a typing signal on "typing.<id>" or
// "stopTyping.<id>". Clients subscribe by conversation, so the fan-out is
// name-filtered on their side.
func (c *Coordinator) Typing(conversationID string, active bool) {
	event := "stopTyping."
	if active {
		event = "typing."
	}
	c.emitter.Broadcast(event+conversationID, map[string]string{"conversation": conversationID})
}

// push hands off to the dispatcher without holding up the caller. The
// request context may be gone before a slow push endpoint answers.
func (c *Coordinator) push(ctx context.Context, userID string, note push.Notification) {
	if c.dispatcher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushDeadline)
		defer cancel()
		if err := c.dispatcher.Dispatch(ctx, userID, note); err != nil {
			c.logger.Warn("push dispatch failed", "user_id", userID, "error", err)
		}
	}()
}

// senderName resolves the display name the recipient knows the sender
// by: the conversation handle for the initiator, the account username
// otherwise.
func (c *Coordinator) senderName(ctx context.Context, conv domain.Conversation, senderID string) string {
	if conv.IsInitiator(senderID) {
		return conv.InitiatorUsername
	}
	if user, ok, err := c.names.ByID(ctx, senderID); err == nil && ok {
		return user.Username
	}
	return "New message"
}
