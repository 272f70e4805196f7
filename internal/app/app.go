// Package app implements the conversation and message state machines:
// initiation, directional blocking, sends, edits, read catch-up and the
// denormalized summaries used by listing views.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"whisperim/pkg/domain"
	"whisperim/pkg/store"
)

// App wires the store and the account directory together and owns all
// domain rules. Delivery is the caller's concern: every mutating method
// returns only after the store write is durable, so events built from the
// results never race ahead of observable state.
type App struct {
	store     store.Store
	directory Directory
	now       func() time.Time
}

// New constructs the application core.
func New(s store.Store, directory Directory) *App {
	return &App{
		store:     s,
		directory: directory,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Initiate starts a conversation with the account behind recipientUsername
// and records the opening message. The pseudonymous handle is allocated by
// rejection sampling against the store's unique index, bounded so collision
// storms fail cleanly instead of spinning.
func (a *App) Initiate(ctx context.Context, initiatorID, recipientUsername, content string) (domain.Conversation, domain.Message, error) {
	recipient, ok, err := a.directory.ByUsername(ctx, recipientUsername)
	if err != nil {
		return domain.Conversation{}, domain.Message{}, fmt.Errorf("resolve recipient: %w", err)
	}
	if !ok {
		return domain.Conversation{}, domain.Message{}, notFound("user not found")
	}
	if strings.TrimSpace(content) == "" {
		return domain.Conversation{}, domain.Message{}, invalid("content is required")
	}
	if recipient.ID == initiatorID {
		return domain.Conversation{}, domain.Message{}, invalid("cannot initiate a conversation with yourself")
	}

	for attempt := 0; attempt < maxHandleAttempts; attempt++ {
		handle, err := NewHandle()
		if err != nil {
			return domain.Conversation{}, domain.Message{}, fmt.Errorf("generate handle: %w", err)
		}
		now := a.now()
		conv := domain.Conversation{
			ID:                uuid.NewString(),
			InitiatorID:       initiatorID,
			RecipientID:       recipient.ID,
			InitiatorUsername: handle,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		first := domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       initiatorID,
			Content:        content,
			Status:         domain.StatusSent,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err = a.store.CreateConversation(conv, first)
		switch {
		case err == nil:
			return conv, first, nil
		case errors.Is(err, store.ErrDuplicateConversation):
			return domain.Conversation{}, domain.Message{}, conflict("conversation already exists")
		case errors.Is(err, store.ErrDuplicateHandle):
			continue
		default:
			return domain.Conversation{}, domain.Message{}, fmt.Errorf("create conversation: %w", err)
		}
	}
	return domain.Conversation{}, domain.Message{}, internal("could not allocate a unique conversation handle")
}

// Conversations returns one page of the viewer's conversation summaries,
// newest activity first, with the original hasMore semantics (page filled)
// and the total count.
func (a *App) Conversations(ctx context.Context, viewerID string, first, rows int) ([]domain.ConversationSummary, bool, int, error) {
	if rows <= 0 {
		rows = 10
	}
	page, total, err := a.store.ListConversationsByUser(viewerID, first, rows)
	if err != nil {
		return nil, false, 0, fmt.Errorf("list conversations: %w", err)
	}
	summaries := make([]domain.ConversationSummary, 0, len(page))
	for _, conv := range page {
		summary, err := a.Summary(ctx, conv, viewerID)
		if err != nil {
			return nil, false, 0, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, len(page) == rows, total, nil
}

// Conversation returns the detail view. Absent conversations and foreign
// conversations are indistinguishable to the caller.
func (a *App) Conversation(ctx context.Context, viewerID, conversationID string) (domain.ConversationSummary, error) {
	conv, err := a.authorizedConversation(conversationID, viewerID)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	return a.Summary(ctx, conv, viewerID)
}

// Block sets the acting participant's block flag. The returned bool is
// false when the flag was already set, so callers can suppress redundant
// notifications for the idempotent repeat.
func (a *App) Block(ctx context.Context, conversationID, actorID string) (domain.ConversationSummary, bool, error) {
	return a.setBlocked(ctx, conversationID, actorID, true)
}

// Unblock clears the acting participant's block flag.
func (a *App) Unblock(ctx context.Context, conversationID, actorID string) (domain.ConversationSummary, bool, error) {
	return a.setBlocked(ctx, conversationID, actorID, false)
}

func (a *App) setBlocked(ctx context.Context, conversationID, actorID string, blocked bool) (domain.ConversationSummary, bool, error) {
	conv, err := a.authorizedConversation(conversationID, actorID)
	if err != nil {
		return domain.ConversationSummary{}, false, err
	}
	changed, err := a.store.SetBlockFlag(conv.ID, conv.IsInitiator(actorID), blocked)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			return domain.ConversationSummary{}, false, notFound("conversation not found")
		}
		return domain.ConversationSummary{}, false, fmt.Errorf("set block flag: %w", err)
	}
	fresh, ok, err := a.store.GetConversation(conv.ID)
	if err != nil {
		return domain.ConversationSummary{}, false, fmt.Errorf("reload conversation: %w", err)
	}
	if !ok {
		return domain.ConversationSummary{}, false, notFound("conversation not found")
	}
	summary, err := a.Summary(ctx, fresh, actorID)
	if err != nil {
		return domain.ConversationSummary{}, false, err
	}
	return summary, changed, nil
}

// Send appends a message. Block flags are pre-checked for the friendly
// error and re-checked atomically with the insert by the store, so a
// concurrent Block cannot slip a message through.
func (a *App) Send(ctx context.Context, conversationID, senderID, content string) (domain.Message, domain.Conversation, error) {
	conv, err := a.authorizedConversation(conversationID, senderID)
	if err != nil {
		return domain.Message{}, domain.Conversation{}, err
	}
	if conv.Blocked() {
		return domain.Message{}, domain.Conversation{}, forbidden("cannot send messages in this conversation")
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, domain.Conversation{}, invalid("content is required")
	}
	for _, participantID := range []string{conv.InitiatorID, conv.RecipientID} {
		_, ok, err := a.directory.ByID(ctx, participantID)
		if err != nil {
			return domain.Message{}, domain.Conversation{}, fmt.Errorf("resolve participant: %w", err)
		}
		if !ok {
			return domain.Message{}, domain.Conversation{}, unavailable("this person is unavailable")
		}
	}

	now := a.now()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Status:         domain.StatusSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.AppendMessage(msg); err != nil {
		switch {
		case errors.Is(err, store.ErrConversationBlocked):
			return domain.Message{}, domain.Conversation{}, forbidden("cannot send messages in this conversation")
		case errors.Is(err, store.ErrParticipantGone):
			return domain.Message{}, domain.Conversation{}, unavailable("this person is unavailable")
		case errors.Is(err, store.ErrConversationNotFound):
			return domain.Message{}, domain.Conversation{}, notFound("conversation not found")
		default:
			return domain.Message{}, domain.Conversation{}, fmt.Errorf("append message: %w", err)
		}
	}
	return msg, conv, nil
}

// Edit replaces a message body. Only the original sender may edit, and the
// read state is never reset by an edit.
func (a *App) Edit(ctx context.Context, conversationID, messageID, actorID, content string) (domain.Message, error) {
	_, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("get conversation: %w", err)
	}
	if !ok {
		return domain.Message{}, notFound("conversation not found")
	}
	msg, ok, err := a.store.GetMessage(conversationID, messageID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	if !ok {
		return domain.Message{}, notFound("message not found")
	}
	if msg.SenderID != actorID {
		return domain.Message{}, forbidden("invalid action")
	}
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, invalid("content is required")
	}
	updated, err := a.store.UpdateMessageContent(conversationID, messageID, content)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			return domain.Message{}, notFound("message not found")
		}
		return domain.Message{}, fmt.Errorf("update message: %w", err)
	}
	return updated, nil
}

// MarkRead stamps the target message and, in the same sweep, every older
// unread message from the counterpart: marking one message read catches up
// everything before it. The representative message is returned for a
// single read-receipt broadcast.
func (a *App) MarkRead(ctx context.Context, conversationID, messageID, requesterID string) (domain.Message, error) {
	if _, err := a.authorizedConversation(conversationID, requesterID); err != nil {
		return domain.Message{}, err
	}
	msg, ok, err := a.store.GetMessage(conversationID, messageID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	if !ok || msg.SenderID == requesterID {
		return domain.Message{}, notFound("message not found")
	}
	now := a.now()
	if _, err := a.store.MarkReadThrough(conversationID, requesterID, msg.CreatedAt, now); err != nil {
		return domain.Message{}, fmt.Errorf("mark read: %w", err)
	}
	fresh, ok, err := a.store.GetMessage(conversationID, messageID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("reload message: %w", err)
	}
	if !ok {
		return domain.Message{}, notFound("message not found")
	}
	return fresh, nil
}

// Messages returns one newest-first page plus the count of older messages.
// Unless preview is set, fetching implicitly marks the counterpart's
// messages read up to the newest unread one; the returned receipt, when
// non-nil, is the representative message for the read-receipt event.
func (a *App) Messages(ctx context.Context, conversationID, requesterID string, rows int, before *time.Time, preview bool) ([]domain.Message, int, *domain.Message, error) {
	if _, err := a.authorizedConversation(conversationID, requesterID); err != nil {
		return nil, 0, nil, err
	}
	page, older, err := a.store.ListMessages(conversationID, rows, before)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("list messages: %w", err)
	}
	var receipt *domain.Message
	if !preview {
		latest, ok, err := a.store.LatestUnreadBy(conversationID, requesterID)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("find unread: %w", err)
		}
		if ok {
			now := a.now()
			if _, err := a.store.MarkReadThrough(conversationID, requesterID, latest.CreatedAt, now); err != nil {
				return nil, 0, nil, fmt.Errorf("mark read: %w", err)
			}
			latest.ReadAt = &now
			receipt = &latest
		}
	}
	return page, older, receipt, nil
}

// Subscribe stores a push subscription for the user, deduplicated by
// endpoint. The bool reports whether a new subscription was recorded.
func (a *App) Subscribe(ctx context.Context, userID string, sub domain.PushSubscription) (bool, error) {
	if strings.TrimSpace(sub.Endpoint) == "" {
		return false, invalid("subscription endpoint is required")
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return false, invalid("subscription keys are required")
	}
	created, err := a.store.AddPushSubscription(userID, sub)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return false, notFound("user not found")
		}
		return false, fmt.Errorf("save subscription: %w", err)
	}
	return created, nil
}

// Summary builds the viewer-specific projection: latest message plus the
// counterpart's public identity. A recipient always sees the initiator
// under the pseudonymous conversation handle, never the account username.
func (a *App) Summary(ctx context.Context, conv domain.Conversation, viewerID string) (domain.ConversationSummary, error) {
	summary := domain.ConversationSummary{Conversation: conv}
	if latest, ok, err := a.store.LatestMessage(conv.ID); err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("latest message: %w", err)
	} else if ok {
		summary.LatestMessage = &latest
	}

	if conv.IsInitiator(viewerID) {
		if conv.RecipientID == "" {
			return summary, nil
		}
		recipient, ok, err := a.directory.ByID(ctx, conv.RecipientID)
		if err != nil {
			return domain.ConversationSummary{}, fmt.Errorf("resolve recipient: %w", err)
		}
		if ok {
			summary.Counterpart = &domain.Profile{ID: recipient.ID, Username: recipient.Username, Status: recipient.Status}
		}
		return summary, nil
	}

	// Viewer is the recipient (or a detached side): expose the handle.
	profile := &domain.Profile{ID: conv.InitiatorID, Username: conv.InitiatorUsername}
	if conv.InitiatorID != "" {
		if initiator, ok, err := a.directory.ByID(ctx, conv.InitiatorID); err != nil {
			return domain.ConversationSummary{}, fmt.Errorf("resolve initiator: %w", err)
		} else if ok {
			profile.Status = initiator.Status
		}
	}
	summary.Counterpart = profile
	return summary, nil
}

func (a *App) authorizedConversation(conversationID, userID string) (domain.Conversation, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if !ok || !conv.IsParticipant(userID) {
		return domain.Conversation{}, notFound("conversation not found")
	}
	return conv, nil
}
