package store

import (
	"errors"
	"time"

	"whisperim/pkg/domain"
)

// Sentinel errors reported by Store implementations. Constraint violations
// surface as typed errors rather than pre-check results so that callers can
// treat them as the conflict path.
var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrMessageNotFound       = errors.New("message not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrDuplicateConversation = errors.New("conversation already exists for pair")
	ErrDuplicateHandle       = errors.New("initiator handle already taken")
	ErrConversationBlocked   = errors.New("conversation is blocked")
	ErrParticipantGone       = errors.New("conversation participant deleted")
)

// Store defines persistence for accounts, conversations and messages.
//
// AppendMessage and SetBlockFlag carry their guard conditions into the
// store so a single atomic operation decides the outcome; callers must not
// rely on a separate read for correctness.
type Store interface {
	// accounts
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	// AddPushSubscription stores a push subscription for the user. It
	// returns false without error when the endpoint is already stored.
	AddPushSubscription(userID string, sub domain.PushSubscription) (bool, error)
	// DetachUser deletes the account and nulls its participant reference
	// on every conversation it appears in. Conversations and messages are
	// kept for the remaining participant.
	DetachUser(userID string) error

	// conversations
	// CreateConversation inserts the conversation together with its first
	// message in one transaction. Returns ErrDuplicateConversation when
	// the (initiator, recipient) pair already has a conversation and
	// ErrDuplicateHandle when the generated handle collides.
	CreateConversation(conv domain.Conversation, first domain.Message) error
	GetConversation(id string) (domain.Conversation, bool, error)
	// ListConversationsByUser returns a page of the user's conversations
	// ordered by latest-message time descending, plus the total count.
	ListConversationsByUser(userID string, offset, limit int) ([]domain.Conversation, int, error)
	// SetBlockFlag conditionally flips one side's block flag. It reports
	// false when the flag already had the requested value, so callers can
	// distinguish the idempotent no-op from a state change.
	SetBlockFlag(conversationID string, initiatorSide, blocked bool) (bool, error)

	// messages
	// AppendMessage inserts the message after re-checking, atomically with
	// the insert, that the conversation exists, both participants are
	// still attached and neither side has blocked.
	AppendMessage(msg domain.Message) error
	GetMessage(conversationID, messageID string) (domain.Message, bool, error)
	// ListMessages returns up to limit messages newest-first, restricted
	// to those created strictly before the cutoff when non-nil, plus the
	// count of messages older than the last returned one.
	ListMessages(conversationID string, limit int, before *time.Time) ([]domain.Message, int, error)
	LatestMessage(conversationID string) (domain.Message, bool, error)
	UpdateMessageContent(conversationID, messageID, content string) (domain.Message, error)
	// LatestUnreadBy returns the newest unread message in the conversation
	// that was not sent by requesterID.
	LatestUnreadBy(conversationID, requesterID string) (domain.Message, bool, error)
	// MarkReadThrough stamps readAt on every unread message not sent by
	// requesterID and created at or before the cutoff. Messages already
	// read are left untouched. Returns the number of rows changed.
	MarkReadThrough(conversationID, requesterID string, through, at time.Time) (int, error)
}
