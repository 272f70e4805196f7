package domain

import "time"

// AccountStatus is the lifecycle state of an account as reported by the
// account directory.
type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusSuspended AccountStatus = "suspended"
)

// SubscriptionKeys are the client-provided credential keys for one web push
// subscription.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is one stored push endpoint for a user.
type PushSubscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
	Active   bool             `json:"active"`
}

// User is the account directory's view of an account. The messaging core
// only reads id, username, status and push subscriptions.
type User struct {
	ID            string             `json:"id"`
	Username      string             `json:"username"`
	Status        AccountStatus      `json:"status"`
	Subscriptions []PushSubscription `json:"-"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// ActiveSubscriptions returns the subscriptions eligible for push delivery.
func (u User) ActiveSubscriptions() []PushSubscription {
	subs := make([]PushSubscription, 0, len(u.Subscriptions))
	for _, sub := range u.Subscriptions {
		if sub.Active {
			subs = append(subs, sub)
		}
	}
	return subs
}

// MessageStatus tracks delivery progress of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
)

// Conversation is a persistent 1:1 channel between two accounts. The
// initiator is shown to the recipient under a generated pseudonymous handle
// that is assigned once and never changes. Participant ids become empty
// when the corresponding account has been deleted; the conversation and its
// messages survive for the remaining participant.
type Conversation struct {
	ID                 string    `json:"id"`
	InitiatorID        string    `json:"initiator"`
	RecipientID        string    `json:"recipient"`
	InitiatorUsername  string    `json:"initiatorUsername"`
	BlockedByInitiator bool      `json:"blockedByInitiator"`
	BlockedByRecipient bool      `json:"blockedByRecipient"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// IsParticipant reports whether userID is one of the two sides.
func (c Conversation) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return c.InitiatorID == userID || c.RecipientID == userID
}

// IsInitiator reports whether userID is the initiating side.
func (c Conversation) IsInitiator(userID string) bool {
	return userID != "" && c.InitiatorID == userID
}

// CounterpartOf returns the other participant's id, which may be empty when
// that account has been deleted.
func (c Conversation) CounterpartOf(userID string) string {
	if c.InitiatorID == userID {
		return c.RecipientID
	}
	return c.InitiatorID
}

// Blocked reports whether traffic is halted. Either side blocking stops
// sending in both directions.
func (c Conversation) Blocked() bool {
	return c.BlockedByInitiator || c.BlockedByRecipient
}

// Message is one entry in a conversation's ordered log. Content is mutable
// by the sender only; ReadAt transitions null to non-null exactly once and
// never reverts.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation"`
	SenderID       string        `json:"sender"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	ReadAt         *time.Time    `json:"readAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Profile is the public identity shown for a conversation counterpart.
// For an initiator viewed by the recipient this carries the pseudonymous
// conversation handle rather than the account username.
type Profile struct {
	ID       string        `json:"id"`
	Username string        `json:"username"`
	Status   AccountStatus `json:"status"`
}

// ConversationSummary is the denormalized listing/detail view of a
// conversation for one viewer.
type ConversationSummary struct {
	Conversation
	Counterpart   *Profile `json:"counterpart"`
	LatestMessage *Message `json:"latestMessage"`
}
