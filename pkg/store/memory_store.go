package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"whisperim/pkg/domain"
)

// MemoryStore keeps all state in-process. It mirrors the constraint and
// guard semantics of GormStore so tests and single-node development runs
// observe the same behavior.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User // user ID -> user (subscriptions inline)
	usernames     map[string]string      // username -> user ID
	conversations map[string]domain.Conversation
	handles       map[string]string // initiator handle -> conversation ID
	pairs         map[string]string // initiator|recipient -> conversation ID
	messages      map[string][]domain.Message // conversation ID -> append order
	lastMessageAt map[string]time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		usernames:     make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		handles:       make(map[string]string),
		pairs:         make(map[string]string),
		messages:      make(map[string][]domain.Message),
		lastMessageAt: make(map[string]time.Time),
	}
}

func pairKey(initiatorID, recipientID string) string {
	return initiatorID + "|" + recipientID
}

// SaveUser stores or replaces an account.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		delete(m.usernames, existing.Username)
	}
	m.users[u.ID] = u
	m.usernames[u.Username] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	return user, ok, nil
}

func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usernames[username]
	if !ok {
		return domain.User{}, false, nil
	}
	user, ok := m.users[id]
	return user, ok, nil
}

// AddPushSubscription appends a subscription unless the endpoint is already
// stored for any user.
func (m *MemoryStore) AddPushSubscription(userID string, sub domain.PushSubscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	for _, u := range m.users {
		for _, existing := range u.Subscriptions {
			if existing.Endpoint == sub.Endpoint {
				return false, nil
			}
		}
	}
	sub.Active = true
	user.Subscriptions = append(user.Subscriptions, sub)
	m.users[userID] = user
	return true, nil
}

// DetachUser removes the account and nulls its side on every conversation.
func (m *MemoryStore) DetachUser(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		delete(m.usernames, user.Username)
		delete(m.users, userID)
	}
	for id, conv := range m.conversations {
		changed := false
		if conv.InitiatorID == userID {
			delete(m.pairs, pairKey(conv.InitiatorID, conv.RecipientID))
			conv.InitiatorID = ""
			changed = true
		}
		if conv.RecipientID == userID {
			if !changed {
				delete(m.pairs, pairKey(conv.InitiatorID, conv.RecipientID))
			}
			conv.RecipientID = ""
			changed = true
		}
		if changed {
			conv.UpdatedAt = time.Now().UTC()
			m.conversations[id] = conv
		}
	}
	return nil
}

// CreateConversation enforces the pair and handle uniqueness the way the
// database indexes do, then records the conversation and its first message.
func (m *MemoryStore) CreateConversation(conv domain.Conversation, first domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(conv.InitiatorID, conv.RecipientID)
	if _, exists := m.pairs[key]; exists {
		return ErrDuplicateConversation
	}
	if _, exists := m.handles[conv.InitiatorUsername]; exists {
		return ErrDuplicateHandle
	}
	m.conversations[conv.ID] = conv
	m.pairs[key] = conv.ID
	m.handles[conv.InitiatorUsername] = conv.ID
	m.messages[conv.ID] = append(m.messages[conv.ID], first)
	m.lastMessageAt[conv.ID] = first.CreatedAt
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	return conv, ok, nil
}

func (m *MemoryStore) ListConversationsByUser(userID string, offset, limit int) ([]domain.Conversation, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []domain.Conversation
	for _, conv := range m.conversations {
		if conv.InitiatorID == userID || conv.RecipientID == userID {
			items = append(items, conv)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		ti := m.lastMessageAt[items[i].ID]
		tj := m.lastMessageAt[items[j].ID]
		if ti.Equal(tj) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return ti.After(tj)
	})
	total := len(items)
	if offset >= total {
		return []domain.Conversation{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]domain.Conversation{}, items[offset:end]...), total, nil
}

func (m *MemoryStore) SetBlockFlag(conversationID string, initiatorSide, blocked bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	if initiatorSide {
		if conv.BlockedByInitiator == blocked {
			return false, nil
		}
		conv.BlockedByInitiator = blocked
	} else {
		if conv.BlockedByRecipient == blocked {
			return false, nil
		}
		conv.BlockedByRecipient = blocked
	}
	conv.UpdatedAt = time.Now().UTC()
	m.conversations[conversationID] = conv
	return true, nil
}

// AppendMessage re-checks the guards under the same lock that performs the
// insert, matching the row-lock semantics of the Postgres store.
func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if conv.InitiatorID == "" || conv.RecipientID == "" {
		return ErrParticipantGone
	}
	if conv.Blocked() {
		return ErrConversationBlocked
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	m.lastMessageAt[msg.ConversationID] = msg.CreatedAt
	conv.UpdatedAt = time.Now().UTC()
	m.conversations[conv.ID] = conv
	return nil
}

func (m *MemoryStore) GetMessage(conversationID, messageID string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages[conversationID] {
		if msg.ID == messageID {
			return msg, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (m *MemoryStore) ListMessages(conversationID string, limit int, before *time.Time) ([]domain.Message, int, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedDesc(conversationID)
	var page []domain.Message
	for _, msg := range all {
		if before != nil && !msg.CreatedAt.Before(*before) {
			continue
		}
		page = append(page, msg)
		if len(page) == limit {
			break
		}
	}
	if len(page) == 0 {
		return []domain.Message{}, 0, nil
	}
	oldest := page[len(page)-1].CreatedAt
	older := 0
	for _, msg := range all {
		if msg.CreatedAt.Before(oldest) {
			older++
		}
	}
	return page, older, nil
}

func (m *MemoryStore) LatestMessage(conversationID string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedDesc(conversationID)
	if len(all) == 0 {
		return domain.Message{}, false, nil
	}
	return all[0], true, nil
}

func (m *MemoryStore) UpdateMessageContent(conversationID, messageID, content string) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	for i, msg := range msgs {
		if msg.ID == messageID {
			msg.Content = content
			msg.UpdatedAt = time.Now().UTC()
			msgs[i] = msg
			return msg, nil
		}
	}
	return domain.Message{}, ErrMessageNotFound
}

func (m *MemoryStore) LatestUnreadBy(conversationID, requesterID string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.sortedDesc(conversationID) {
		if msg.SenderID != requesterID && msg.ReadAt == nil {
			return msg, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (m *MemoryStore) MarkReadThrough(conversationID, requesterID string, through, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	changed := 0
	for i, msg := range msgs {
		if msg.SenderID == requesterID || msg.ReadAt != nil || msg.CreatedAt.After(through) {
			continue
		}
		stamp := at
		msg.ReadAt = &stamp
		msg.UpdatedAt = time.Now().UTC()
		msgs[i] = msg
		changed++
	}
	return changed, nil
}

// sortedDesc returns a copy of the conversation log, newest first. Ties on
// creation time fall back to ID so ordering stays stable.
func (m *MemoryStore) sortedDesc(conversationID string) []domain.Message {
	msgs := append([]domain.Message{}, m.messages[conversationID]...)
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return strings.Compare(msgs[i].ID, msgs[j].ID) > 0
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	return msgs
}
