package store

import (
	"time"

	"whisperim/pkg/domain"
)

// GORM models used for persistence. Participant columns on conversations
// are nullable: account deletion nulls the reference instead of cascading.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	Username  string    `gorm:"uniqueIndex;not null"`
	Status    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type SubscriptionModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Endpoint  string    `gorm:"uniqueIndex;not null"`
	P256dh    string    `gorm:"not null"`
	Auth      string    `gorm:"not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID                 string  `gorm:"primaryKey"`
	InitiatorID        *string `gorm:"index;uniqueIndex:idx_conversation_pair"`
	RecipientID        *string `gorm:"index;uniqueIndex:idx_conversation_pair"`
	InitiatorUsername  string  `gorm:"uniqueIndex;not null"`
	BlockedByInitiator bool    `gorm:"not null;default:false"`
	BlockedByRecipient bool    `gorm:"not null;default:false"`
	LastMessageAt      *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index:idx_message_conv_created"`
	SenderID       string `gorm:"not null;index"`
	Content        string `gorm:"type:text;not null"`
	Status         string `gorm:"not null"`
	ReadAt         *time.Time
	CreatedAt      time.Time `gorm:"not null;index:idx_message_conv_created"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Username:  u.Username,
		Status:    string(u.Status),
		CreatedAt: u.CreatedAt,
	}
}

func userFromModel(m UserModel, subs []SubscriptionModel) domain.User {
	user := domain.User{
		ID:        m.ID,
		Username:  m.Username,
		Status:    domain.AccountStatus(m.Status),
		CreatedAt: m.CreatedAt,
	}
	for _, sub := range subs {
		user.Subscriptions = append(user.Subscriptions, subscriptionFromModel(sub))
	}
	return user
}

func subscriptionFromModel(m SubscriptionModel) domain.PushSubscription {
	return domain.PushSubscription{
		Endpoint: m.Endpoint,
		Keys:     domain.SubscriptionKeys{P256dh: m.P256dh, Auth: m.Auth},
		Active:   m.Active,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	model := ConversationModel{
		ID:                 c.ID,
		InitiatorUsername:  c.InitiatorUsername,
		BlockedByInitiator: c.BlockedByInitiator,
		BlockedByRecipient: c.BlockedByRecipient,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
	if c.InitiatorID != "" {
		id := c.InitiatorID
		model.InitiatorID = &id
	}
	if c.RecipientID != "" {
		id := c.RecipientID
		model.RecipientID = &id
	}
	return model
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	conv := domain.Conversation{
		ID:                 m.ID,
		InitiatorUsername:  m.InitiatorUsername,
		BlockedByInitiator: m.BlockedByInitiator,
		BlockedByRecipient: m.BlockedByRecipient,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if m.InitiatorID != nil {
		conv.InitiatorID = *m.InitiatorID
	}
	if m.RecipientID != nil {
		conv.RecipientID = *m.RecipientID
	}
	return conv
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Status:         string(msg.Status),
		ReadAt:         msg.ReadAt,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Status:         domain.MessageStatus(m.Status),
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
