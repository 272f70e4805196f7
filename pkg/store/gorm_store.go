package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"whisperim/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent instances do not race each other.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &SubscriptionModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates an account.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	model.UpdatedAt = time.Now().UTC()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

// GetUserByID returns one account with its push subscriptions.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	subs, err := s.subscriptionsFor(model.ID)
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model, subs), true, nil
}

// GetUserByUsername resolves an account by its unique username.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	subs, err := s.subscriptionsFor(model.ID)
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model, subs), true, nil
}

func (s *GormStore) subscriptionsFor(userID string) ([]SubscriptionModel, error) {
	var subs []SubscriptionModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// AddPushSubscription stores a subscription, deduplicated by endpoint. The
// unique index decides; a duplicate insert is reported as the no-op case.
func (s *GormStore) AddPushSubscription(userID string, sub domain.PushSubscription) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrUserNotFound
	}
	model := SubscriptionModel{
		ID:        newModelID(),
		UserID:    userID,
		Endpoint:  sub.Endpoint,
		P256dh:    sub.Keys.P256dh,
		Auth:      sub.Keys.Auth,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DetachUser deletes the account, its subscriptions, and nulls its
// participant reference on every conversation it appears in.
func (s *GormStore) DetachUser(userID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ConversationModel{}).Where("initiator_id = ?", userID).
			Update("initiator_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&ConversationModel{}).Where("recipient_id = ?", userID).
			Update("recipient_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Delete(&SubscriptionModel{}, "user_id = ?", userID).Error; err != nil {
			return err
		}
		return tx.Delete(&UserModel{}, "id = ?", userID).Error
	})
}

// CreateConversation inserts the conversation and its first message in one
// transaction. Uniqueness of the pair and of the handle is enforced by the
// indexes; a violation is mapped to the matching sentinel.
func (s *GormStore) CreateConversation(conv domain.Conversation, first domain.Message) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		model := conversationToModel(conv)
		createdAt := first.CreatedAt
		model.LastMessageAt = &createdAt
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		msgModel := messageToModel(first)
		return tx.Create(&msgModel).Error
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var count int64
		if s.db.Model(&ConversationModel{}).
			Where("initiator_id = ? AND recipient_id = ?", conv.InitiatorID, conv.RecipientID).
			Count(&count).Error == nil && count > 0 {
			return ErrDuplicateConversation
		}
		return ErrDuplicateHandle
	}
	return err
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns a page of the user's conversations ordered
// by latest-message time descending, plus the total count.
func (s *GormStore) ListConversationsByUser(userID string, offset, limit int) ([]domain.Conversation, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	var total int64
	if err := s.db.Model(&ConversationModel{}).
		Where("initiator_id = ? OR recipient_id = ?", userID, userID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []ConversationModel
	if err := s.db.
		Where("initiator_id = ? OR recipient_id = ?", userID, userID).
		Order("last_message_at DESC NULLS LAST").
		Order("updated_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, int(total), nil
}

// SetBlockFlag flips one side's flag with a conditional update so that
// concurrent calls cannot double-report a change.
func (s *GormStore) SetBlockFlag(conversationID string, initiatorSide, blocked bool) (bool, error) {
	column := "blocked_by_recipient"
	if initiatorSide {
		column = "blocked_by_initiator"
	}
	res := s.db.Model(&ConversationModel{}).
		Where("id = ?", conversationID).
		Where(column+" = ?", !blocked).
		Updates(map[string]any{column: blocked, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var count int64
	if err := s.db.Model(&ConversationModel{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrConversationNotFound
	}
	return false, nil
}

// AppendMessage inserts the message while holding a row lock on the
// conversation, so the block and participant checks cannot race a
// concurrent Block or DetachUser.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var conv ConversationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}
		if conv.InitiatorID == nil || conv.RecipientID == nil {
			return ErrParticipantGone
		}
		if conv.BlockedByInitiator || conv.BlockedByRecipient {
			return ErrConversationBlocked
		}
		model := messageToModel(msg)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&ConversationModel{}).Where("id = ?", conv.ID).Updates(map[string]any{
			"last_message_at": msg.CreatedAt,
			"updated_at":      time.Now().UTC(),
		}).Error
	})
}

// GetMessage returns one message scoped to its conversation.
func (s *GormStore) GetMessage(conversationID, messageID string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ? AND conversation_id = ?", messageID, conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListMessages returns a newest-first page plus the count of older messages.
func (s *GormStore) ListMessages(conversationID string, limit int, before *time.Time) ([]domain.Message, int, error) {
	if limit <= 0 {
		limit = 10
	}
	query := s.db.Where("conversation_id = ?", conversationID)
	if before != nil {
		query = query.Where("created_at < ?", *before)
	}
	var models []MessageModel
	if err := query.Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, 0, err
	}
	if len(models) == 0 {
		return []domain.Message{}, 0, nil
	}
	oldest := models[len(models)-1].CreatedAt
	var older int64
	if err := s.db.Model(&MessageModel{}).
		Where("conversation_id = ? AND created_at < ?", conversationID, oldest).
		Count(&older).Error; err != nil {
		return nil, 0, err
	}
	items := make([]domain.Message, 0, len(models))
	for _, model := range models {
		items = append(items, messageFromModel(model))
	}
	return items, int(older), nil
}

// LatestMessage returns the newest message of a conversation.
func (s *GormStore) LatestMessage(conversationID string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// UpdateMessageContent edits a message body in place. ReadAt and status are
// deliberately untouched.
func (s *GormStore) UpdateMessageContent(conversationID, messageID, content string) (domain.Message, error) {
	res := s.db.Model(&MessageModel{}).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		Updates(map[string]any{"content": content, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return domain.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Message{}, ErrMessageNotFound
	}
	msg, ok, err := s.GetMessage(conversationID, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, ErrMessageNotFound
	}
	return msg, nil
}

// LatestUnreadBy returns the newest unread message not sent by requesterID.
func (s *GormStore) LatestUnreadBy(conversationID, requesterID string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.Where("conversation_id = ? AND sender_id <> ? AND read_at IS NULL", conversationID, requesterID).
		Order("created_at DESC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// MarkReadThrough stamps readAt on unread counterpart messages up to the
// cutoff in one conditional update. Already-read rows never change, so
// readAt only ever moves from null to a timestamp.
func (s *GormStore) MarkReadThrough(conversationID, requesterID string, through, at time.Time) (int, error) {
	res := s.db.Model(&MessageModel{}).
		Where("conversation_id = ? AND sender_id <> ? AND read_at IS NULL AND created_at <= ?",
			conversationID, requesterID, through).
		Updates(map[string]any{"read_at": at, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
