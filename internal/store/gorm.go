package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

type conversationRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	ModelID   string    `gorm:"type:varchar(128);not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (conversationRecord) TableName() string { return "conversations" }

type messageRecord struct {
	ID             int64              `gorm:"primaryKey;autoIncrement"`
	ConversationID int64              `gorm:"not null;index"`
	Conversation   conversationRecord `gorm:"constraint:OnDelete:CASCADE"`
	Role           string             `gorm:"type:varchar(16);not null;check:role IN ('user', 'assistant', 'system')"`
	Content        string             `gorm:"type:text;not null;default:''"`
	CreatedAt      time.Time          `gorm:"not null"`
	CompletedAt    *time.Time
	Abandoned      bool `gorm:"not null;default:false"`
}

func (messageRecord) TableName() string { return "messages" }

func (r messageRecord) toMessage() chat.Message {
	msg := chat.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           chat.Role(r.Role),
		Content:        r.Content,
		CreatedAt:      r.CreatedAt.UTC(),
		Abandoned:      r.Abandoned,
	}
	if r.CompletedAt != nil {
		at := r.CompletedAt.UTC()
		msg.CompletedAt = &at
	}
	return msg
}

// GormStore persists conversations in Postgres through gorm.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewGormStore connects to Postgres with the given DSN and migrates the
// conversation tables.
func NewGormStore(dsn string, logger *zap.Logger) (*GormStore, error) {
	return NewGormStoreWithDialector(postgres.Open(dsn), logger)
}

// NewGormStoreWithDialector opens the store over an arbitrary gorm dialector.
func NewGormStoreWithDialector(dialector gorm.Dialector, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	logger.Info("gorm store initialized", zap.String("dialect", dialector.Name()))
	return &GormStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *GormStore) CreateConversation(ctx context.Context, modelID string) (chat.Conversation, error) {
	rec := conversationRecord{ModelID: modelID, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return chat.Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	return chat.Conversation{ID: rec.ID, ModelID: rec.ModelID, CreatedAt: rec.CreatedAt}, nil
}

func (s *GormStore) GetConversation(ctx context.Context, id int64) (chat.Conversation, error) {
	var rec conversationRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Conversation{}, ErrConversationNotFound
		}
		return chat.Conversation{}, fmt.Errorf("querying conversation: %w", err)
	}

	msgs, err := s.messages(s.db.WithContext(ctx), id)
	if err != nil {
		return chat.Conversation{}, err
	}
	return chat.Conversation{
		ID:        rec.ID,
		ModelID:   rec.ModelID,
		CreatedAt: rec.CreatedAt.UTC(),
		Messages:  msgs,
	}, nil
}

func (s *GormStore) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	var rows []struct {
		ID            int64
		ModelID       string
		CreatedAt     time.Time
		MessagesCount int
	}
	err := s.db.WithContext(ctx).
		Table("conversations AS c").
		Select("c.id, c.model_id, c.created_at, COUNT(m.id) AS messages_count").
		Joins("LEFT JOIN messages AS m ON m.conversation_id = c.id").
		Group("c.id, c.model_id, c.created_at").
		Order("c.created_at DESC, c.id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make([]chat.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, chat.ConversationSummary{
			ID:            row.ID,
			ModelID:       row.ModelID,
			CreatedAt:     row.CreatedAt.UTC(),
			MessagesCount: row.MessagesCount,
		})
	}
	return out, nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		res := tx.Delete(&conversationRecord{}, id)
		if res.Error != nil {
			return fmt.Errorf("deleting conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	db := s.db.WithContext(ctx)
	if err := s.requireConversation(db, conversationID, false); err != nil {
		return nil, err
	}
	return s.messages(db, conversationID)
}

func (s *GormStore) AppendUserMessage(ctx context.Context, conversationID int64, content string) (chat.Message, error) {
	return s.insert(s.db.WithContext(ctx), conversationID, chat.RoleUser, content, true)
}

func (s *GormStore) AppendSystemMessage(ctx context.Context, conversationID int64, content string) (chat.Message, error) {
	return s.insert(s.db.WithContext(ctx), conversationID, chat.RoleSystem, content, true)
}

func (s *GormStore) TrailingAssistantMessage(ctx context.Context, conversationID int64) (chat.Message, error) {
	var out chat.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// row lock on the conversation serializes concurrent get-or-create calls
		if err := s.requireConversation(tx, conversationID, true); err != nil {
			return err
		}

		var last []messageRecord
		if err := tx.Where("conversation_id = ?", conversationID).
			Order("id DESC").Limit(1).Find(&last).Error; err != nil {
			return fmt.Errorf("querying last message: %w", err)
		}
		if len(last) == 1 && last[0].Role == string(chat.RoleAssistant) && last[0].CompletedAt == nil {
			out = last[0].toMessage()
			return nil
		}

		msg, err := s.insert(tx, conversationID, chat.RoleAssistant, "", false)
		if err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

func (s *GormStore) AppendToMessage(ctx context.Context, messageID int64, fragment string) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&messageRecord{}).
		Where("id = ? AND completed_at IS NULL", messageID).
		Update("content", gorm.Expr("content || ?", fragment))
	if res.Error != nil {
		return fmt.Errorf("appending to message: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	rec, err := s.message(db, messageID)
	if err != nil {
		return err
	}
	if rec.CompletedAt != nil {
		return ErrMessageFinalized
	}
	return nil
}

func (s *GormStore) FinalizeMessage(ctx context.Context, messageID int64) (chat.Message, error) {
	db := s.db.WithContext(ctx)
	if err := db.Model(&messageRecord{}).
		Where("id = ? AND completed_at IS NULL", messageID).
		Update("completed_at", s.now()).Error; err != nil {
		return chat.Message{}, fmt.Errorf("finalizing message: %w", err)
	}
	rec, err := s.message(db, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	return rec.toMessage(), nil
}

func (s *GormStore) AbandonMessage(ctx context.Context, messageID int64) (chat.Message, error) {
	db := s.db.WithContext(ctx)
	if err := db.Model(&messageRecord{}).
		Where("id = ? AND completed_at IS NULL", messageID).
		Updates(map[string]any{"completed_at": s.now(), "abandoned": true}).Error; err != nil {
		return chat.Message{}, fmt.Errorf("abandoning message: %w", err)
	}
	rec, err := s.message(db, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if !rec.Abandoned {
		return chat.Message{}, ErrMessageFinalized
	}
	return rec.toMessage(), nil
}

func (s *GormStore) DeleteMessage(ctx context.Context, messageID int64) error {
	res := s.db.WithContext(ctx).Delete(&messageRecord{}, messageID)
	if res.Error != nil {
		return fmt.Errorf("deleting message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Close releases the pooled connections.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) requireConversation(db *gorm.DB, id int64, forUpdate bool) error {
	q := db
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rec conversationRecord
	if err := q.Select("id").First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("querying conversation: %w", err)
	}
	return nil
}

func (s *GormStore) insert(db *gorm.DB, conversationID int64, role chat.Role, content string, final bool) (chat.Message, error) {
	if err := s.requireConversation(db, conversationID, false); err != nil {
		return chat.Message{}, err
	}

	now := s.now()
	rec := messageRecord{
		ConversationID: conversationID,
		Role:           string(role),
		Content:        content,
		CreatedAt:      now,
	}
	if final {
		rec.CompletedAt = &now
	}
	if err := db.Omit("Conversation").Create(&rec).Error; err != nil {
		return chat.Message{}, fmt.Errorf("inserting %s message: %w", role, err)
	}
	return rec.toMessage(), nil
}

func (s *GormStore) message(db *gorm.DB, id int64) (messageRecord, error) {
	var rec messageRecord
	if err := db.First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return messageRecord{}, ErrMessageNotFound
		}
		return messageRecord{}, fmt.Errorf("querying message: %w", err)
	}
	return rec, nil
}

func (s *GormStore) messages(db *gorm.DB, conversationID int64) ([]chat.Message, error) {
	var recs []messageRecord
	if err := db.Where("conversation_id = ?", conversationID).
		Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]chat.Message, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toMessage())
	}
	return out, nil
}
