package stores

import (
	"errors"
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgresStore implements MessageStore for PostgreSQL databases
type PostgresStore struct {
	db  *gorm.DB
	dsn string
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config *StoreConfig) (*PostgresStore, error) {
	if config.Type != "postgres" {
		return nil, fmt.Errorf("invalid store type for PostgreSQL store: %s", config.Type)
	}

	store := &PostgresStore{
		dsn: config.Connection,
	}

	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	return store, nil
}

// NewPostgresStoreSimple creates a new PostgreSQL store with just a DSN
func NewPostgresStoreSimple(dsn string) (*PostgresStore, error) {
	config := NewStoreConfig("postgres", dsn)
	return NewPostgresStore(config)
}

// Connect establishes a connection to the PostgreSQL database
func (s *PostgresStore) Connect() error {
	db, err := gorm.Open(postgres.Open(s.dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	s.db = db

	// Auto-migrate the schema
	if err := s.db.AutoMigrate(&Conversation{}, &Message{}, &PracticeSession{}, &WhiteboardState{}); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Ping checks if the database connection is alive
func (s *PostgresStore) Ping() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// AppendMessage appends a message to a conversation and returns its ID
func (s *PostgresStore) AppendMessage(conversationID string, msg NewMessage) (uint, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database connection is nil")
	}
	if msg.Role != "user" && msg.Role != "assistant" {
		return 0, fmt.Errorf("invalid message role: %s", msg.Role)
	}

	// Ensure conversation record exists (create if first message)
	var convCount int64
	if err := s.db.Model(&Conversation{}).Where("conversation_id = ?", conversationID).Count(&convCount).Error; err != nil {
		log.Printf("Warning: Error checking for conversation %s: %v", conversationID, err)
	} else if convCount == 0 {
		if err := s.CreateConversation(conversationID, ""); err != nil {
			log.Printf("Warning: Failed to create conversation record for %s: %v", conversationID, err)
		}
	}

	var count int64
	if err := s.db.Model(&Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count existing messages: %w", err)
	}

	seq := int(count) + 1

	source := msg.Source
	if source == "" {
		source = "text"
	}

	row := Message{
		ConversationID:    conversationID,
		Sequence:          seq,
		Role:              msg.Role,
		Content:           msg.Content,
		ImageRef:          msg.ImageRef,
		ContextJSON:       msg.ContextJSON,
		PracticeSessionID: msg.PracticeSessionID,
		Source:            source,
	}

	tx := s.db.Begin()
	if err := tx.Create(&row).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to create message record: %w", err)
	}

	if err := tx.Model(&Conversation{}).Where("conversation_id = ?", conversationID).Update("message_count", seq).Error; err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to update conversation message count: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// FetchRecent retrieves messages for a conversation in sequence order
// limit: maximum number of messages to retrieve (0 = return all messages)
func (s *PostgresStore) FetchRecent(conversationID string, limit int) ([]Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var msgs []Message
	query := s.db.Where("conversation_id = ?", conversationID).Order("sequence ASC")

	if limit > 0 {
		// Get total count first
		var count int64
		if err := s.db.Model(&Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("failed to count messages: %w", err)
		}

		// If more than limit, offset to get only last N messages
		if count > int64(limit) {
			offset := int(count) - limit
			query = query.Offset(offset)
		}
	}

	if err := query.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return msgs, nil
}

// CreateConversation creates a new conversation record
func (s *PostgresStore) CreateConversation(convoID, userID string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	conv := Conversation{
		ConversationID: convoID,
		UserID:         userID,
		MessageCount:   0,
	}

	return s.db.Create(&conv).Error
}

// ListConversations returns all conversation IDs
func (s *PostgresStore) ListConversations() ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var convs []Conversation
	if err := s.db.Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ConversationID
	}

	return ids, nil
}

// ListConversationsForUser returns all conversations with details for a specific user
// MessageCount is computed on the fly from the messages table
func (s *PostgresStore) ListConversationsForUser(userID string) ([]ConversationInfo, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	// Query conversations with computed message count via subquery
	type ConvWithCount struct {
		Conversation
		ComputedMessageCount int `gorm:"column:computed_message_count"`
	}

	var convs []ConvWithCount
	err := s.db.Model(&Conversation{}).
		Select("conversations.*, (SELECT COUNT(*) FROM messages WHERE messages.conversation_id = conversations.conversation_id) as computed_message_count").
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&convs).Error

	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	result := make([]ConversationInfo, len(convs))
	for i, c := range convs {
		result[i] = ConversationInfo{
			ConversationID: c.ConversationID,
			UserID:         c.UserID,
			Title:          c.Title,
			MessageCount:   c.ComputedMessageCount, // Use computed count, not stored
			CreatedAt:      c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:      c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	return result, nil
}

// SavePracticeSession creates or updates a practice session record
func (s *PostgresStore) SavePracticeSession(session *PracticeSession) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Save(session).Error
}

// GetPracticeSession fetches a practice session by ID
func (s *PostgresStore) GetPracticeSession(id uint) (*PracticeSession, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var session PracticeSession
	if err := s.db.First(&session, id).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch practice session %d: %w", id, err)
	}
	return &session, nil
}

// SaveWhiteboardState upserts the canvas snapshot for a conversation
func (s *PostgresStore) SaveWhiteboardState(conversationID, snapshot string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	var count int64
	if err := s.db.Model(&WhiteboardState{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check for whiteboard state: %w", err)
	}

	if count > 0 {
		return s.db.Model(&WhiteboardState{}).Where("conversation_id = ?", conversationID).
			Update("snapshot", snapshot).Error
	}

	return s.db.Create(&WhiteboardState{
		ConversationID: conversationID,
		Snapshot:       snapshot,
	}).Error
}

// GetWhiteboardState returns the saved snapshot, or "" when none exists
func (s *PostgresStore) GetWhiteboardState(conversationID string) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("database connection is nil")
	}

	var state WhiteboardState
	err := s.db.Where("conversation_id = ?", conversationID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch whiteboard state: %w", err)
	}
	return state.Snapshot, nil
}
