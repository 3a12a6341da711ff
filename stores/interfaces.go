package stores

import (
	"encoding/json"

	"gorm.io/gorm"
)

// Message is a single durable transcript entry within a conversation.
// Messages are append-only: content and problem context are written in a
// single insert and never updated afterwards.
type Message struct {
	gorm.Model
	ConversationID string `gorm:"index;not null"`
	Sequence       int    `gorm:"not null"`
	Role           string `gorm:"not null"` // "user", "assistant"
	Content        string `gorm:"type:text"`
	// ImageRef holds a reference to an image attached to this message
	// (data URL or storage key). Empty for text-only messages.
	ImageRef string `gorm:"type:text" json:"image_ref,omitempty"`
	// ContextJSON stores the serialized problem context extracted from an
	// assistant reply, when one was present.
	ContextJSON string `gorm:"type:json" json:"context_json,omitempty"`
	// PracticeSessionID links a message to the practice session it reports on.
	PracticeSessionID *uint  `gorm:"index" json:"practice_session_id,omitempty"`
	Source            string `gorm:"default:text"` // "text", "voice"
}

// Conversation holds metadata for a tutoring conversation
type Conversation struct {
	gorm.Model
	ConversationID string    `gorm:"uniqueIndex;not null"`
	UserID         string    `gorm:"index;not null"`
	Title          string    `gorm:"type:text"`
	MessageCount   int       `gorm:"default:0"`
	Messages       []Message `gorm:"foreignKey:ConversationID;references:ConversationID"`
}

// ConversationInfo holds basic conversation metadata for listing
type ConversationInfo struct {
	ConversationID string
	UserID         string
	Title          string
	MessageCount   int
	CreatedAt      string
	UpdatedAt      string
}

// PracticeProblem is one generated multiple-choice problem.
type PracticeProblem struct {
	Problem     string           `json:"problem"`
	Difficulty  string           `json:"difficulty"`
	Options     []PracticeOption `json:"options"`
	Explanation string           `json:"explanation"`
	// StudentAnswer is the label of the chosen option, empty until answered.
	StudentAnswer string `json:"studentAnswer,omitempty"`
}

// PracticeOption is a single answer choice.
type PracticeOption struct {
	Label     string `json:"label"`
	Value     string `json:"value"`
	IsCorrect bool   `json:"isCorrect"`
}

// Answered reports whether the student picked an option, and whether that
// pick was correct.
func (p *PracticeProblem) Answered() (answered, correct bool) {
	if p.StudentAnswer == "" {
		return false, false
	}
	for _, opt := range p.Options {
		if opt.Label == p.StudentAnswer {
			return true, opt.IsCorrect
		}
	}
	return true, false
}

// PracticeSession records a generated quiz and its outcome so later chat
// turns can reference the student's score.
type PracticeSession struct {
	gorm.Model
	ConversationID string `gorm:"index;not null"`
	Topic          string `gorm:"not null"`
	Difficulty     string
	Score          int
	AnsweredCount  int
	Completed      bool
	// Problems is the in-memory view; ProblemsJSON is what gorm persists.
	Problems     []PracticeProblem `gorm:"-" json:"problems"`
	ProblemsJSON string            `gorm:"type:json" json:"-"`
}

// BeforeSave serializes the problem list into the JSON column.
func (p *PracticeSession) BeforeSave(tx *gorm.DB) error {
	if p.Problems == nil {
		return nil
	}
	data, err := json.Marshal(p.Problems)
	if err != nil {
		return err
	}
	p.ProblemsJSON = string(data)
	return nil
}

// AfterFind restores the problem list from the JSON column.
func (p *PracticeSession) AfterFind(tx *gorm.DB) error {
	if p.ProblemsJSON == "" {
		return nil
	}
	return json.Unmarshal([]byte(p.ProblemsJSON), &p.Problems)
}

// WhiteboardState is the latest saved canvas snapshot for a conversation.
// One row per conversation, upserted on each debounced save.
type WhiteboardState struct {
	gorm.Model
	ConversationID string `gorm:"uniqueIndex;not null"`
	Snapshot       string `gorm:"type:text"`
}

// NewMessage carries the fields of a message to append. The store assigns
// sequence numbers and timestamps.
type NewMessage struct {
	Role              string
	Content           string
	ImageRef          string
	ContextJSON       string
	PracticeSessionID *uint
	Source            string
}

// MessageStore abstracts transcript persistence
type MessageStore interface {
	// Message operations
	AppendMessage(conversationID string, msg NewMessage) (uint, error)
	FetchRecent(conversationID string, limit int) ([]Message, error)

	// Conversation operations
	CreateConversation(convoID, userID string) error
	ListConversations() ([]string, error)
	ListConversationsForUser(userID string) ([]ConversationInfo, error)

	// Practice session operations
	SavePracticeSession(session *PracticeSession) error
	GetPracticeSession(id uint) (*PracticeSession, error)

	// Whiteboard persistence
	SaveWhiteboardState(conversationID, snapshot string) error
	GetWhiteboardState(conversationID string) (string, error)

	// Connection management
	Connect() error
	Close() error

	// Health check
	Ping() error
}

// StoreConfig holds configuration for database stores
type StoreConfig struct {
	Type       string            `json:"type"`       // "sqlite", "postgres"
	Connection string            `json:"connection"` // connection string
	Options    map[string]string `json:"options"`    // additional options
}

// NewStoreConfig creates a new store configuration
func NewStoreConfig(storeType, connection string) *StoreConfig {
	return &StoreConfig{
		Type:       storeType,
		Connection: connection,
		Options:    make(map[string]string),
	}
}

// WithOption adds an option to the store configuration
func (c *StoreConfig) WithOption(key, value string) *StoreConfig {
	c.Options[key] = value
	return c
}
