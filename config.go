package mathtutor

import (
	"mathtutor/stores"
)

// TutorConfig holds the tunables shared across the tutoring service
type TutorConfig struct {
	ModelName string
	Store     stores.MessageStore
	// HistoryLimit caps how many transcript messages are assembled into a
	// model prompt.
	HistoryLimit int
	// QuizContextWindow is how many recent messages seed practice generation.
	QuizContextWindow int
	// VoiceHistoryLimit caps the transcript replayed into a voice session.
	VoiceHistoryLimit int
}

// NewTutorConfig creates a configuration with default values
func NewTutorConfig() *TutorConfig {
	// Create a default SQLite store
	defaultStore, err := stores.NewSQLiteStoreDefault()
	if err != nil {
		panic("Failed to create default SQLite store: " + err.Error())
	}

	return &TutorConfig{
		ModelName:         "claude-sonnet-4-20250514",
		Store:             defaultStore,
		HistoryLimit:      50,
		QuizContextWindow: 5,
		VoiceHistoryLimit: 15,
	}
}

// WithModelName sets the model name for the configuration
func (c *TutorConfig) WithModelName(modelName string) *TutorConfig {
	c.ModelName = modelName
	return c
}

// WithStore sets the message store for the configuration
func (c *TutorConfig) WithStore(store stores.MessageStore) *TutorConfig {
	c.Store = store
	return c
}

// WithHistoryLimit sets how many messages get assembled into prompts
func (c *TutorConfig) WithHistoryLimit(limit int) *TutorConfig {
	c.HistoryLimit = limit
	return c
}

// WithQuizContextWindow sets the practice generation context size
func (c *TutorConfig) WithQuizContextWindow(window int) *TutorConfig {
	c.QuizContextWindow = window
	return c
}

// WithVoiceHistoryLimit sets the voice session replay cap
func (c *TutorConfig) WithVoiceHistoryLimit(limit int) *TutorConfig {
	c.VoiceHistoryLimit = limit
	return c
}

// WithSQLiteStore sets a SQLite store with the specified database path
func (c *TutorConfig) WithSQLiteStore(dbPath string) *TutorConfig {
	store, err := stores.NewSQLiteStoreSimple(dbPath)
	if err != nil {
		panic("Failed to create SQLite store: " + err.Error())
	}
	c.Store = store
	return c
}

// WithPostgresStore sets a PostgreSQL store with the specified connection parameters
func (c *TutorConfig) WithPostgresStore(host, user, password, dbname string, port int) *TutorConfig {
	store, err := stores.NewPostgresStoreDefault(host, user, password, dbname, port)
	if err != nil {
		panic("Failed to create PostgreSQL store: " + err.Error())
	}
	c.Store = store
	return c
}
