package models

import "time"

// ChatMessageResponse defines the structure for messages returned by the chat history API endpoint.
// It excludes internal DB fields like gorm.Model but includes necessary identifiers and timestamps.
type ChatMessageResponse struct {
	ID             uint      `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID string    `json:"conversation_id"`
	Sequence       int       `json:"sequence"`
	Role           string    `json:"role"` // "user", "assistant"
	Content        string    `json:"content"`
	ImageRef       string    `json:"image_ref,omitempty"`
	// ProblemContext is the unmarshalled context payload, when one was
	// extracted from this message.
	ProblemContext    interface{} `json:"problem_context,omitempty"`
	PracticeSessionID *uint       `json:"practice_session_id,omitempty"`
	Source            string      `json:"source"` // "text", "voice"
}

// TranscriptionResponse is returned by the speech-to-text endpoint
type TranscriptionResponse struct {
	Text string `json:"text"`
}

// VoiceTokenResponse carries an ephemeral realtime credential
type VoiceTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// VisionResponse is returned by the whiteboard description endpoint
type VisionResponse struct {
	Description string `json:"description"`
}

// ErrorResponse is the uniform error body for API failures
type ErrorResponse struct {
	Error string `json:"error"`
}
