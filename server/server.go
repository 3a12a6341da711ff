package server

import (
	"context"
	"io"
	"sync"

	"github.com/gin-gonic/gin"

	mathtutor "mathtutor"
	"mathtutor/chat"
	"mathtutor/history"
	models "mathtutor/models"
	"mathtutor/models/openai"
	"mathtutor/practice"
	"mathtutor/stores"
	"mathtutor/voice"
	"mathtutor/whiteboard"
)

// TutorModel is the chat model dependency: streaming for the conversation
// endpoint, non-streaming for practice generation.
type TutorModel interface {
	Chat_Request(ctx context.Context, history []models.Prompt_Message) (models.Model_Response, error)
	Stream_Chat_Request(ctx context.Context, history []models.Prompt_Message) (<-chan models.Model_Response, <-chan error)
}

// SpeechProvider covers transcription, synthesis, and realtime credentials.
type SpeechProvider interface {
	Transcribe(ctx context.Context, audioData []byte, filename string) (*openai.TranscriptionResult, error)
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
	MintRealtimeToken(ctx context.Context) (*openai.RealtimeToken, error)
}

// VisionProvider describes whiteboard images.
type VisionProvider interface {
	DescribeImage(ctx context.Context, imageDataURL string) (string, error)
}

// Server holds the HTTP boundary's dependencies and per-conversation state.
type Server struct {
	Config *mathtutor.TutorConfig
	Store  stores.MessageStore
	Model  TutorModel
	Speech SpeechProvider
	Vision VisionProvider

	// VoiceSessions is optional; without it the voice bridge endpoint
	// reports voice as unavailable.
	VoiceSessions *voice.Registry

	Generator *practice.Generator

	mu           sync.Mutex
	controllers  map[string]*chat.Controller
	broadcasters map[string]*voice.Broadcaster
	autoSavers   map[string]*whiteboard.AutoSaver
}

// NewServer wires the HTTP boundary.
func NewServer(cfg *mathtutor.TutorConfig, store stores.MessageStore, model TutorModel, speech SpeechProvider, vision VisionProvider) *Server {
	return &Server{
		Config: cfg,
		Store:  store,
		Model:  model,
		Speech: speech,
		Vision: vision,
		Generator: &practice.Generator{
			Model:         model,
			Store:         store,
			ContextWindow: cfg.QuizContextWindow,
		},
		controllers:  make(map[string]*chat.Controller),
		broadcasters: make(map[string]*voice.Broadcaster),
		autoSavers:   make(map[string]*whiteboard.AutoSaver),
	}
}

// controller returns the conversation's chat controller, creating it on
// first use. Controllers are long-lived so the busy check spans requests.
func (s *Server) controller(conversationID string) *chat.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.controllers[conversationID]; ok {
		return c
	}
	asm := &history.Assembler{Store: s.Store, HistoryLimit: s.Config.HistoryLimit}
	c := chat.NewController(conversationID, s.Store, asm, s.Model)
	s.controllers[conversationID] = c
	return c
}

// Broadcaster returns the conversation's shared audio fan-out, creating it
// on first use. The voice session factory and the websocket bridge both go
// through here so they agree on the sink set.
func (s *Server) Broadcaster(conversationID string) *voice.Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.broadcasters[conversationID]; ok {
		return b
	}
	b := voice.NewBroadcaster()
	s.broadcasters[conversationID] = b
	return b
}

// Router builds the gin engine with every API route attached.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	api := router.Group("/api")

	api.POST("/chat", s.handleChat)
	api.GET("/chat/history/:conversationID", s.handleHistory)
	api.GET("/conversations/:userID", s.handleListConversations)

	api.POST("/practice/generate", s.handlePracticeGenerate)
	api.POST("/practice/complete", s.handlePracticeComplete)

	api.POST("/voice/token", s.handleVoiceToken)
	api.GET("/voice/session/:conversationID", s.handleVoiceSession)

	api.POST("/whiteboard/:conversationID", s.handleWhiteboardSave)
	api.GET("/whiteboard/:conversationID", s.handleWhiteboardLoad)

	api.POST("/speech-to-text", s.handleTranscribe)
	api.POST("/text-to-speech", s.handleSynthesize)
	api.POST("/vision/describe", s.handleVision)

	return router
}
