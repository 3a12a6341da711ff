package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	mathtutor "mathtutor"
	"mathtutor/models/anthropic"
	"mathtutor/models/gemini"
	"mathtutor/models/openai"
	"mathtutor/server"
	"mathtutor/stores"
	"mathtutor/voice"
	"mathtutor/whiteboard"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	store, err := buildStore()
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	cfg := mathtutor.NewTutorConfig().WithStore(store)
	if name := os.Getenv("TUTOR_MODEL"); name != "" {
		cfg.WithModelName(name)
	}

	model := &anthropic.Anthropic_Model{
		Model:        cfg.ModelName,
		SystemPrompt: mathtutor.SystemPrompt,
	}
	speech := openai.NewOpenAIModel()
	vision := &gemini.Gemini_Vision{}

	srv := server.NewServer(cfg, store, model, speech, vision)
	srv.VoiceSessions = buildVoiceRegistry(srv, cfg, store, speech, vision)
	defer srv.VoiceSessions.Shutdown()

	addr := ":" + envOr("PORT", "8000")
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	go func() {
		log.Printf("Math tutor server starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
}

// buildStore picks the backend from the environment. SQLite is the default;
// set TUTOR_DB=postgres plus the connection variables for shared deployments.
func buildStore() (stores.MessageStore, error) {
	switch envOr("TUTOR_DB", "sqlite") {
	case "postgres":
		port, err := strconv.Atoi(envOr("TUTOR_DB_PORT", "5432"))
		if err != nil {
			port = 5432
		}
		return stores.NewPostgresStoreDefault(
			envOr("TUTOR_DB_HOST", "localhost"),
			envOr("TUTOR_DB_USER", "postgres"),
			os.Getenv("TUTOR_DB_PASSWORD"),
			envOr("TUTOR_DB_NAME", "mathtutor"),
			port,
		)
	default:
		return stores.NewSQLiteStoreSimple(envOr("TUTOR_DB_PATH", "tutor_history.sqlite"))
	}
}

// buildVoiceRegistry wires the per-conversation voice session factory. Each
// session dials the realtime API with a freshly minted ephemeral token and
// fans its audio out through the server's broadcaster for that conversation.
func buildVoiceRegistry(srv *server.Server, cfg *mathtutor.TutorConfig, store stores.MessageStore, speech *openai.OpenAI_Model, vision *gemini.Gemini_Vision) *voice.Registry {
	return voice.NewRegistry(func(conversationID string) (*voice.Session, error) {
		ctx := context.Background()

		token, err := speech.MintRealtimeToken(ctx)
		if err != nil {
			return nil, err
		}
		conn, err := voice.Dial(ctx, voice.ConnectConfig{
			Token: token.Value,
			Model: openai.DefaultRealtimeModel,
		})
		if err != nil {
			return nil, err
		}

		session := voice.NewSession(voice.SessionOptions{
			ConversationID: conversationID,
			Conn:           conn,
			Store:          store,
			Exporter:       whiteboard.NewExporter(whiteboard.PreviewRasterizer{}),
			Vision:         vision,
			Playback:       srv.Broadcaster(conversationID),
			Instructions:   mathtutor.VoiceSystemPrompt,
			HistoryLimit:   cfg.VoiceHistoryLimit,
		})
		go func() {
			if err := session.Start(ctx); err != nil {
				log.Printf("Voice session for %s ended: %v", conversationID, err)
			}
		}()
		return session, nil
	}, voice.DefaultIdleGrace)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
