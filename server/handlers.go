package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mathtutor/chat"
	models "mathtutor/models"
	"mathtutor/models/openai"
	"mathtutor/practice"
	"mathtutor/progress"
	"mathtutor/stores"
)

const transientChatError = "The tutor is temporarily unavailable. Please try again."

// requestTimeout bounds the non-streaming external calls.
const requestTimeout = 30 * time.Second

// GinSSEWriter streams server-sent events over a gin context.
type GinSSEWriter struct {
	Context *gin.Context
}

func (w *GinSSEWriter) WriteSSE(data string) error {
	w.Context.SSEvent("message", data)
	w.Context.Writer.Flush()
	return nil
}

func (w *GinSSEWriter) WriteSSEError(err error) error {
	w.Context.SSEvent("error", err.Error())
	w.Context.Writer.Flush()
	return nil
}

func (w *GinSSEWriter) WriteDone() error {
	w.Context.SSEvent("done", "")
	w.Context.Writer.Flush()
	return nil
}

// handleChat runs one streamed tutoring turn.
func (s *Server) handleChat(c *gin.Context) {
	var req models.Chat_Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Conversation_ID == "" || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "conversation_id and content are required"})
		return
	}

	ctrl := s.controller(req.Conversation_ID)
	deltas, errs, err := ctrl.Submit(c.Request.Context(), chat.SubmitOptions{
		Content:           req.Content,
		ImageDataURL:      req.Image_Data_URL,
		WhiteboardDataURL: req.Whiteboard_Data_URL,
		PracticeSessionID: req.Practice_Session_ID,
	})
	if errors.Is(err, chat.ErrBusy) {
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "a response is already in flight for this conversation"})
		return
	}
	if err != nil {
		log.Printf("[SERVER] Chat turn failed to start: %v", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: transientChatError})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	writer := &GinSSEWriter{Context: c}
	failed := false
	for deltas != nil || errs != nil {
		select {
		case delta, ok := <-deltas:
			if !ok {
				deltas = nil
				continue
			}
			writer.WriteSSE(delta)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				// The real cause is logged server-side; the client gets a
				// generic retryable message.
				failed = true
				writer.WriteSSEError(errors.New(transientChatError))
			}
		}
	}
	if !failed {
		writer.WriteDone()
	}
}

// handleHistory returns the stored transcript, newest last.
func (s *Server) handleHistory(c *gin.Context) {
	conversationID := c.Param("conversationID")

	msgs, err := s.Store.FetchRecent(conversationID, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load history"})
		return
	}

	history := make([]models.ChatMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.Role == "assistant" {
			// The fenced step-tracking block is machine-facing; the student
			// sees only the prose. The parsed context still rides along in
			// problem_context below.
			content = strings.TrimSpace(progress.Strip(content))
		}
		entry := models.ChatMessageResponse{
			ID:                m.ID,
			CreatedAt:         m.CreatedAt,
			ConversationID:    m.ConversationID,
			Sequence:          m.Sequence,
			Role:              m.Role,
			Content:           content,
			ImageRef:          m.ImageRef,
			PracticeSessionID: m.PracticeSessionID,
			Source:            m.Source,
		}
		if m.ContextJSON != "" {
			var pc interface{}
			if err := json.Unmarshal([]byte(m.ContextJSON), &pc); err == nil {
				entry.ProblemContext = pc
			}
		}
		history = append(history, entry)
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

// handleListConversations lists a user's conversations with counts.
func (s *Server) handleListConversations(c *gin.Context) {
	userID := c.Param("userID")

	conversations, err := s.Store.ListConversationsForUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// handlePracticeGenerate creates a validated practice set and persists the
// session so later chat turns can reference it.
func (s *Server) handlePracticeGenerate(c *gin.Context) {
	var req models.Practice_Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return
	}

	result, err := s.Generator.Generate(c.Request.Context(), req.Topic, req.Count, req.Conversation_ID)
	if err != nil {
		var reqErr *practice.RequestError
		if errors.As(err, &reqErr) {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: reqErr.Reason})
			return
		}
		var genErr *practice.GenerationError
		if errors.As(err, &genErr) {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: genErr.Reason})
			return
		}
		log.Printf("[SERVER] Practice generation failed: %v", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "practice generation is temporarily unavailable"})
		return
	}

	session := &stores.PracticeSession{
		ConversationID: req.Conversation_ID,
		Topic:          req.Topic,
		Difficulty:     result.Difficulty,
		Problems:       result.Problems,
	}
	if err := s.Store.SavePracticeSession(session); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to save practice session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"problems":   result.Problems,
		"difficulty": result.Difficulty,
	})
}

type practiceCompleteRequest struct {
	Session_ID uint                     `json:"session_id"`
	Problems   []stores.PracticeProblem `json:"problems"`
}

// handlePracticeComplete records the student's answers and score.
func (s *Server) handlePracticeComplete(c *gin.Context) {
	var req practiceCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Session_ID == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "session_id is required"})
		return
	}

	session, err := s.Store.GetPracticeSession(req.Session_ID)
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "practice session not found"})
		return
	}

	session.Problems = req.Problems
	score, answered := 0, 0
	for i := range req.Problems {
		if ok, correct := req.Problems[i].Answered(); ok {
			answered++
			if correct {
				score++
			}
		}
	}
	session.Score = score
	session.AnsweredCount = answered
	session.Completed = true

	if err := s.Store.SavePracticeSession(session); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to save practice session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":     session.ID,
		"score":          score,
		"answered_count": answered,
	})
}

// handleVoiceToken mints an ephemeral realtime credential.
func (s *Server) handleVoiceToken(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	token, err := s.Speech.MintRealtimeToken(ctx)
	if err != nil {
		if errors.Is(err, openai.ErrNotConfigured) {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "voice is not configured"})
			return
		}
		log.Printf("[SERVER] Voice token request failed: %v", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "voice is temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, models.VoiceTokenResponse{Token: token.Value, ExpiresAt: token.ExpiresAt})
}

// handleTranscribe converts an uploaded audio clip to text.
func (s *Server) handleTranscribe(c *gin.Context) {
	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "audio file is required"})
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil || len(audioData) == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "audio file is empty"})
		return
	}

	filename := header.Filename
	if filename == "" {
		filename = "audio.webm"
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	result, err := s.Speech.Transcribe(ctx, audioData, filename)
	if err != nil {
		log.Printf("[SERVER] Transcription failed: %v", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "transcription is temporarily unavailable"})
		return
	}

	c.JSON(http.StatusOK, models.TranscriptionResponse{Text: result.Text})
}

// handleSynthesize streams spoken audio for the given text.
func (s *Server) handleSynthesize(c *gin.Context) {
	var req models.TTS_Request
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "text is required"})
		return
	}

	audio, err := s.Speech.Synthesize(c.Request.Context(), req.Text)
	if err != nil {
		log.Printf("[SERVER] Speech synthesis failed: %v", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "speech synthesis is temporarily unavailable"})
		return
	}
	defer audio.Close()

	c.Header("Content-Type", "audio/mpeg")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, audio); err != nil {
		log.Printf("[SERVER] Audio stream interrupted: %v", err)
	}
}

// handleVision describes a whiteboard image.
func (s *Server) handleVision(c *gin.Context) {
	var req models.Vision_Request
	if err := c.ShouldBindJSON(&req); err != nil || req.Image_Data_URL == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "image_data_url is required"})
		return
	}
	if _, _, err := models.ParseDataURL(req.Image_Data_URL); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "image_data_url must be a base64 data URL"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	description, err := s.Vision.DescribeImage(ctx, req.Image_Data_URL)
	if err != nil {
		log.Printf("[SERVER] Vision description failed: %v", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "vision is temporarily unavailable"})
		return
	}

	c.JSON(http.StatusOK, models.VisionResponse{Description: description})
}
