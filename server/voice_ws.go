package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	models "mathtutor/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSink plays assistant audio by forwarding frames over the websocket.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) writeFrame(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		log.Printf("[SERVER] Voice frame write failed: %v", err)
	}
}

func (s *wsSink) Play(audioB64 string) {
	s.writeFrame(gin.H{"type": "audio.delta", "audio": audioB64})
}

func (s *wsSink) Stop() {
	s.writeFrame(gin.H{"type": "audio.stop"})
}

type voiceClientFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// handleVoiceSession bridges a browser websocket to the conversation's
// shared voice session. Several clients can attach to one conversation; all
// hear the same assistant audio, and any of them can speak.
func (s *Server) handleVoiceSession(c *gin.Context) {
	if s.VoiceSessions == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "voice is not configured"})
		return
	}
	conversationID := c.Param("conversationID")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[SERVER] Voice websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	session, err := s.VoiceSessions.AcquireOrAttach(conversationID)
	if err != nil {
		log.Printf("[SERVER] Voice session acquire failed for %s: %v", conversationID, err)
		conn.WriteJSON(gin.H{"type": "error", "error": "voice is temporarily unavailable"})
		return
	}
	defer s.VoiceSessions.Release(conversationID)

	sink := &wsSink{conn: conn}
	detach := s.Broadcaster(conversationID).Attach(sink)
	defer detach()

	sink.writeFrame(gin.H{"type": "session.attached", "state": session.State()})

	// Close the socket when the session's event loop exits so the client
	// does not keep streaming audio into a dead session.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-session.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var frame voiceClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "input_audio_buffer.append":
			if err := session.AppendAudio(c.Request.Context(), frame.Audio); err != nil {
				log.Printf("[SERVER] Failed to forward audio: %v", err)
			}
		case "close":
			return
		default:
			log.Printf("[SERVER] Unknown voice frame type %q ignored", frame.Type)
		}
	}
}
