package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	models "mathtutor/models"
	"mathtutor/whiteboard"
)

type whiteboardSaveRequest struct {
	Snapshot string `json:"snapshot"`
}

// autoSaver returns the conversation's debounced saver, creating it on
// first use.
func (s *Server) autoSaver(conversationID string) *whiteboard.AutoSaver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.autoSavers[conversationID]; ok {
		return a
	}
	a := whiteboard.NewAutoSaver(s.Store, conversationID, whiteboard.DefaultSaveDelay)
	s.autoSavers[conversationID] = a
	return a
}

// handleWhiteboardSave records a board edit. Saves are debounced: a burst of
// strokes becomes one durable write after the board goes quiet.
func (s *Server) handleWhiteboardSave(c *gin.Context) {
	conversationID := c.Param("conversationID")

	var req whiteboardSaveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Snapshot == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "snapshot is required"})
		return
	}

	s.autoSaver(conversationID).Changed(req.Snapshot)
	c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
}

// handleWhiteboardLoad returns the last saved snapshot, empty if none.
func (s *Server) handleWhiteboardLoad(c *gin.Context) {
	conversationID := c.Param("conversationID")

	snapshot, err := s.Store.GetWhiteboardState(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load whiteboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snapshot})
}
