package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"mathtutor/history"
	models "mathtutor/models"
	"mathtutor/progress"
	"mathtutor/stores"

	"github.com/google/uuid"
)

// State is the controller's position in the turn lifecycle
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
)

// ErrBusy is returned when a turn is submitted while another is in flight.
var ErrBusy = errors.New("a response is already in flight")

// StreamModel is the streaming chat completion dependency
type StreamModel interface {
	Stream_Chat_Request(ctx context.Context, history []models.Prompt_Message) (<-chan models.Model_Response, <-chan error)
}

// OptimisticMessage is the user's turn as shown before its durable write
// lands. Confirmed flips when the store accepts it.
type OptimisticMessage struct {
	ID        string
	Content   string
	Confirmed bool
	DurableID uint
}

// SubmitOptions carries the new user turn
type SubmitOptions struct {
	Content           string
	ImageDataURL      string
	WhiteboardDataURL string
	PracticeSessionID *uint
}

// Controller runs the send/stream lifecycle for one conversation. One
// response can be in flight at a time; concurrent submissions are rejected
// rather than queued. The in-progress reply lives only in an ephemeral
// buffer until the turn completes, when it is persisted exactly once with
// whatever problem context it carried.
type Controller struct {
	ConversationID string
	Store          stores.MessageStore
	Assembler      *history.Assembler
	Model          StreamModel

	mu         sync.Mutex
	state      State
	optimistic *OptimisticMessage
	buffer     strings.Builder
	cancel     context.CancelFunc
}

// NewController creates an idle controller for a conversation
func NewController(conversationID string, store stores.MessageStore, asm *history.Assembler, model StreamModel) *Controller {
	return &Controller{
		ConversationID: conversationID,
		Store:          store,
		Assembler:      asm,
		Model:          model,
		state:          StateIdle,
	}
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns a copy of the optimistic message, if one exists
func (c *Controller) Pending() *OptimisticMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.optimistic == nil {
		return nil
	}
	pending := *c.optimistic
	return &pending
}

// StreamingText returns a read-only snapshot of the in-progress reply
func (c *Controller) StreamingText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.String()
}

// Cancel aborts the in-flight turn, if any. The partial reply is discarded
// and never persisted.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Submit starts a new turn. It persists the user message, assembles a fresh
// prompt from the store, and streams the reply as text deltas. Both returned
// channels close when the turn finishes; a value on the error channel means
// the turn failed and may be retried.
func (c *Controller) Submit(ctx context.Context, opts SubmitOptions) (<-chan string, <-chan error, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, nil, ErrBusy
	}
	c.state = StateSending
	c.buffer.Reset()
	c.optimistic = &OptimisticMessage{
		ID:      "optimistic-" + uuid.NewString(),
		Content: opts.Content,
	}
	c.mu.Unlock()

	// Durable write of the user turn. The optimistic entry is reconciled
	// against this write, never merged with a second one.
	msgID, err := c.Store.AppendMessage(c.ConversationID, stores.NewMessage{
		Role:              "user",
		Content:           opts.Content,
		ImageRef:          opts.ImageDataURL,
		PracticeSessionID: opts.PracticeSessionID,
	})
	if err != nil {
		c.reset()
		return nil, nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	c.mu.Lock()
	c.optimistic.Confirmed = true
	c.optimistic.DurableID = msgID
	c.mu.Unlock()

	prompt, err := c.Assembler.Assemble(c.ConversationID, history.CurrentTurn{
		ImageDataURL:      opts.ImageDataURL,
		WhiteboardDataURL: opts.WhiteboardDataURL,
	})
	if err != nil {
		c.reset()
		return nil, nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.state = StateStreaming
	c.cancel = cancel
	c.mu.Unlock()

	deltas := make(chan string)
	errs := make(chan error, 1)

	go c.run(streamCtx, cancel, prompt, deltas, errs)

	return deltas, errs, nil
}

// run consumes the model stream, forwards deltas, and finalizes the turn.
func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, prompt []models.Prompt_Message, deltas chan<- string, errs chan<- error) {
	defer close(deltas)
	defer close(errs)
	defer cancel()

	respChan, errChan := c.Model.Stream_Chat_Request(ctx, prompt)

	var streamErr error
	for respChan != nil || errChan != nil {
		select {
		case resp, ok := <-respChan:
			if !ok {
				respChan = nil
				continue
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			c.mu.Lock()
			c.buffer.WriteString(text)
			c.mu.Unlock()
			select {
			case deltas <- text:
			case <-ctx.Done():
				streamErr = ctx.Err()
			}
		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		}
	}

	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}

	if streamErr != nil {
		// Failed or cancelled turn: nothing is persisted, the buffer is
		// discarded, and the caller may retry.
		log.Printf("[CHAT] Turn failed for %s: %v", c.ConversationID, streamErr)
		c.reset()
		errs <- streamErr
		return
	}

	c.finalize(errs)
}

// finalize persists the completed reply. Extraction happens before the write
// so content and context land in the same insert; the buffer is cleared only
// after the write succeeds.
func (c *Controller) finalize(errs chan<- error) {
	c.mu.Lock()
	full := c.buffer.String()
	c.mu.Unlock()

	var contextJSON string
	if pc, ok := progress.Extract(full); ok {
		if data, err := json.Marshal(pc); err == nil {
			contextJSON = string(data)
		}
	}

	_, err := c.Store.AppendMessage(c.ConversationID, stores.NewMessage{
		Role:        "assistant",
		Content:     full,
		ContextJSON: contextJSON,
	})
	if err != nil {
		log.Printf("[CHAT] Failed to persist assistant message for %s: %v", c.ConversationID, err)
		c.reset()
		errs <- fmt.Errorf("failed to persist assistant message: %w", err)
		return
	}

	c.reset()
}

// reset returns the controller to idle and clears per-turn state
func (c *Controller) reset() {
	c.mu.Lock()
	c.state = StateIdle
	c.optimistic = nil
	c.buffer.Reset()
	c.cancel = nil
	c.mu.Unlock()
}
