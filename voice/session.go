package voice

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	models "mathtutor/models"
	"mathtutor/stores"
	"mathtutor/whiteboard"
)

// State is the session's position in the voice conversation lifecycle.
type State string

const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateThinking     State = "thinking"
	StateSpeaking     State = "speaking"
	StateClosed       State = "closed"
)

const emptyBoardLine = "The whiteboard is currently empty."

// RealtimeConn is what the session needs from the realtime socket. *Client
// satisfies it; tests substitute a scripted fake.
type RealtimeConn interface {
	Events() <-chan ServerEvent
	Errors() <-chan error
	UpdateSession(ctx context.Context, cfg SessionConfig) error
	AppendAudio(ctx context.Context, audioB64 string) error
	CancelResponse(ctx context.Context) error
	CreateResponse(ctx context.Context) error
	CreateItem(ctx context.Context, item ConversationItem) error
	SubmitToolOutput(ctx context.Context, callID, output string) error
	TruncateItem(ctx context.Context, itemID string, audioEndMs int) error
	Close() error
}

// Playback is the audio sink playing assistant speech to the student.
type Playback interface {
	Play(audioB64 string)
	Stop()
}

// BoardDescriber turns a whiteboard image into text for the voice model.
type BoardDescriber interface {
	DescribeImage(ctx context.Context, imageDataURL string) (string, error)
}

// SessionOptions wires a Session's dependencies.
type SessionOptions struct {
	ConversationID string
	Conn           RealtimeConn
	Store          stores.MessageStore
	Exporter       *whiteboard.Exporter
	Vision         BoardDescriber
	Playback       Playback
	// Instructions is the system prompt pushed in session.update.
	Instructions string
	Voice        string
	// HistoryLimit caps how many stored turns are replayed at start.
	HistoryLimit int
	// OnState, when set, is called after every state change.
	OnState func(State)
}

// Session runs one voice conversation: it configures the realtime socket,
// replays recent transcript, routes server events through the state machine,
// and mirrors finished transcripts into the durable store so text and voice
// share one history.
type Session struct {
	conversationID string
	conn           RealtimeConn
	store          stores.MessageStore
	exporter       *whiteboard.Exporter
	vision         BoardDescriber
	playback       Playback
	instructions   string
	voice          string
	historyLimit   int
	onState        func(State)

	mu              sync.Mutex
	state           State
	lastDescription string
	speakingItemID  string
	speakingSince   time.Time

	done chan struct{}
}

// NewSession builds a session in the initializing state. Call Start to
// configure the socket and begin the event loop.
func NewSession(opts SessionOptions) *Session {
	voiceName := opts.Voice
	if voiceName == "" {
		voiceName = "alloy"
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = 15
	}
	return &Session{
		conversationID: opts.ConversationID,
		conn:           opts.Conn,
		store:          opts.Store,
		exporter:       opts.Exporter,
		vision:         opts.Vision,
		playback:       opts.Playback,
		instructions:   opts.Instructions,
		voice:          voiceName,
		historyLimit:   limit,
		onState:        opts.OnState,
		state:          StateInitializing,
		done:           make(chan struct{}),
	}
}

// ViewWhiteboardTool is the tool the voice model calls to look at the board.
func ViewWhiteboardTool() ToolDef {
	return ToolDef{
		Type: "function",
		FunctionDeclaration: models.FunctionDeclaration{
			Name:        "view_whiteboard",
			Description: "Look at the student's whiteboard and get a description of what is currently drawn or written on it. Use this whenever the student refers to their work on the board.",
			Parameters: models.Parameters{
				Type:       "object",
				Properties: map[string]interface{}{},
			},
		},
	}
}

// Start pushes the session configuration, replays recent history, and runs
// the event loop until the socket closes or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.setState(StateConnecting)

	cfg := SessionConfig{
		Instructions:  s.instructions,
		Voice:         s.voice,
		Tools:         []ToolDef{ViewWhiteboardTool()},
		TurnDetection: ServerVAD(),
	}
	if err := s.conn.UpdateSession(ctx, cfg); err != nil {
		return fmt.Errorf("failed to configure voice session: %w", err)
	}

	if err := s.replayHistory(ctx); err != nil {
		log.Printf("[VOICE] History replay failed for %s: %v", s.conversationID, err)
	}

	s.setState(StateIdle)
	s.run(ctx)
	return nil
}

// replayHistory injects the tail of the stored transcript as non-triggering
// conversation items so the voice tutor knows what came before.
func (s *Session) replayHistory(ctx context.Context) error {
	msgs, err := s.store.FetchRecent(s.conversationID, s.historyLimit)
	if err != nil {
		return err
	}
	msgs = stores.SanitizeHistory(msgs)

	for _, m := range msgs {
		contentType := "input_text"
		if m.Role == "assistant" {
			contentType = "text"
		}
		item := ConversationItem{
			Type:    "message",
			Role:    m.Role,
			Content: []ItemContent{{Type: contentType, Text: m.Content}},
		}
		if err := s.conn.CreateItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// AppendAudio forwards microphone audio to the realtime socket.
func (s *Session) AppendAudio(ctx context.Context, audioB64 string) error {
	return s.conn.AppendAudio(ctx, audioB64)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the event loop exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears down the socket. The event loop then drains and exits.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateClosed)

	events := s.conn.Events()
	errs := s.conn.Errors()

	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[VOICE] Session %s transport error: %v", s.conversationID, err)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev ServerEvent) {
	switch ev.Type {
	case "input_audio_buffer.speech_started":
		// Barge-in: kill the assistant's audio before anything else so the
		// student never talks over lingering playback. Then truncate the
		// interrupted item so the server-side conversation keeps only the
		// speech the student actually heard, and cancel the response.
		s.playback.Stop()
		if itemID, heardMs := s.takeSpeakingItem(); itemID != "" {
			if err := s.conn.TruncateItem(ctx, itemID, heardMs); err != nil {
				log.Printf("[VOICE] Failed to truncate interrupted item: %v", err)
			}
		}
		if err := s.conn.CancelResponse(ctx); err != nil {
			log.Printf("[VOICE] Failed to cancel response: %v", err)
		}
		s.setState(StateListening)

	case "input_audio_buffer.speech_stopped":
		s.setState(StateThinking)

	case "response.created":
		s.setState(StateThinking)

	case "response.output_audio.delta", "response.audio.delta":
		s.noteSpeakingItem(ev.ItemID)
		s.playback.Play(ev.Delta)
		s.setState(StateSpeaking)

	case "response.done":
		s.takeSpeakingItem()
		s.setState(StateIdle)

	case "conversation.item.input_audio_transcription.completed":
		s.mirror("user", ev.Transcript)

	case "response.output_audio_transcript.done", "response.audio_transcript.done":
		s.mirror("assistant", ev.Transcript)

	case "response.function_call_arguments.done":
		if ev.Name == "view_whiteboard" {
			s.handleViewWhiteboard(ctx, ev.CallID)
		} else {
			log.Printf("[VOICE] Unknown tool call %q ignored", ev.Name)
		}

	case "error":
		log.Printf("[VOICE] Server error event: %s", string(ev.Raw))
	}
}

// noteSpeakingItem remembers which assistant item is playing and when its
// audio started, so a barge-in can truncate it at the right offset.
func (s *Session) noteSpeakingItem(itemID string) {
	if itemID == "" {
		return
	}
	s.mu.Lock()
	if s.speakingItemID != itemID {
		s.speakingItemID = itemID
		s.speakingSince = time.Now()
	}
	s.mu.Unlock()
}

// takeSpeakingItem clears the tracked item and returns it along with how many
// milliseconds of its audio have played.
func (s *Session) takeSpeakingItem() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	itemID := s.speakingItemID
	if itemID == "" {
		return "", 0
	}
	heardMs := int(time.Since(s.speakingSince).Milliseconds())
	s.speakingItemID = ""
	return itemID, heardMs
}

// mirror writes a finished transcript into the durable store so later text
// turns see what was said aloud.
func (s *Session) mirror(role, transcript string) {
	if strings.TrimSpace(transcript) == "" {
		return
	}
	_, err := s.store.AppendMessage(s.conversationID, stores.NewMessage{
		Role:    role,
		Content: transcript,
		Source:  "voice",
	})
	if err != nil {
		log.Printf("[VOICE] Failed to mirror %s transcript: %v", role, err)
	}
}

// handleViewWhiteboard answers the model's look-at-the-board request. The
// description is injected twice on purpose: once as a user-visible context
// item so it persists in the conversation, and once as the tool output that
// triggers the spoken reply.
func (s *Session) handleViewWhiteboard(ctx context.Context, callID string) {
	description := s.describeBoard(ctx)

	item := ConversationItem{
		Type:    "message",
		Role:    "user",
		Content: []ItemContent{{Type: "input_text", Text: "[WHITEBOARD CONTENT: " + description + "]"}},
	}
	if err := s.conn.CreateItem(ctx, item); err != nil {
		log.Printf("[VOICE] Failed to inject whiteboard content: %v", err)
	}
	if err := s.conn.SubmitToolOutput(ctx, callID, description); err != nil {
		log.Printf("[VOICE] Failed to submit tool output: %v", err)
	}
}

func (s *Session) describeBoard(ctx context.Context) string {
	snapshot, err := s.store.GetWhiteboardState(s.conversationID)
	if err != nil {
		log.Printf("[VOICE] Failed to load whiteboard state: %v", err)
		return emptyBoardLine
	}
	if snapshot == "" {
		return emptyBoardLine
	}

	dataURL, err := s.exporter.Export(snapshot)
	if err == whiteboard.ErrUnchanged {
		s.mu.Lock()
		cached := s.lastDescription
		s.mu.Unlock()
		if cached != "" {
			return cached
		}
		// No cached description despite an unchanged board, so force a
		// fresh export.
		s.exporter.Reset()
		dataURL, err = s.exporter.Export(snapshot)
	}
	if err != nil {
		log.Printf("[VOICE] Failed to export whiteboard: %v", err)
		return emptyBoardLine
	}

	description, err := s.vision.DescribeImage(ctx, dataURL)
	if err != nil {
		log.Printf("[VOICE] Failed to describe whiteboard: %v", err)
		return emptyBoardLine
	}

	s.mu.Lock()
	s.lastDescription = description
	s.mu.Unlock()
	return description
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state == StateClosed && next != StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(next)
	}
}
