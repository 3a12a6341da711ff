package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	models "mathtutor/models"
)

// DefaultRealtimeURL is the speech-to-speech websocket endpoint.
const DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// ServerEvent is a parsed realtime server message. Type is always set; the
// remaining fields are filled when the event carries them.
type ServerEvent struct {
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id,omitempty"`
	Role       string          `json:"role,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ConnectConfig carries what Dial needs to open a realtime socket.
type ConnectConfig struct {
	// Token is an ephemeral client secret or a long-lived API key.
	Token string
	Model string
	// BaseURL overrides DefaultRealtimeURL, mainly for tests.
	BaseURL string
}

// Client is a realtime websocket connection. Reads and writes run on their
// own goroutines; callers talk to the socket through Events, Errors, and the
// typed send methods.
type Client struct {
	conn   *websocket.Conn
	events chan ServerEvent
	errors chan error

	sendCh chan any
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// Dial opens the realtime socket and starts the read/write loops.
func Dial(ctx context.Context, cfg ConnectConfig) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("missing realtime token")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("missing realtime model")
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultRealtimeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.Token)

	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := d.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:   conn,
		events: make(chan ServerEvent, 256),
		errors: make(chan error, 16),
		sendCh: make(chan any, 256),
		done:   make(chan struct{}),
	}
	c.startLoops(ctx)
	return c, nil
}

func (c *Client) Events() <-chan ServerEvent { return c.events }
func (c *Client) Errors() <-chan error       { return c.errors }

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(1000, "closing"), time.Now().Add(250*time.Millisecond))
		err = c.conn.Close()
		// The reader goroutine may still be waking from ReadMessage; closing
		// the outbound channels under the same lock the emit helpers take
		// keeps a late emit from hitting a closed channel.
		c.mu.Lock()
		close(c.events)
		close(c.errors)
		c.mu.Unlock()
	})
	return err
}

func (c *Client) startLoops(ctx context.Context) {
	// Writer loop
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case msg := <-c.sendCh:
				if err := c.conn.WriteJSON(msg); err != nil {
					c.tryEmitErr(err)
					return
				}
			}
		}
	}()

	// Reader loop
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, b, err := c.conn.ReadMessage()
			if err != nil {
				c.tryEmitErr(err)
				return
			}

			var ev ServerEvent
			if err := json.Unmarshal(b, &ev); err != nil {
				c.tryEmitErr(fmt.Errorf("realtime: invalid json: %w", err))
				continue
			}
			if ev.Type == "" {
				ev.Type = "unknown"
			}
			ev.Raw = json.RawMessage(b)
			c.tryEmit(ev)
		}
	}()
}

func (c *Client) tryEmit(ev ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Client) tryEmitErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.errors <- err:
	default:
	}
}

// --- Outgoing messages (client -> realtime API) ---

// ToolDef describes one callable tool advertised in session.update.
type ToolDef struct {
	Type string `json:"type"`
	models.FunctionDeclaration
}

// SessionConfig is the payload of a session.update.
type SessionConfig struct {
	Instructions  string    `json:"instructions,omitempty"`
	Voice         string    `json:"voice,omitempty"`
	Tools         []ToolDef `json:"tools,omitempty"`
	TurnDetection any       `json:"turn_detection,omitempty"`
}

// ServerVAD is the turn detection setting that lets the server decide when
// the student started and stopped talking.
func ServerVAD() map[string]any {
	return map[string]any{"type": "server_vad"}
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type responseCancel struct {
	Type string `json:"type"`
}

type responseCreate struct {
	Type string `json:"type"`
}

// ItemContent is one content part of a conversation item.
type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ConversationItem is an item injected into the server-side conversation.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type itemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// UpdateSession sends a session.update with instructions, voice, tools, and
// turn detection.
func (c *Client) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	return c.send(ctx, sessionUpdate{Type: "session.update", Session: cfg})
}

// AppendAudio forwards a base64 chunk of microphone audio.
func (c *Client) AppendAudio(ctx context.Context, audioB64 string) error {
	return c.send(ctx, audioAppend{Type: "input_audio_buffer.append", Audio: audioB64})
}

// CancelResponse aborts the in-flight model response.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.send(ctx, responseCancel{Type: "response.cancel"})
}

// CreateResponse asks the model to respond to the conversation as it stands.
func (c *Client) CreateResponse(ctx context.Context) error {
	return c.send(ctx, responseCreate{Type: "response.create"})
}

// CreateItem injects a conversation item WITHOUT triggering a response. Used
// for history replay and whiteboard content injection; the caller decides
// separately whether the model should speak.
func (c *Client) CreateItem(ctx context.Context, item ConversationItem) error {
	return c.send(ctx, itemCreate{Type: "conversation.item.create", Item: item})
}

// SubmitToolOutput returns a tool result and asks for a spoken response.
func (c *Client) SubmitToolOutput(ctx context.Context, callID, output string) error {
	item := ConversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	}
	if err := c.send(ctx, itemCreate{Type: "conversation.item.create", Item: item}); err != nil {
		return err
	}
	return c.CreateResponse(ctx)
}

// TruncateItem cuts an assistant item's audio at the point playback actually
// stopped, so the server transcript matches what the student heard.
func (c *Client) TruncateItem(ctx context.Context, itemID string, audioEndMs int) error {
	return c.send(ctx, itemTruncate{
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMs: audioEndMs,
	})
}

func (c *Client) send(ctx context.Context, v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("realtime: client closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("realtime: client closed")
	case c.sendCh <- v:
		return nil
	}
}
