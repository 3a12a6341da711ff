package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	models "mathtutor/models"

	"github.com/joho/godotenv"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com/v1/messages"
	DefaultAPIVersion = "2023-06-01"
	DefaultModel      = "claude-sonnet-4-20250514"
	DefaultMaxTokens  = 4096
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

// Anthropic_Model is a chat completion client for the Anthropic Messages API.
// The tutoring prompt goes in SystemPrompt; each call receives the fully
// assembled history and never consults any cache of its own.
type Anthropic_Model struct {
	Model        string
	Temperature  *float64
	MaxTokens    *int
	SystemPrompt string
	BaseURL      string // Optional: custom API endpoint
	APIKeyEnv    string // Optional: env var name for API key (defaults to ANTHROPIC_API_KEY)
}

// Chat_Request makes a non-streaming completion request. Used by the
// practice generator, which needs the whole reply before validating it.
func (a *Anthropic_Model) Chat_Request(ctx context.Context, history []models.Prompt_Message) (models.Model_Response, error) {
	anthropicReq, err := a.buildRequest(history, false)
	if err != nil {
		return models.Model_Response{}, err
	}

	jsonBytes, err := json.Marshal(anthropicReq)
	if err != nil {
		return models.Model_Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	baseURL := a.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, "POST", baseURL, bytes.NewReader(jsonBytes))
	if err != nil {
		return models.Model_Response{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	a.setHeaders(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return models.Model_Response{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Model_Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return models.Model_Response{}, fmt.Errorf("Anthropic API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var anthropicResp AnthropicResponse
	if err := json.Unmarshal(body, &anthropicResp); err != nil {
		return models.Model_Response{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return toModelResponse(anthropicResp), nil
}

// Stream_Chat_Request makes a streaming completion request and returns text
// deltas as they arrive. Both channels close when the stream ends; cancelling
// ctx aborts the in-flight request.
func (a *Anthropic_Model) Stream_Chat_Request(ctx context.Context, history []models.Prompt_Message) (<-chan models.Model_Response, <-chan error) {
	respChan := make(chan models.Model_Response)
	errChan := make(chan error, 1)

	go func() {
		defer close(respChan)
		defer close(errChan)

		anthropicReq, err := a.buildRequest(history, true)
		if err != nil {
			errChan <- err
			return
		}

		jsonBytes, err := json.Marshal(anthropicReq)
		if err != nil {
			errChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		baseURL := a.BaseURL
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}

		req, err := http.NewRequestWithContext(ctx, "POST", baseURL, bytes.NewReader(jsonBytes))
		if err != nil {
			errChan <- fmt.Errorf("failed to create HTTP request: %w", err)
			return
		}
		a.setHeaders(req)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errChan <- fmt.Errorf("HTTP request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errChan <- fmt.Errorf("Anthropic API error: status %d, body: %s", resp.StatusCode, string(body))
			return
		}

		parseSSEStream(resp.Body, respChan, errChan)
	}()

	return respChan, errChan
}

// parseSSEStream reads Anthropic SSE events and sends Model_Response chunks.
func parseSSEStream(r io.Reader, respChan chan<- models.Model_Response, errChan chan<- error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var raw struct {
			Type  string          `json:"type"`
			Index int             `json:"index"`
			Delta json.RawMessage `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			continue
		}

		switch raw.Type {
		case EventContentBlockDelta:
			if raw.Delta != nil {
				var delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				}
				json.Unmarshal(raw.Delta, &delta)

				if delta.Type == "text_delta" && delta.Text != "" {
					respChan <- models.TextResponse(delta.Text)
				}
			}

		case EventMessageStop:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		errChan <- fmt.Errorf("error reading stream: %w", err)
	}
}

// toModelResponse converts an Anthropic response to a Model_Response.
func toModelResponse(resp AnthropicResponse) models.Model_Response {
	modelResp := models.Model_Response{}

	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			text := block.Text
			modelResp.Parts = append(modelResp.Parts, models.Model_Part{Text: &text})
		}
	}

	return modelResp
}

// buildRequest constructs the Anthropic API request from assembled history.
func (a *Anthropic_Model) buildRequest(history []models.Prompt_Message, stream bool) (AnthropicRequest, error) {
	messages := []AnthropicMsg{}

	for i := range history {
		msg, err := convertPromptMessage(&history[i])
		if err != nil {
			log.Printf("Warning: Failed to convert history message %d: %v", i, err)
			continue
		}
		if msg != nil {
			messages = append(messages, *msg)
		}
	}

	if len(messages) == 0 {
		return AnthropicRequest{}, fmt.Errorf("cannot create Anthropic request with no messages")
	}

	// Merge consecutive same-role messages (Anthropic requires alternating roles)
	messages = mergeConsecutiveMessages(messages)

	maxTokens := DefaultMaxTokens
	if a.MaxTokens != nil {
		maxTokens = *a.MaxTokens
	}

	modelToUse := a.Model
	if modelToUse == "" {
		modelToUse = DefaultModel
	}

	req := AnthropicRequest{
		Model:     modelToUse,
		MaxTokens: maxTokens,
		Messages:  messages,
		System:    a.SystemPrompt,
		Stream:    stream,
	}

	if a.Temperature != nil {
		req.Temperature = a.Temperature
	}

	return req, nil
}

// convertPromptMessage converts an assembled turn to Anthropic format.
// Multi-modal turns become content block arrays with image blocks first.
func convertPromptMessage(msg *models.Prompt_Message) (*AnthropicMsg, error) {
	role := msg.Role
	if role != "user" && role != "assistant" {
		return nil, fmt.Errorf("unknown role: %s", role)
	}

	if !msg.IsMultiModal() {
		if strings.TrimSpace(msg.Content) == "" {
			return nil, nil
		}
		return &AnthropicMsg{Role: role, Content: msg.Content}, nil
	}

	var blocks []ContentBlock
	for _, part := range msg.Parts {
		if part.InlineData != nil {
			blocks = append(blocks, ContentBlock{
				Type: "image",
				Source: &ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
		if part.Text != "" {
			blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
		}
	}

	if len(blocks) == 0 {
		return nil, nil
	}

	return &AnthropicMsg{Role: role, Content: blocks}, nil
}

// mergeConsecutiveMessages merges consecutive messages with the same role.
// Voice mirroring can leave same-role runs in the transcript.
func mergeConsecutiveMessages(messages []AnthropicMsg) []AnthropicMsg {
	if len(messages) <= 1 {
		return messages
	}

	var result []AnthropicMsg
	for _, msg := range messages {
		if len(result) > 0 && result[len(result)-1].Role == msg.Role {
			// Merge into previous message
			prev := &result[len(result)-1]
			prevBlocks := toContentBlocks(prev.Content)
			newBlocks := toContentBlocks(msg.Content)
			prev.Content = append(prevBlocks, newBlocks...)
		} else {
			result = append(result, msg)
		}
	}
	return result
}

// toContentBlocks converts a message content (string or []ContentBlock) to []ContentBlock.
func toContentBlocks(content interface{}) []ContentBlock {
	switch v := content.(type) {
	case string:
		return []ContentBlock{{Type: "text", Text: v}}
	case []ContentBlock:
		return v
	default:
		// Try JSON roundtrip
		b, _ := json.Marshal(v)
		var blocks []ContentBlock
		if json.Unmarshal(b, &blocks) == nil {
			return blocks
		}
		return nil
	}
}

// setHeaders sets required headers for Anthropic API requests.
func (a *Anthropic_Model) setHeaders(req *http.Request) {
	apiKeyEnv := a.APIKeyEnv
	if apiKeyEnv == "" {
		apiKeyEnv = "ANTHROPIC_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnv)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("anthropic-version", DefaultAPIVersion)
}
