package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultBaseURL            = "https://api.openai.com/v1"
	DefaultTranscriptionModel = "whisper-1"
	DefaultTTSModel           = "tts-1"
	DefaultTTSVoice           = "alloy"
	DefaultRealtimeModel      = "gpt-4o-realtime-preview-2024-12-17"
)

// ErrNotConfigured is returned when the API key env var is unset. Callers use
// errors.Is to distinguish a deployment problem from a transient API failure.
var ErrNotConfigured = errors.New("api key is not configured")

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

// OpenAI_Model bundles the speech and realtime credential endpoints of the
// OpenAI API. Chat completions go through the Anthropic client; this type
// only covers what voice mode needs.
type OpenAI_Model struct {
	BaseURL   string // Optional: custom API endpoint
	APIKeyEnv string // Optional: env var name for API key (defaults to OPENAI_API_KEY)

	client *http.Client
}

// NewOpenAIModel creates a client with sane timeouts for audio work
func NewOpenAIModel() *OpenAI_Model {
	return &OpenAI_Model{
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OpenAI_Model) httpClient() *http.Client {
	if o.client != nil {
		return o.client
	}
	return http.DefaultClient
}

func (o *OpenAI_Model) baseURL() string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	return DefaultBaseURL
}

func (o *OpenAI_Model) apiKey() (string, error) {
	env := o.APIKeyEnv
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	key := os.Getenv(env)
	if key == "" {
		return "", fmt.Errorf("%s is not set: %w", env, ErrNotConfigured)
	}
	return key, nil
}

// TranscriptionResult contains the result of a transcription.
type TranscriptionResult struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe converts audio data to text. filename should include the
// extension (e.g. "audio.webm"). Empty audio is rejected before any network
// traffic happens.
func (o *OpenAI_Model) Transcribe(ctx context.Context, audioData []byte, filename string) (*TranscriptionResult, error) {
	if len(audioData) == 0 {
		return nil, fmt.Errorf("audio data is empty")
	}

	apiKey, err := o.apiKey()
	if err != nil {
		return nil, err
	}

	// Build multipart form
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audioData); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	writer.WriteField("model", DefaultTranscriptionModel)
	writer.WriteField("response_format", "json")
	writer.Close()

	url := o.baseURL() + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := o.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("transcription API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result TranscriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}

	return &result, nil
}

// Synthesize converts text to speech audio (MP3 format).
// Returns an io.ReadCloser with the audio data; the caller must close it.
func (o *OpenAI_Model) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if text == "" {
		return nil, fmt.Errorf("text is empty")
	}

	apiKey, err := o.apiKey()
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"model": DefaultTTSModel,
		"input": text,
		"voice": DefaultTTSVoice,
	}
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := o.baseURL() + "/audio/speech"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("TTS API request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("TTS API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return resp.Body, nil
}

// RealtimeToken is an ephemeral credential a browser can use to open a
// realtime session without ever seeing the server's API key.
type RealtimeToken struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// MintRealtimeToken requests an ephemeral client secret for the realtime
// model. A missing API key is a configuration error, not a transient one.
func (o *OpenAI_Model) MintRealtimeToken(ctx context.Context) (*RealtimeToken, error) {
	apiKey, err := o.apiKey()
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"session": map[string]interface{}{
			"type":  "realtime",
			"model": DefaultRealtimeModel,
		},
	}
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := o.baseURL() + "/realtime/client_secrets"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("realtime token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("realtime token error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var token RealtimeToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode realtime token response: %w", err)
	}
	if token.Value == "" {
		return nil, fmt.Errorf("realtime token response missing value")
	}

	return &token, nil
}
