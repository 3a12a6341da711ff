package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	mathtutor "mathtutor"
	models "mathtutor/models"
	"mathtutor/models/openai"
	"mathtutor/stores"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeModel serves scripted completions for both endpoints.
type fakeModel struct {
	reply  string
	deltas []string
	err    error
	// gate, when set, blocks the stream until closed.
	gate chan struct{}
}

func (m *fakeModel) Chat_Request(ctx context.Context, history []models.Prompt_Message) (models.Model_Response, error) {
	if m.err != nil {
		return models.Model_Response{}, m.err
	}
	return models.TextResponse(m.reply), nil
}

func (m *fakeModel) Stream_Chat_Request(ctx context.Context, history []models.Prompt_Message) (<-chan models.Model_Response, <-chan error) {
	respChan := make(chan models.Model_Response)
	errChan := make(chan error, 1)
	go func() {
		defer close(respChan)
		defer close(errChan)
		if m.gate != nil {
			select {
			case <-m.gate:
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			}
		}
		if m.err != nil {
			errChan <- m.err
			return
		}
		for _, d := range m.deltas {
			select {
			case respChan <- models.TextResponse(d):
			case <-ctx.Done():
				return
			}
		}
	}()
	return respChan, errChan
}

// fakeStore is the in-memory MessageStore for handler tests.
type fakeStore struct {
	mu       sync.Mutex
	messages []stores.Message
	sessions map[uint]*stores.PracticeSession
	snapshot string
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uint]*stores.PracticeSession)}
}

func (f *fakeStore) AppendMessage(conversationID string, msg stores.NewMessage) (uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, stores.Message{
		ConversationID:    conversationID,
		Sequence:          len(f.messages) + 1,
		Role:              msg.Role,
		Content:           msg.Content,
		ContextJSON:       msg.ContextJSON,
		PracticeSessionID: msg.PracticeSessionID,
		Source:            msg.Source,
	})
	return uint(len(f.messages)), nil
}

func (f *fakeStore) FetchRecent(conversationID string, limit int) ([]stores.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]stores.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *fakeStore) CreateConversation(convoID, userID string) error { return nil }
func (f *fakeStore) ListConversations() ([]string, error)            { return nil, nil }
func (f *fakeStore) ListConversationsForUser(userID string) ([]stores.ConversationInfo, error) {
	return []stores.ConversationInfo{{ConversationID: "conv-1", UserID: userID}}, nil
}

func (f *fakeStore) SavePracticeSession(session *stores.PracticeSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session.ID == 0 {
		session.ID = uint(len(f.sessions) + 1)
	}
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStore) GetPracticeSession(id uint) (*stores.PracticeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("practice session %d not found", id)
	}
	return s, nil
}

func (f *fakeStore) SaveWhiteboardState(conversationID, snapshot string) error {
	f.mu.Lock()
	f.snapshot = snapshot
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) GetWhiteboardState(conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}
func (f *fakeStore) Connect() error { return nil }
func (f *fakeStore) Close() error   { return nil }
func (f *fakeStore) Ping() error    { return nil }

// fakeSpeech scripts the speech provider.
type fakeSpeech struct {
	transcript string
	audio      string
	token      string
	err        error
}

func (s *fakeSpeech) Transcribe(ctx context.Context, audioData []byte, filename string) (*openai.TranscriptionResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &openai.TranscriptionResult{Text: s.transcript}, nil
}

func (s *fakeSpeech) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.audio)), nil
}

func (s *fakeSpeech) MintRealtimeToken(ctx context.Context) (*openai.RealtimeToken, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &openai.RealtimeToken{Value: s.token, ExpiresAt: 123}, nil
}

type fakeVision struct {
	description string
	err         error
}

func (v *fakeVision) DescribeImage(ctx context.Context, imageDataURL string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	return v.description, nil
}

type fixture struct {
	server *Server
	router *gin.Engine
	store  *fakeStore
	model  *fakeModel
	speech *fakeSpeech
	vision *fakeVision
}

func newFixture() *fixture {
	store := newFakeStore()
	model := &fakeModel{}
	speech := &fakeSpeech{}
	vision := &fakeVision{}
	cfg := &mathtutor.TutorConfig{
		ModelName:         "claude-sonnet-4-20250514",
		Store:             store,
		HistoryLimit:      50,
		QuizContextWindow: 5,
		VoiceHistoryLimit: 15,
	}
	srv := NewServer(cfg, store, model, speech, vision)
	return &fixture{server: srv, router: srv.Router(), store: store, model: model, speech: speech, vision: vision}
}

func (f *fixture) postJSON(path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func practiceReply(n int) string {
	var sb strings.Builder
	sb.WriteString(`{"problems": [`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf(`{
			"problem": "Solve problem %d",
			"difficulty": "easy",
			"options": [
				{"label": "A", "value": "1", "isCorrect": true},
				{"label": "B", "value": "2", "isCorrect": false},
				{"label": "C", "value": "3", "isCorrect": false},
				{"label": "D", "value": "4", "isCorrect": false}
			],
			"explanation": "Because it is."
		}`, i+1))
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func TestChat_MissingFields(t *testing.T) {
	f := newFixture()

	w := f.postJSON("/api/chat", models.Chat_Request{Conversation_ID: "conv-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing content, got %d", w.Code)
	}

	w = f.postJSON("/api/chat", models.Chat_Request{Content: "hello"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing conversation_id, got %d", w.Code)
	}
}

func TestChat_StreamsDeltas(t *testing.T) {
	f := newFixture()
	f.model.deltas = []string{"What do you ", "notice about both sides?"}

	w := f.postJSON("/api/chat", models.Chat_Request{Conversation_ID: "conv-1", Content: "2x + 5 = 13"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Expected SSE content type, got %q", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "What do you ") {
		t.Errorf("Expected first delta in stream, got %q", body)
	}
	if !strings.Contains(body, "event:done") {
		t.Errorf("Expected done event, got %q", body)
	}

	// Both turns persisted
	msgs, _ := f.store.FetchRecent("conv-1", 0)
	if len(msgs) != 2 {
		t.Fatalf("Expected user + assistant rows, got %d", len(msgs))
	}
	if msgs[1].Content != "What do you notice about both sides?" {
		t.Errorf("Unexpected persisted reply: %q", msgs[1].Content)
	}
}

func TestChat_BusyReturnsConflict(t *testing.T) {
	f := newFixture()
	f.model.gate = make(chan struct{})
	f.model.deltas = []string{"thinking"}

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		close(started)
		f.postJSON("/api/chat", models.Chat_Request{Conversation_ID: "conv-1", Content: "first"})
	}()
	<-started

	// Wait for the first turn to occupy the controller
	deadline := time.Now().Add(2 * time.Second)
	for f.server.controller("conv-1").State() == "idle" && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	w := f.postJSON("/api/chat", models.Chat_Request{Conversation_ID: "conv-1", Content: "second"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while a turn is in flight, got %d", w.Code)
	}

	close(f.model.gate)
	<-finished
}

func TestChat_StreamErrorKeepsCauseServerSide(t *testing.T) {
	f := newFixture()
	f.model.err = fmt.Errorf("anthropic API error (status 529): overloaded")
	f.store.AppendMessage("conv-1", stores.NewMessage{Role: "user", Content: "seed"})

	w := f.postJSON("/api/chat", models.Chat_Request{Conversation_ID: "conv-1", Content: "2x = 8"})
	body := w.Body.String()
	if strings.Contains(body, "529") || strings.Contains(body, "anthropic") {
		t.Errorf("Provider detail leaked to client: %q", body)
	}
	if !strings.Contains(body, transientChatError) {
		t.Errorf("Expected generic retryable message, got %q", body)
	}
}

func TestHistory_IncludesProblemContext(t *testing.T) {
	f := newFixture()
	f.store.AppendMessage("conv-1", stores.NewMessage{Role: "user", Content: "solve it"})
	f.store.AppendMessage("conv-1", stores.NewMessage{
		Role:        "assistant",
		Content:     "Try subtracting first.",
		ContextJSON: `{"currentProblem":"2x + 5 = 13","currentStep":1,"totalSteps":3,"problemType":"linear-equation","stepsCompleted":[]}`,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/history/conv-1", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		History []models.ChatMessageResponse `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid response body: %v", err)
	}
	if len(resp.History) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(resp.History))
	}
	if resp.History[0].ProblemContext != nil {
		t.Error("User entry should have no problem context")
	}
	if resp.History[1].ProblemContext == nil {
		t.Error("Expected problem context on the assistant entry")
	}
}

func TestHistory_StripsStepTrackingBlock(t *testing.T) {
	f := newFixture()
	f.store.AppendMessage("conv-1", stores.NewMessage{
		Role: "assistant",
		Content: "Great, what undoes adding five?\n\n```json\n" +
			`{"problemContext": {"currentProblem": "2x + 5 = 13", "currentStep": 1, "totalSteps": 3, "problemType": "linear equation", "stepsCompleted": []}}` +
			"\n```",
		ContextJSON: `{"currentProblem":"2x + 5 = 13","currentStep":1,"totalSteps":3,"problemType":"linear equation","stepsCompleted":[]}`,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/history/conv-1", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		History []models.ChatMessageResponse `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid response body: %v", err)
	}
	if len(resp.History) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(resp.History))
	}
	if got := resp.History[0].Content; got != "Great, what undoes adding five?" {
		t.Errorf("Expected fenced block stripped, got %q", got)
	}
	if resp.History[0].ProblemContext == nil {
		t.Error("Stripping the block must not drop the parsed context")
	}
}

func TestPracticeGenerate_InvalidCount(t *testing.T) {
	f := newFixture()
	f.model.reply = practiceReply(4)

	w := f.postJSON("/api/practice/generate", models.Practice_Request{Topic: "fractions", Count: 4})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for count 4, got %d", w.Code)
	}
}

func TestPracticeGenerate_StructuralViolation(t *testing.T) {
	f := newFixture()
	f.model.reply = `{"problems": [{"problem": "x?", "difficulty": "easy", "options": [], "explanation": "no"}]}`

	w := f.postJSON("/api/practice/generate", models.Practice_Request{Topic: "fractions", Count: 3})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for invalid problem set, got %d", w.Code)
	}
}

func TestPracticeGenerate_SavesSession(t *testing.T) {
	f := newFixture()
	f.model.reply = practiceReply(3)

	w := f.postJSON("/api/practice/generate", models.Practice_Request{Topic: "adding fractions", Count: 3, Conversation_ID: "conv-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		SessionID  uint                     `json:"session_id"`
		Problems   []stores.PracticeProblem `json:"problems"`
		Difficulty string                   `json:"difficulty"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid response body: %v", err)
	}
	if resp.SessionID == 0 {
		t.Error("Expected a persisted session id")
	}
	if len(resp.Problems) != 3 {
		t.Errorf("Expected 3 problems, got %d", len(resp.Problems))
	}
	if resp.Difficulty != "easy" {
		t.Errorf("Expected inferred difficulty easy, got %q", resp.Difficulty)
	}
	if _, err := f.store.GetPracticeSession(resp.SessionID); err != nil {
		t.Errorf("Session not stored: %v", err)
	}
}

func TestPracticeComplete_Scores(t *testing.T) {
	f := newFixture()
	session := &stores.PracticeSession{ConversationID: "conv-1", Topic: "fractions"}
	f.store.SavePracticeSession(session)

	problems := []stores.PracticeProblem{
		{
			Problem: "1/2 + 1/4 = ?", Difficulty: "easy", Explanation: "add",
			StudentAnswer: "A",
			Options: []stores.PracticeOption{
				{Label: "A", Value: "3/4", IsCorrect: true},
				{Label: "B", Value: "2/6", IsCorrect: false},
				{Label: "C", Value: "1/8", IsCorrect: false},
				{Label: "D", Value: "2/4", IsCorrect: false},
			},
		},
		{
			Problem: "2/3 - 1/6 = ?", Difficulty: "easy", Explanation: "sub",
			StudentAnswer: "B",
			Options: []stores.PracticeOption{
				{Label: "A", Value: "1/2", IsCorrect: true},
				{Label: "B", Value: "1/3", IsCorrect: false},
				{Label: "C", Value: "1/6", IsCorrect: false},
				{Label: "D", Value: "2/3", IsCorrect: false},
			},
		},
	}

	w := f.postJSON("/api/practice/complete", gin.H{"session_id": session.ID, "problems": problems})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	saved, err := f.store.GetPracticeSession(session.ID)
	if err != nil {
		t.Fatalf("Session lost: %v", err)
	}
	if saved.Score != 1 || saved.AnsweredCount != 2 || !saved.Completed {
		t.Errorf("Unexpected scoring: score=%d answered=%d completed=%v", saved.Score, saved.AnsweredCount, saved.Completed)
	}
}

func TestVoiceToken_NotConfigured(t *testing.T) {
	f := newFixture()
	f.speech.err = fmt.Errorf("OPENAI_API_KEY is not set: %w", openai.ErrNotConfigured)

	w := f.postJSON("/api/voice/token", gin.H{})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 when unconfigured, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not configured") {
		t.Errorf("Expected configuration error, got %q", w.Body.String())
	}
}

func TestVoiceToken_TransientFailure(t *testing.T) {
	f := newFixture()
	// Only the ErrNotConfigured sentinel marks a deployment problem; any
	// other failure, whatever its message says, is transient.
	f.speech.err = fmt.Errorf("sessions endpoint: header X-Custom is not set")

	w := f.postJSON("/api/voice/token", gin.H{})
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for transient failure, got %d", w.Code)
	}
}

func TestVoiceToken_Success(t *testing.T) {
	f := newFixture()
	f.speech.token = "eph-123"

	w := f.postJSON("/api/voice/token", gin.H{})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp models.VoiceTokenResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Token != "eph-123" {
		t.Errorf("Expected minted token, got %q", resp.Token)
	}
}

func TestTranscribe_MissingAudio(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/speech-to-text", strings.NewReader(""))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without audio, got %d", w.Code)
	}
}

func TestTranscribe_Success(t *testing.T) {
	f := newFixture()
	f.speech.transcript = "how do I solve two x plus five equals thirteen"

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, _ := writer.CreateFormFile("audio", "clip.webm")
	part.Write([]byte("fake-audio-bytes"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/speech-to-text", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp models.TranscriptionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Text != f.speech.transcript {
		t.Errorf("Unexpected transcript: %q", resp.Text)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	f := newFixture()

	w := f.postJSON("/api/text-to-speech", models.TTS_Request{Text: "   "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for blank text, got %d", w.Code)
	}
}

func TestSynthesize_StreamsAudio(t *testing.T) {
	f := newFixture()
	f.speech.audio = "mp3-bytes"

	w := f.postJSON("/api/text-to-speech", models.TTS_Request{Text: "Great work!"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Expected audio/mpeg, got %q", ct)
	}
	if w.Body.String() != "mp3-bytes" {
		t.Errorf("Expected raw audio body, got %q", w.Body.String())
	}
}

func TestWhiteboardSave_RequiresSnapshot(t *testing.T) {
	f := newFixture()

	w := f.postJSON("/api/whiteboard/conv-1", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing snapshot, got %d", w.Code)
	}

	w = f.postJSON("/api/whiteboard/conv-1", whiteboardSaveRequest{Snapshot: `{"shapes": []}`})
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 for accepted save, got %d", w.Code)
	}
}

func TestWhiteboardLoad_ReturnsStoredSnapshot(t *testing.T) {
	f := newFixture()
	f.store.SaveWhiteboardState("conv-1", `{"shapes": [1]}`)

	req := httptest.NewRequest(http.MethodGet, "/api/whiteboard/conv-1", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Snapshot string `json:"snapshot"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Snapshot != `{"shapes": [1]}` {
		t.Errorf("Unexpected snapshot: %q", resp.Snapshot)
	}
}

func TestVision_RejectsNonDataURL(t *testing.T) {
	f := newFixture()

	w := f.postJSON("/api/vision/describe", models.Vision_Request{Image_Data_URL: "https://example.com/board.png"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non data URL, got %d", w.Code)
	}
}

func TestVision_Describes(t *testing.T) {
	f := newFixture()
	f.vision.description = "A factored quadratic with (x+2)(x+3) written below."

	w := f.postJSON("/api/vision/describe", models.Vision_Request{
		Image_Data_URL: "data:image/png;base64,Ym9hcmQ=",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp models.VisionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Description != f.vision.description {
		t.Errorf("Unexpected description: %q", resp.Description)
	}
}
