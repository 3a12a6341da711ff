package practice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	models "mathtutor/models"
	"mathtutor/stores"
)

// fakeModel returns a scripted completion and records the prompt it saw.
type fakeModel struct {
	reply  string
	err    error
	prompt []models.Prompt_Message
}

func (m *fakeModel) Chat_Request(ctx context.Context, history []models.Prompt_Message) (models.Model_Response, error) {
	m.prompt = history
	if m.err != nil {
		return models.Model_Response{}, m.err
	}
	return models.TextResponse(m.reply), nil
}

// fakeStore serves canned transcript rows for context building.
type fakeStore struct {
	messages []stores.Message
	fetchErr error
}

func (f *fakeStore) AppendMessage(conversationID string, msg stores.NewMessage) (uint, error) {
	return 0, nil
}

func (f *fakeStore) FetchRecent(conversationID string, limit int) ([]stores.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	msgs := f.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeStore) CreateConversation(convoID, userID string) error { return nil }
func (f *fakeStore) ListConversations() ([]string, error)           { return nil, nil }
func (f *fakeStore) ListConversationsForUser(userID string) ([]stores.ConversationInfo, error) {
	return nil, nil
}
func (f *fakeStore) SavePracticeSession(session *stores.PracticeSession) error { return nil }
func (f *fakeStore) GetPracticeSession(id uint) (*stores.PracticeSession, error) {
	return nil, fmt.Errorf("not found")
}
func (f *fakeStore) SaveWhiteboardState(conversationID, snapshot string) error { return nil }
func (f *fakeStore) GetWhiteboardState(conversationID string) (string, error)  { return "", nil }
func (f *fakeStore) Connect() error                                            { return nil }
func (f *fakeStore) Close() error                                              { return nil }
func (f *fakeStore) Ping() error                                               { return nil }

func problemJSON(n int) string {
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

func TestGenerate_ValidSet(t *testing.T) {
	model := &fakeModel{reply: problemJSON(3)}
	g := &Generator{Model: model}

	result, err := g.Generate(context.Background(), "adding fractions", 3, "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(result.Problems) != 3 {
		t.Errorf("Expected 3 problems, got %d", len(result.Problems))
	}
	if result.Difficulty != "easy" {
		t.Errorf("Expected easy difficulty for adding, got %q", result.Difficulty)
	}
}

func TestGenerate_FencedResponseAccepted(t *testing.T) {
	model := &fakeModel{reply: "```json\n" + problemJSON(3) + "\n```"}
	g := &Generator{Model: model}

	result, err := g.Generate(context.Background(), "quadratics", 3, "")
	if err != nil {
		t.Fatalf("Expected fenced response to parse, got %v", err)
	}
	if len(result.Problems) != 3 {
		t.Errorf("Expected 3 problems, got %d", len(result.Problems))
	}
}

func TestGenerate_InvalidCount(t *testing.T) {
	g := &Generator{Model: &fakeModel{reply: problemJSON(4)}}

	for _, count := range []int{0, 1, 4, 7, 20} {
		_, err := g.Generate(context.Background(), "fractions", count, "")
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			t.Errorf("Count %d: expected RequestError, got %v", count, err)
		}
	}
}

func TestGenerate_EmptyTopic(t *testing.T) {
	g := &Generator{Model: &fakeModel{reply: problemJSON(3)}}

	_, err := g.Generate(context.Background(), "   ", 3, "")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Errorf("Expected RequestError for blank topic, got %v", err)
	}
}

func TestGenerate_MalformedJSON(t *testing.T) {
	model := &fakeModel{reply: "Sure! Here are some problems for you."}
	g := &Generator{Model: model}

	_, err := g.Generate(context.Background(), "fractions", 3, "")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Expected GenerationError, got %v", err)
	}
}

func TestGenerate_WrongOptionCount(t *testing.T) {
	reply := `{"problems": [{
		"problem": "2 + 2 = ?",
		"difficulty": "easy",
		"options": [
			{"label": "A", "value": "4", "isCorrect": true},
			{"label": "B", "value": "5", "isCorrect": false}
		],
		"explanation": "Count up."
	}]}`
	g := &Generator{Model: &fakeModel{reply: reply}}

	_, err := g.Generate(context.Background(), "addition basics", 3, "")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Expected GenerationError for 2 options, got %v", err)
	}
	if !strings.Contains(genErr.Reason, "4 options") {
		t.Errorf("Expected option count complaint, got %q", genErr.Reason)
	}
}

func TestGenerate_MultipleCorrectAnswers(t *testing.T) {
	reply := `{"problems": [{
		"problem": "2 + 2 = ?",
		"difficulty": "easy",
		"options": [
			{"label": "A", "value": "4", "isCorrect": true},
			{"label": "B", "value": "4.0", "isCorrect": true},
			{"label": "C", "value": "5", "isCorrect": false},
			{"label": "D", "value": "3", "isCorrect": false}
		],
		"explanation": "Count up."
	}]}`
	g := &Generator{Model: &fakeModel{reply: reply}}

	_, err := g.Generate(context.Background(), "addition basics", 3, "")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Expected GenerationError for 2 correct answers, got %v", err)
	}
}

func TestGenerate_MissingFields(t *testing.T) {
	reply := `{"problems": [{
		"problem": "2 + 2 = ?",
		"difficulty": "easy",
		"options": [
			{"label": "A", "value": "4", "isCorrect": true},
			{"label": "B", "value": "5", "isCorrect": false},
			{"label": "C", "value": "6", "isCorrect": false},
			{"label": "D", "value": "7", "isCorrect": false}
		]
	}]}`
	g := &Generator{Model: &fakeModel{reply: reply}}

	_, err := g.Generate(context.Background(), "addition basics", 3, "")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Expected GenerationError for missing explanation, got %v", err)
	}
}

func TestGenerate_ModelFailure(t *testing.T) {
	g := &Generator{Model: &fakeModel{err: fmt.Errorf("upstream timeout")}}

	_, err := g.Generate(context.Background(), "fractions", 3, "")
	if err == nil {
		t.Fatal("Expected model failure to propagate")
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		t.Error("Transport failure should not be a GenerationError")
	}
}

func TestGenerate_ConversationContextIncluded(t *testing.T) {
	long := strings.Repeat("x", 300)
	store := &fakeStore{messages: []stores.Message{
		{Role: "user", Content: "How do I factor x^2 + 5x + 6?"},
		{Role: "assistant", Content: long},
	}}
	model := &fakeModel{reply: problemJSON(3)}
	g := &Generator{Model: model, Store: store, ContextWindow: 5}

	if _, err := g.Generate(context.Background(), "factoring", 3, "conv-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	prompt := model.prompt[0].Content
	if !strings.Contains(prompt, "user: How do I factor x^2 + 5x + 6?") {
		t.Error("Expected conversation context in prompt")
	}
	if strings.Contains(prompt, long) {
		t.Error("Expected long context message truncated to 200 chars")
	}
	if !strings.Contains(prompt, "assistant: "+long[:200]) {
		t.Error("Expected truncated assistant message present")
	}
}

func TestGenerate_ContextFetchFailureDegrades(t *testing.T) {
	store := &fakeStore{fetchErr: fmt.Errorf("db offline")}
	model := &fakeModel{reply: problemJSON(3)}
	g := &Generator{Model: model, Store: store}

	result, err := g.Generate(context.Background(), "fractions", 3, "conv-1")
	if err != nil {
		t.Fatalf("Context failure should not fail generation: %v", err)
	}
	if len(result.Problems) != 3 {
		t.Errorf("Expected 3 problems, got %d", len(result.Problems))
	}
}

func TestInferDifficulty(t *testing.T) {
	cases := map[string]string{
		"adding fractions":        "easy",
		"basic multiplication":    "easy",
		"derivative of x^2":       "hard",
		"integral calculus intro": "hard",
		"logarithm rules":         "hard",
		"solving quadratics":      "medium",
	}
	for topic, want := range cases {
		if got := InferDifficulty(topic); got != want {
			t.Errorf("InferDifficulty(%q) = %q, want %q", topic, got, want)
		}
	}
}
