package practice

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	models "mathtutor/models"
	"mathtutor/stores"
)

// ValidCounts are the problem set sizes the generator accepts.
var ValidCounts = []int{3, 5, 10}

// RequestError marks a caller mistake (bad count, missing topic).
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

// GenerationError marks model output that violated the contract. The set is
// rejected whole; problems are never silently repaired.
type GenerationError struct {
	Reason string
}

func (e *GenerationError) Error() string { return e.Reason }

// CompletionModel is the non-streaming completion dependency
type CompletionModel interface {
	Chat_Request(ctx context.Context, history []models.Prompt_Message) (models.Model_Response, error)
}

// Generator produces validated multiple-choice practice sets
type Generator struct {
	Model CompletionModel
	Store stores.MessageStore
	// ContextWindow is how many recent transcript messages seed the prompt.
	ContextWindow int
}

// Result is a validated practice set plus the inferred difficulty
type Result struct {
	Problems   []stores.PracticeProblem `json:"problems"`
	Difficulty string                   `json:"difficulty"`
}

const generationPrompt = `You are a math practice problem generator. Generate practice problems based on the user's topic description.

CRITICAL REQUIREMENTS:
1. Generate problems with PROGRESSIVE difficulty: first problem should be easy, second medium, third harder
2. Each problem must be SOLVABLE and have ONE correct answer
3. Create 3 plausible wrong answers that represent common mistakes
4. Explanations should teach the concept, not just show steps
5. Use LaTeX math notation wrapped in $ or $$ for all mathematical expressions
6. Vary the numbers and contexts while keeping the same concept

OUTPUT FORMAT (JSON only, no markdown):
{
  "problems": [
    {
      "problem": "Problem statement with $\text{LaTeX math}$ notation",
      "difficulty": "easy",
      "options": [
        { "label": "A", "value": "Answer with $\text{math}$", "isCorrect": false },
        { "label": "B", "value": "Answer with $\text{math}$", "isCorrect": true },
        { "label": "C", "value": "Answer with $\text{math}$", "isCorrect": false },
        { "label": "D", "value": "Answer with $\text{math}$", "isCorrect": false }
      ],
      "explanation": "Clear explanation with $\text{step-by-step}$ reasoning"
    }
  ]
}`

// Generate builds, requests, and validates a practice set. conversationID is
// optional; when set, recent transcript turns seed the prompt so problems
// match what the student was just working on.
func (g *Generator) Generate(ctx context.Context, topic string, count int, conversationID string) (*Result, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, &RequestError{Reason: "topic is required"}
	}
	if !validCount(count) {
		return nil, &RequestError{Reason: "count must be 3, 5, or 10"}
	}

	contextMessage := g.conversationContext(conversationID)

	userPrompt := fmt.Sprintf(`Generate exactly %d practice problems similar to: %q%s

IMPORTANT: Make the problems progressively harder:
- Problem 1: Easy/introductory level
- Problem 2: Medium difficulty
- Problem 3: Challenging/harder

Each problem should:
- Test the same concept but with varied numbers/contexts
- Have realistic wrong answers (common student mistakes)
- Include clear, teaching-focused explanations`, count, topic, contextMessage)

	prompt := []models.Prompt_Message{
		models.TextMessage("user", generationPrompt+"\n\n"+userPrompt),
	}

	resp, err := g.Model.Chat_Request(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("practice generation request failed: %w", err)
	}

	problems, err := parseProblems(resp.Text())
	if err != nil {
		return nil, err
	}

	if len(problems) != count {
		log.Printf("[PRACTICE GEN] Expected %d problems, got %d", count, len(problems))
	}

	if err := validateProblems(problems); err != nil {
		return nil, err
	}

	return &Result{
		Problems:   problems,
		Difficulty: InferDifficulty(topic),
	}, nil
}

// conversationContext renders the last few transcript turns, truncated, as
// prompt context. Failures degrade to no context rather than failing the
// generation.
func (g *Generator) conversationContext(conversationID string) string {
	if conversationID == "" || g.Store == nil {
		return ""
	}
	window := g.ContextWindow
	if window <= 0 {
		window = 5
	}
	msgs, err := g.Store.FetchRecent(conversationID, window)
	if err != nil {
		log.Printf("[PRACTICE GEN] Failed to fetch context for %s: %v", conversationID, err)
		return ""
	}
	if len(msgs) == 0 {
		return ""
	}

	var lines []string
	for _, m := range msgs {
		content := m.Content
		if len(content) > 200 {
			content = content[:200]
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, content))
	}
	return "\n\nRecent conversation context:\n" + strings.Join(lines, "\n")
}

// parseProblems strips markdown fences and decodes the problem list.
func parseProblems(text string) ([]stores.PracticeProblem, error) {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	var parsed struct {
		Problems []stores.PracticeProblem `json:"problems"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, &GenerationError{Reason: "failed to parse model response as JSON"}
	}
	if parsed.Problems == nil {
		return nil, &GenerationError{Reason: "invalid response structure from model"}
	}
	return parsed.Problems, nil
}

// validateProblems enforces the practice set contract.
func validateProblems(problems []stores.PracticeProblem) error {
	for _, p := range problems {
		if p.Problem == "" || p.Difficulty == "" || p.Options == nil || p.Explanation == "" {
			return &GenerationError{Reason: "problem missing required fields (problem, difficulty, options, or explanation)"}
		}
		if len(p.Options) != 4 {
			return &GenerationError{Reason: "each problem must have exactly 4 options"}
		}
		correctCount := 0
		for _, o := range p.Options {
			if o.IsCorrect {
				correctCount++
			}
		}
		if correctCount != 1 {
			return &GenerationError{Reason: "each problem must have exactly 1 correct answer"}
		}
	}
	return nil
}

// InferDifficulty guesses a difficulty tier from topic keywords.
func InferDifficulty(topic string) string {
	lower := strings.ToLower(topic)

	easy := []string{"add", "subtract", "multiply", "divide", "basic"}
	for _, kw := range easy {
		if strings.Contains(lower, kw) {
			return "easy"
		}
	}

	hard := []string{"calculus", "derivative", "integral", "trigonometric", "logarithm"}
	for _, kw := range hard {
		if strings.Contains(lower, kw) {
			return "hard"
		}
	}

	return "medium"
}

func validCount(count int) bool {
	for _, c := range ValidCounts {
		if c == count {
			return true
		}
	}
	return false
}
