package history

import (
	"fmt"
	"log"
	"strings"

	models "mathtutor/models"
	"mathtutor/stores"
)

// CurrentTurn describes the user turn being sent right now. Its durable row
// is already in the store; the attachments here only exist for this request.
type CurrentTurn struct {
	ImageDataURL      string
	WhiteboardDataURL string
}

// Assembler builds model prompts from the durable transcript. It re-reads
// the store on every call; nothing here caches history between turns, so a
// voice turn mirrored a moment ago is always part of the next text prompt.
type Assembler struct {
	Store        stores.MessageStore
	HistoryLimit int
}

// Assemble fetches the transcript fresh and converts it into prompt turns.
// A fetch failure aborts the turn: sending a stale or partial prompt is
// worse than sending none.
//
// Historical turns flatten to plain text. Attachments go on the final user
// turn only, image parts before the text part. Turns that reference a
// finished practice session get its summary appended so the tutor can
// discuss the results.
func (a *Assembler) Assemble(conversationID string, turn CurrentTurn) ([]models.Prompt_Message, error) {
	limit := a.HistoryLimit
	msgs, err := a.Store.FetchRecent(conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", conversationID, err)
	}
	msgs = stores.SanitizeHistory(msgs)
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no sendable history for conversation %s", conversationID)
	}

	prompt := make([]models.Prompt_Message, 0, len(msgs))
	for i := range msgs {
		content := msgs[i].Content
		if msgs[i].PracticeSessionID != nil {
			summary, err := a.practiceSummary(*msgs[i].PracticeSessionID)
			if err != nil {
				log.Printf("Warning: Failed to load practice session %d: %v", *msgs[i].PracticeSessionID, err)
			} else if summary != "" {
				content += summary
			}
		}
		prompt = append(prompt, models.TextMessage(msgs[i].Role, content))
	}

	// Attach images to the final user turn only. Older turns stay text even
	// if their stored rows reference images.
	last := len(prompt) - 1
	if prompt[last].Role == "user" {
		if err := attachImages(&prompt[last], turn); err != nil {
			return nil, err
		}
	}

	return prompt, nil
}

// attachImages rewrites a text turn as a multi-modal one when the current
// request carries attachments.
func attachImages(msg *models.Prompt_Message, turn CurrentTurn) error {
	var parts []models.Prompt_Part
	for _, dataURL := range []string{turn.ImageDataURL, turn.WhiteboardDataURL} {
		if dataURL == "" {
			continue
		}
		part, err := models.ImagePart(dataURL)
		if err != nil {
			return fmt.Errorf("invalid image attachment: %w", err)
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil
	}

	parts = append(parts, models.Prompt_Part{Text: msg.Content})
	msg.Parts = parts
	msg.Content = ""
	return nil
}

// practiceSummary renders a deterministic report of a finished quiz.
func (a *Assembler) practiceSummary(sessionID uint) (string, error) {
	session, err := a.Store.GetPracticeSession(sessionID)
	if err != nil {
		return "", err
	}

	answeredCount := 0
	var lines []string
	for i, p := range session.Problems {
		var status string
		if answered, correct := p.Answered(); answered {
			answeredCount++
			verdict := "incorrect"
			if correct {
				verdict = "correct"
			}
			status = fmt.Sprintf("answered %s - %s", p.StudentAnswer, verdict)
		} else {
			status = "not answered"
		}
		lines = append(lines, fmt.Sprintf("  Problem %d: %s (%s)", i+1, p.Problem, status))
	}

	return fmt.Sprintf("\n\n[Practice Session: %s]\nScore: %d/%d\n%s",
		session.Topic, session.Score, answeredCount, strings.Join(lines, "\n")), nil
}
