package stores

import (
	"log"
	"strings"
)

// SanitizeHistory ensures the transcript has a turn structure the chat
// completion API will accept. It handles two main issues:
// 1. Truncation landing on an assistant turn - history must open with a user message
// 2. Blank entries - voice mirroring can leave rows whose transcript never arrived
//
// The function ensures:
// - History always starts with a user message
// - No empty or whitespace-only messages survive
//
// Consecutive same-role runs (common when voice turns are mirrored while a
// typed turn lands) are left alone here; the model client merges them at
// request build time.
func SanitizeHistory(msgs []Message) []Message {
	if len(msgs) == 0 {
		return msgs
	}

	// Step 1: Drop blank rows first so an all-blank prefix doesn't hide a
	// valid user start behind it.
	nonEmpty := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		nonEmpty = append(nonEmpty, msg)
	}
	if dropped := len(msgs) - len(nonEmpty); dropped > 0 {
		log.Printf("[HISTORY_SANITIZER] Dropped %d empty messages", dropped)
	}
	msgs = nonEmpty

	// Step 2: Find a valid starting point (a user message)
	startIdx := -1
	for i, msg := range msgs {
		if msg.Role == "user" {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		log.Printf("[HISTORY_SANITIZER] No user message found, returning empty history")
		return []Message{}
	}

	if startIdx > 0 {
		log.Printf("[HISTORY_SANITIZER] Skipping first %d messages to find valid start (was role: %s)", startIdx, msgs[0].Role)
		msgs = msgs[startIdx:]
	}

	return msgs
}

// DetectCorruptedHistory checks if the history has any issues that would cause
// API errors or signal a mirroring bug. Returns a list of issues found (empty
// if history is clean).
func DetectCorruptedHistory(msgs []Message) []string {
	issues := []string{}

	if len(msgs) == 0 {
		return issues
	}

	if msgs[0].Role == "assistant" {
		issues = append(issues, "History starts with an assistant message")
	}

	for i, msg := range msgs {
		if msg.Role != "user" && msg.Role != "assistant" {
			issues = append(issues, "Unknown role '"+msg.Role+"'")
		}
		if strings.TrimSpace(msg.Content) == "" {
			issues = append(issues, "Empty message content")
		}
		if i > 0 && msgs[i-1].Sequence >= msg.Sequence && msg.Sequence != 0 {
			issues = append(issues, "Non-increasing sequence numbers")
		}
	}

	return issues
}
