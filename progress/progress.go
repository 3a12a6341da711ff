package progress

import (
	"encoding/json"
	"regexp"
)

// ProblemContext tracks where the student is in a multi-step problem. It is
// emitted by the tutor model inside a fenced JSON block and persisted with
// the assistant message it came from.
type ProblemContext struct {
	CurrentProblem  string   `json:"currentProblem"`
	CurrentStep     int      `json:"currentStep"`
	TotalSteps      int      `json:"totalSteps"`
	ProblemType     string   `json:"problemType"`
	StepsCompleted  []string `json:"stepsCompleted"`
	CurrentEquation string   `json:"currentEquation,omitempty"`
	StepRoadmap     []string `json:"stepRoadmap,omitempty"`
}

// fencedJSON matches ```json ... ``` blocks. (?s) lets the body span lines.
var fencedJSON = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")

// envelope is the wrapper the model emits around the context payload.
type envelope struct {
	ProblemContext *ProblemContext `json:"problemContext"`
}

// Extract scans text for fenced JSON blocks and returns the problem context
// from the first block that parses and carries a problemContext key. Blocks
// that fail to parse, lack the key, or fail validation are skipped.
// Extraction is best-effort: it reports found/not-found and never errors.
func Extract(text string) (*ProblemContext, bool) {
	matches := fencedJSON.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		var env envelope
		if err := json.Unmarshal([]byte(m[1]), &env); err != nil {
			continue
		}
		if env.ProblemContext == nil {
			continue
		}
		if err := env.ProblemContext.Validate(); err != nil {
			continue
		}
		return env.ProblemContext, true
	}
	return nil, false
}

// Strip removes all fenced JSON blocks from text, leaving the prose the
// student actually sees.
func Strip(text string) string {
	return fencedJSON.ReplaceAllString(text, "")
}

// ValidationError describes why a context payload was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid problem context: " + e.Field + " " + e.Reason
}

// Validate checks the structural invariants of a problem context.
func (p *ProblemContext) Validate() error {
	if p.TotalSteps < 1 {
		return &ValidationError{Field: "totalSteps", Reason: "must be at least 1"}
	}
	if p.CurrentStep < 1 || p.CurrentStep > p.TotalSteps {
		return &ValidationError{Field: "currentStep", Reason: "must be between 1 and totalSteps"}
	}
	if p.StepRoadmap != nil && len(p.StepRoadmap) != p.TotalSteps {
		return &ValidationError{Field: "stepRoadmap", Reason: "length must equal totalSteps"}
	}
	return nil
}
