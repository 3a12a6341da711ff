package models

// Prompt_Message is one turn in an assembled model prompt. Content carries
// plain text; Parts is set instead when the turn is multi-modal. A message
// never carries both.
type Prompt_Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []Prompt_Part `json:"parts,omitempty"`
}

// Prompt_Part is one piece of a multi-modal turn
type Prompt_Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData holds base64 image bytes plus their mime type
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// IsMultiModal reports whether the turn carries image parts
func (m *Prompt_Message) IsMultiModal() bool {
	return len(m.Parts) > 0
}

// TextMessage builds a plain text turn
func TextMessage(role, content string) Prompt_Message {
	return Prompt_Message{Role: role, Content: content}
}
