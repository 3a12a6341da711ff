package models

// Model_Response is one streamed chunk from a chat completion
type Model_Response struct {
	Parts []Model_Part `json:"parts"`
}

type Model_Part struct {
	Text *string `json:"text,omitempty"`
}

// TextResponse wraps a text delta in a response chunk
func TextResponse(text string) Model_Response {
	return Model_Response{Parts: []Model_Part{{Text: &text}}}
}

// Text concatenates the text parts of a chunk
func (r *Model_Response) Text() string {
	var out string
	for _, p := range r.Parts {
		if p.Text != nil {
			out += *p.Text
		}
	}
	return out
}
