package models

import (
	"fmt"
	"strings"
)

// ParseDataURL splits a "data:<mime>;base64,<data>" URL into its mime type
// and base64 payload.
func ParseDataURL(dataURL string) (mimeType, data string, err error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", "", fmt.Errorf("not a data URL")
	}
	rest := strings.TrimPrefix(dataURL, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx == -1 {
		return "", "", fmt.Errorf("data URL is not base64 encoded")
	}
	mimeType = rest[:idx]
	data = rest[idx+len(";base64,"):]
	if mimeType == "" || data == "" {
		return "", "", fmt.Errorf("malformed data URL")
	}
	return mimeType, data, nil
}

// ImagePart builds a multi-modal image part from a data URL
func ImagePart(dataURL string) (Prompt_Part, error) {
	mimeType, data, err := ParseDataURL(dataURL)
	if err != nil {
		return Prompt_Part{}, err
	}
	return Prompt_Part{InlineData: &InlineData{MimeType: mimeType, Data: data}}, nil
}
