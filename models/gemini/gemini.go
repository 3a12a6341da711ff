package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	models "mathtutor/models"

	"github.com/joho/godotenv"
	"google.golang.org/genai"
)

const (
	DefaultVisionModel = "gemini-2.0-flash"

	// EmptyBoardDescription is returned when the model sees nothing useful.
	EmptyBoardDescription = "I couldn't see anything on the whiteboard."

	describePrompt = "You are helping a math tutor understand what a student has written on a whiteboard. " +
		"Describe the mathematical content: equations, diagrams, graphs, and written work. " +
		"Transcribe any math exactly as written. Be concise."
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

// Gemini_Vision describes whiteboard images for the tutor.
type Gemini_Vision struct {
	Model string
}

// describeFunc is the pluggable function for actual description (mockable for tests).
var describeFunc = defaultDescribe

// SetDescribeFunc allows overriding the vision call for testing.
func SetDescribeFunc(fn func(ctx context.Context, mimeType string, data []byte, model string) (string, error)) {
	describeFunc = fn
}

// DescribeImage sends a whiteboard snapshot (as a data URL) to the vision
// model and returns a short description of its mathematical content. An
// empty model reply falls back to a fixed description rather than an error.
func (g *Gemini_Vision) DescribeImage(ctx context.Context, imageDataURL string) (string, error) {
	mimeType, b64, err := models.ParseDataURL(imageDataURL)
	if err != nil {
		return "", fmt.Errorf("invalid image data URL: %w", err)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("unsupported media type: %s", mimeType)
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 image data: %w", err)
	}

	model := g.Model
	if model == "" {
		model = DefaultVisionModel
	}

	description, err := describeFunc(ctx, mimeType, data, model)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(description) == "" {
		return EmptyBoardDescription, nil
	}
	return description, nil
}

func defaultDescribe(ctx context.Context, mimeType string, data []byte, model string) (string, error) {
	client, err := genai.NewClient(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create Gemini client: %w", err)
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(data, mimeType),
		genai.NewPartFromText(describePrompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	result, err := client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("failed to describe image: %w", err)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", nil
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}
