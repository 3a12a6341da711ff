package whiteboard

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PreviewRasterizer pulls the rendered preview out of a saved snapshot
// document. Clients rasterize the canvas when they save, so the server never
// needs a drawing engine; a bare image data URL is also accepted as-is.
type PreviewRasterizer struct{}

func (PreviewRasterizer) Rasterize(snapshot string) (string, error) {
	if strings.HasPrefix(snapshot, "data:image/") {
		return snapshot, nil
	}

	var doc struct {
		Preview string `json:"preview"`
	}
	if err := json.Unmarshal([]byte(snapshot), &doc); err != nil {
		return "", fmt.Errorf("snapshot is not a renderable document: %w", err)
	}
	if !strings.HasPrefix(doc.Preview, "data:image/") {
		return "", fmt.Errorf("snapshot carries no rendered preview")
	}
	return doc.Preview, nil
}
