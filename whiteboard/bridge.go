package whiteboard

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrUnchanged means the board content matches the last successful export.
// It is a no-export signal, not a failure; callers reuse their previous
// payload or skip the send entirely.
var ErrUnchanged = errors.New("whiteboard unchanged since last export")

// Rasterizer turns a canvas serialization into a PNG data URL
type Rasterizer interface {
	Rasterize(snapshot string) (string, error)
}

// Exporter produces image payloads from whiteboard snapshots, skipping the
// expensive rasterization when nothing changed. The change check hashes the
// canvas serialization, so visual no-ops that alter the serialization still
// count as changes.
type Exporter struct {
	rasterizer Rasterizer

	mu       sync.Mutex
	lastHash string
}

// NewExporter creates an exporter with no export history
func NewExporter(r Rasterizer) *Exporter {
	return &Exporter{rasterizer: r}
}

// Export rasterizes the snapshot unless it matches the last successful
// export, in which case ErrUnchanged is returned. The recorded hash only
// advances on success; a failed rasterization leaves the previous hash in
// place so the next attempt retries.
func (e *Exporter) Export(snapshot string) (string, error) {
	hash := hashSnapshot(snapshot)

	e.mu.Lock()
	defer e.mu.Unlock()

	if hash == e.lastHash {
		return "", ErrUnchanged
	}

	dataURL, err := e.rasterizer.Rasterize(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to rasterize whiteboard: %w", err)
	}

	e.lastHash = hash
	return dataURL, nil
}

// Reset forgets the last export, forcing the next Export to rasterize.
// Used when a session ends or the board switches conversations.
func (e *Exporter) Reset() {
	e.mu.Lock()
	e.lastHash = ""
	e.mu.Unlock()
}

func hashSnapshot(snapshot string) string {
	sum := sha256.Sum256([]byte(snapshot))
	return hex.EncodeToString(sum[:])
}
