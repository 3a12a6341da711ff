package voice

import "sync"

// Broadcaster fans assistant audio out to every attached listener. It lets
// several clients of the same conversation hear the one shared session; a
// browser tab that reconnects mid-reply picks up from the next chunk.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	sinks  map[int]Playback
}

// NewBroadcaster creates a broadcaster with no listeners.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{sinks: make(map[int]Playback)}
}

// Attach registers a listener and returns its detach function.
func (b *Broadcaster) Attach(sink Playback) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.sinks[id] = sink
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) Play(audioB64 string) {
	for _, sink := range b.snapshot() {
		sink.Play(audioB64)
	}
}

func (b *Broadcaster) Stop() {
	for _, sink := range b.snapshot() {
		sink.Stop()
	}
}

func (b *Broadcaster) snapshot() []Playback {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Playback, 0, len(b.sinks))
	for _, sink := range b.sinks {
		out = append(out, sink)
	}
	return out
}
