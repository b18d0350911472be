package player

import "github.com/codebuildervaibhav/narration-stream/internal/types"

// EventType names what happened
type EventType string

const (
	EventState    EventType = "state"
	EventChunk    EventType = "chunk"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is delivered to subscribers in the order it happened
type Event struct {
	Type     EventType           `json:"type"`
	State    types.PlaybackState `json:"state"`
	Index    int                 `json:"index"`
	Total    int                 `json:"total"`
	Percent  float64             `json:"percent,omitempty"`
	Position float64             `json:"position_seconds,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// Listener receives events on the orchestrator goroutine
type Listener func(Event)

// Status is a point-in-time view of a player
type Status struct {
	State           types.PlaybackState `json:"state"`
	CurrentIndex    int                 `json:"current_index"`
	TotalChunks     int                 `json:"total_chunks"`
	Percent         float64             `json:"percent"`
	PositionSeconds float64             `json:"position_seconds"`
	ChunkPosition   float64             `json:"chunk_position_seconds"`
	ChunkDuration   float64             `json:"chunk_duration_seconds"`
	Speed           float64             `json:"speed"`
	Rate            float64             `json:"rate"`
	Chunks          []string            `json:"chunks"`
	Error           string              `json:"error,omitempty"`
}
