package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// TextSegment is one bounded slice of a transcript
type TextSegment struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// GenerationKey identifies one generated audio resource.
// It doubles as the in-flight dedup key and the cache key.
type GenerationKey string

// QuantizeSpeed rounds a speed multiplier to 0.05 steps
func QuantizeSpeed(speed float64) float64 {
	return math.Round(speed*20) / 20
}

// NewGenerationKey derives the key from (textHash, voice, speedQuantized)
func NewGenerationKey(text, voice string, speed float64) GenerationKey {
	textHash := sha256.Sum256([]byte(text))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%x|%s|%.2f", textHash, voice, QuantizeSpeed(speed))))
	return GenerationKey(hex.EncodeToString(sum[:16]))
}

// ChunkStatus is the generation status of one segment
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkGenerating
	ChunkReady
	ChunkFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkGenerating:
		return "generating"
	case ChunkReady:
		return "ready"
	case ChunkFailed:
		return "failed"
	}
	return "unknown"
}

// ChunkState is Pending, Generating, Ready(resource) or Failed(err)
type ChunkState struct {
	Status   ChunkStatus
	Resource *AudioResource
	Err      error
}

// AudioResource is a playable result of one generation.
// Cached resources point at a local file; uncached ones carry their bytes.
type AudioResource struct {
	Key       GenerationKey
	URI       string
	Data      []byte
	SizeBytes int64
	Format    string
	Duration  time.Duration
	Cached    bool

	// Pinned means the generator took a cache pin that the receiver now owns
	Pinned bool
}

// CacheEntry is the durable record of one cached audio file
type CacheEntry struct {
	Key             GenerationKey `json:"key"`
	LocalPath       string        `json:"local_path"`
	RemoteSourceRef string        `json:"remote_source_ref"`
	SizeBytes       int64         `json:"size_bytes"`
	Quality         string        `json:"quality"`
	Format          string        `json:"format"`
	Duration        time.Duration `json:"duration"`
	CreatedAt       time.Time     `json:"created_at"`
	LastAccessedAt  time.Time     `json:"last_accessed_at"`
}

// CacheStats summarizes the cache
type CacheStats struct {
	FileCount  int           `json:"file_count"`
	TotalBytes int64         `json:"total_bytes"`
	FreeBytes  int64         `json:"free_bytes"`
	DiskBytes  int64         `json:"disk_bytes"`
	OldestKey  GenerationKey `json:"oldest_key"`
	NewestKey  GenerationKey `json:"newest_key"`
}

// PlaybackState is the orchestrator state
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StateLoadingFirstChunk
	StatePlaying
	StatePaused
	StateTransitioning
	StateCompleted
	StateError
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingFirstChunk:
		return "loading_first_chunk"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTransitioning:
		return "transitioning"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON
func (s PlaybackState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
