package player

import (
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// Prefetcher decides which upcoming chunks to start generating
type Prefetcher struct {
	// BufferCount bounds how far ahead of the current chunk we generate
	BufferCount int
	// LeadTime triggers a prefetch when this much of the chunk remains
	LeadTime time.Duration
	// Ratio triggers a prefetch once this share of the chunk has played
	Ratio float64
}

// DefaultPrefetcher looks one chunk ahead, 5s or 90% before the end
func DefaultPrefetcher() Prefetcher {
	return Prefetcher{
		BufferCount: 1,
		LeadTime:    5 * time.Second,
		Ratio:       0.9,
	}
}

// Due reports whether playback is close enough to the chunk end to prefetch
func (p Prefetcher) Due(position, duration time.Duration) bool {
	if duration <= 0 {
		return false
	}
	if duration-position <= p.LeadTime {
		return true
	}
	return float64(position)/float64(duration) >= p.Ratio
}

// OnPositionUpdate returns the indices to prefetch now. Only Pending
// chunks inside the look-ahead window qualify, so chunks already
// generating, ready, or failed are never requested twice.
func (p Prefetcher) OnPositionUpdate(current int, position, duration time.Duration, total int, states map[int]*types.ChunkState) []int {
	if !p.Due(position, duration) {
		return nil
	}

	window := p.BufferCount
	if window < 1 {
		window = 1
	}

	var targets []int
	for i := current + 1; i <= current+window && i < total; i++ {
		st, ok := states[i]
		if !ok || st.Status == types.ChunkPending {
			targets = append(targets, i)
		}
	}
	return targets
}
