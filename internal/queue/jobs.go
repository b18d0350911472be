package queue

import (
	"context"
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// Job is one background generation request for a single segment
type Job struct {
	ID        string
	SessionID string
	Segment   types.TextSegment
	Voice     string
	Speed     float64
	Ctx       context.Context
	CreatedAt time.Time

	// Report receives the outcome exactly once, from a worker goroutine
	Report func(res *types.AudioResource, err error)
}
