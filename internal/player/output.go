package player

import (
	"errors"
	"sync"
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

var (
	ErrAlreadyLoaded = errors.New("an audio resource is already loaded")
	ErrNothingLoaded = errors.New("no audio resource loaded")
)

// AudioOutput plays one resource at a time. Load fails while another
// resource is loaded; callers must Release first.
type AudioOutput interface {
	Load(res *types.AudioResource) error
	Play() error
	Pause() error
	Seek(pos time.Duration) error
	SetRate(rate float64) error
	Position() time.Duration
	Duration() time.Duration
	// Finished is closed when the loaded resource plays to its end
	Finished() <-chan struct{}
	Release() error
}

// ClockOutput is the server-side playback clock. It does not decode
// audio; it tracks where a listener is in the loaded chunk, using the
// reported duration or one estimated from size and bitrate.
type ClockOutput struct {
	mu          sync.Mutex
	bitrateKbps int
	loaded      *types.AudioResource
	duration    time.Duration
	offset      time.Duration
	startedAt   time.Time
	playing     bool
	rate        float64
	finished    chan struct{}
	done        bool
	timer       *time.Timer
	seq         int
}

// NewClockOutput creates a clock that estimates missing durations at bitrateKbps
func NewClockOutput(bitrateKbps int) *ClockOutput {
	if bitrateKbps <= 0 {
		bitrateKbps = 128
	}
	return &ClockOutput{bitrateKbps: bitrateKbps, rate: 1}
}

// EstimateDuration derives playback length from size at a constant bitrate
func EstimateDuration(sizeBytes int64, bitrateKbps int) time.Duration {
	if sizeBytes <= 0 || bitrateKbps <= 0 {
		return 0
	}
	return time.Duration(float64(sizeBytes*8) / float64(bitrateKbps*1000) * float64(time.Second))
}

func (c *ClockOutput) Load(res *types.AudioResource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded != nil {
		return ErrAlreadyLoaded
	}

	c.loaded = res
	c.duration = res.Duration
	if c.duration <= 0 {
		c.duration = EstimateDuration(res.SizeBytes, c.bitrateKbps)
	}
	c.offset = 0
	c.playing = false
	c.done = false
	c.finished = make(chan struct{})
	return nil
}

func (c *ClockOutput) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded == nil {
		return ErrNothingLoaded
	}
	if c.playing || c.done {
		return nil
	}
	c.playing = true
	c.startedAt = time.Now()
	c.scheduleLocked()
	return nil
}

func (c *ClockOutput) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded == nil {
		return ErrNothingLoaded
	}
	if !c.playing {
		return nil
	}
	c.offset = c.positionLocked()
	c.playing = false
	c.stopTimerLocked()
	return nil
}

func (c *ClockOutput) Seek(pos time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded == nil {
		return ErrNothingLoaded
	}
	if c.done {
		return nil
	}
	if pos < 0 {
		pos = 0
	}
	if pos > c.duration {
		pos = c.duration
	}
	c.offset = pos
	c.startedAt = time.Now()
	if c.playing {
		c.scheduleLocked()
	}
	return nil
}

func (c *ClockOutput) SetRate(rate float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rate <= 0 {
		return errors.New("rate must be positive")
	}
	if c.playing {
		c.offset = c.positionLocked()
		c.startedAt = time.Now()
	}
	c.rate = rate
	if c.playing {
		c.scheduleLocked()
	}
	return nil
}

func (c *ClockOutput) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

func (c *ClockOutput) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

func (c *ClockOutput) Finished() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *ClockOutput) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimerLocked()
	c.loaded = nil
	c.playing = false
	c.offset = 0
	c.finished = nil
	return nil
}

func (c *ClockOutput) positionLocked() time.Duration {
	if !c.playing {
		return c.offset
	}
	pos := c.offset + time.Duration(float64(time.Since(c.startedAt))*c.rate)
	if pos > c.duration {
		pos = c.duration
	}
	return pos
}

func (c *ClockOutput) scheduleLocked() {
	c.stopTimerLocked()

	c.seq++
	seq := c.seq
	remaining := time.Duration(float64(c.duration-c.offset) / c.rate)
	c.timer = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.seq != seq || c.done || !c.playing {
			return
		}
		c.offset = c.duration
		c.playing = false
		c.done = true
		close(c.finished)
	})
}

func (c *ClockOutput) stopTimerLocked() {
	c.seq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
