package player

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/chunker"
	"github.com/codebuildervaibhav/narration-stream/internal/queue"
	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// ErrClosed is returned by operations on a closed orchestrator
var ErrClosed = errors.New("player is closed")

// Config tunes an orchestrator
type Config struct {
	SessionID     string
	MaxChunkChars int
	PollInterval  time.Duration
	SkipInterval  time.Duration
	Prefetch      Prefetcher
}

// DefaultConfig returns the production playback settings
func DefaultConfig() Config {
	return Config{
		MaxChunkChars: chunker.DefaultMaxChunkChars,
		PollInterval:  500 * time.Millisecond,
		SkipInterval:  15 * time.Second,
		Prefetch:      DefaultPrefetcher(),
	}
}

// Generator produces audio for one segment
type Generator interface {
	Generate(ctx context.Context, seg types.TextSegment, voice string, speed float64) (*types.AudioResource, error)
}

// Dispatcher runs background generation jobs
type Dispatcher interface {
	TryEnqueue(job *queue.Job) bool
}

// Pinner protects cache entries that playback depends on. A generated
// resource with Pinned set arrives holding one pin that the player owns.
type Pinner interface {
	Pin(key types.GenerationKey)
	Unpin(key types.GenerationKey)
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdSeek
	cmdSpeed
	cmdSkip
	cmdStop
	cmdStatus
	cmdResource
)

type command struct {
	kind     commandKind
	segments []types.TextSegment
	voice    string
	speed    float64
	autoPlay bool
	value    float64
	delta    time.Duration
	reply    chan interface{}
}

type chunkResult struct {
	epoch int
	index int
	res   *types.AudioResource
	err   error
}

// session is the runtime state of one transcript. Only the loop goroutine touches it.
type session struct {
	epoch        int
	ctx          context.Context
	cancel       context.CancelFunc
	segments     []types.TextSegment
	chunkStates  map[int]*types.ChunkState
	durations    map[int]time.Duration
	pinned       map[int]types.GenerationKey
	currentIndex int
	position     time.Duration
	duration     time.Duration
	voice        string
	speed        float64
	rate         float64
	state        types.PlaybackState
	wantPlay     bool
	loaded       bool
	completed    bool
	errMsg       string
}

// Orchestrator owns which chunk is loaded and drives transitions.
// All state changes happen on one goroutine; public methods only queue commands.
type Orchestrator struct {
	cfg  Config
	gen  Generator
	pool Dispatcher
	pins Pinner
	out  AudioOutput

	commands chan command
	results  chan chunkResult
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	listenersMu  sync.Mutex
	listeners    map[int]Listener
	nextListener int

	session *session
	epoch   int
	ticker  *time.Ticker
}

// New creates an orchestrator and starts its loop. pool and pins may be nil.
func New(cfg Config, gen Generator, pool Dispatcher, pins Pinner, out AudioOutput) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = def.MaxChunkChars
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SkipInterval <= 0 {
		cfg.SkipInterval = def.SkipInterval
	}
	if cfg.Prefetch.BufferCount <= 0 && cfg.Prefetch.LeadTime <= 0 && cfg.Prefetch.Ratio <= 0 {
		cfg.Prefetch = def.Prefetch
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		gen:       gen,
		pool:      pool,
		pins:      pins,
		out:       out,
		commands:  make(chan command, 64),
		results:   make(chan chunkResult),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		listeners: make(map[int]Listener),
	}
	go o.run()
	return o
}

// Start chunks transcript and begins loading the first chunk. Chunking
// errors are returned immediately; everything else is reported as events.
func (o *Orchestrator) Start(transcript, voice string, speed float64, autoPlay bool) (int, error) {
	segments, err := chunker.Split(transcript, o.cfg.MaxChunkChars)
	if err != nil {
		return 0, err
	}
	if speed <= 0 {
		speed = 1
	}
	err = o.send(command{kind: cmdStart, segments: segments, voice: voice, speed: speed, autoPlay: autoPlay})
	return len(segments), err
}

func (o *Orchestrator) Pause() error  { return o.send(command{kind: cmdPause}) }
func (o *Orchestrator) Resume() error { return o.send(command{kind: cmdResume}) }

// Seek moves to fraction (0..1) of the current chunk
func (o *Orchestrator) Seek(fraction float64) error {
	return o.send(command{kind: cmdSeek, value: fraction})
}

// SetSpeed changes the playback rate of the loaded chunk
func (o *Orchestrator) SetSpeed(rate float64) error {
	return o.send(command{kind: cmdSpeed, value: rate})
}

func (o *Orchestrator) SkipForward() error {
	return o.send(command{kind: cmdSkip, delta: o.cfg.SkipInterval})
}

func (o *Orchestrator) SkipBackward() error {
	return o.send(command{kind: cmdSkip, delta: -o.cfg.SkipInterval})
}

// Stop releases the current session and returns to Idle
func (o *Orchestrator) Stop() error { return o.send(command{kind: cmdStop}) }

// Status returns a snapshot of the playback state
func (o *Orchestrator) Status() (Status, error) {
	v, err := o.ask(cmdStatus)
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

// CurrentResource returns the loaded audio resource, or nil
func (o *Orchestrator) CurrentResource() (*types.AudioResource, error) {
	v, err := o.ask(cmdResource)
	if err != nil {
		return nil, err
	}
	res, _ := v.(*types.AudioResource)
	return res, nil
}

// Subscribe registers l for events. l runs on the loop goroutine and must not block.
func (o *Orchestrator) Subscribe(l Listener) func() {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()

	id := o.nextListener
	o.nextListener++
	o.listeners[id] = l

	return func() {
		o.listenersMu.Lock()
		defer o.listenersMu.Unlock()
		delete(o.listeners, id)
	}
}

// Close tears down the session and stops the loop
func (o *Orchestrator) Close() {
	o.cancel()
	<-o.done
}

// Done is closed once the orchestrator has shut down
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) send(cmd command) error {
	if o.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case <-o.ctx.Done():
		return ErrClosed
	case o.commands <- cmd:
		return nil
	}
}

func (o *Orchestrator) ask(kind commandKind) (interface{}, error) {
	reply := make(chan interface{}, 1)
	if err := o.send(command{kind: kind, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-o.done:
		return nil, ErrClosed
	}
}

func (o *Orchestrator) run() {
	defer close(o.done)

	for {
		var finished <-chan struct{}
		if s := o.session; s != nil && s.loaded {
			finished = o.out.Finished()
		}
		var tick <-chan time.Time
		if o.ticker != nil {
			tick = o.ticker.C
		}

		select {
		case <-o.ctx.Done():
			o.teardown()
			return
		case cmd := <-o.commands:
			o.handleCommand(cmd)
		case r := <-o.results:
			o.handleResult(r)
		case <-finished:
			o.handleChunkEnd()
		case <-tick:
			o.poll()
		}
	}
}

func (o *Orchestrator) handleCommand(cmd command) {
	s := o.session

	switch cmd.kind {
	case cmdStart:
		o.begin(cmd)

	case cmdStop:
		if s != nil {
			o.teardown()
			o.emit(Event{Type: EventState, State: types.StateIdle})
		}

	case cmdStatus:
		cmd.reply <- o.status()

	case cmdResource:
		if s != nil && s.loaded {
			cmd.reply <- s.chunkStates[s.currentIndex].Resource
		} else {
			cmd.reply <- (*types.AudioResource)(nil)
		}

	case cmdPause:
		if s == nil {
			return
		}
		s.wantPlay = false
		if s.state == types.StatePlaying {
			if err := o.out.Pause(); err != nil {
				log.Printf("Player: pause failed: %v", err)
				return
			}
			s.position = o.out.Position()
			o.stopPolling()
			o.setState(types.StatePaused)
		}

	case cmdResume:
		if s == nil {
			return
		}
		s.wantPlay = true
		switch s.state {
		case types.StatePaused:
			if s.loaded {
				o.play()
			}
		case types.StateError:
			s.errMsg = ""
			if s.currentIndex == 0 && s.durations[0] == 0 {
				o.setState(types.StateLoadingFirstChunk)
			} else {
				o.setState(types.StateTransitioning)
			}
			o.requestCurrent()
		}

	case cmdSeek:
		if s == nil || !s.loaded {
			return
		}
		o.seekTo(time.Duration(clamp(cmd.value, 0, 1) * float64(s.duration)))

	case cmdSkip:
		if s == nil || !s.loaded {
			return
		}
		o.seekTo(o.out.Position() + cmd.delta)

	case cmdSpeed:
		if s == nil || cmd.value <= 0 {
			return
		}
		s.rate = cmd.value
		if s.loaded {
			if err := o.out.SetRate(cmd.value); err != nil {
				log.Printf("Player: set rate failed: %v", err)
			}
		}
	}
}

func (o *Orchestrator) begin(cmd command) {
	o.teardown()

	o.epoch++
	ctx, cancel := context.WithCancel(o.ctx)
	s := &session{
		epoch:       o.epoch,
		ctx:         ctx,
		cancel:      cancel,
		segments:    cmd.segments,
		chunkStates: make(map[int]*types.ChunkState, len(cmd.segments)),
		durations:   make(map[int]time.Duration, len(cmd.segments)),
		pinned:      make(map[int]types.GenerationKey),
		voice:       cmd.voice,
		speed:       cmd.speed,
		rate:        1,
		wantPlay:    cmd.autoPlay,
	}
	for i := range cmd.segments {
		s.chunkStates[i] = &types.ChunkState{Status: types.ChunkPending}
	}
	o.session = s

	log.Printf("Player %s: starting %d chunks (voice %s, speed %.2f)", o.cfg.SessionID, len(s.segments), s.voice, s.speed)
	o.setState(types.StateLoadingFirstChunk)
	o.requestCurrent()
}

// requestCurrent makes sure the chunk at currentIndex is on its way
func (o *Orchestrator) requestCurrent() {
	s := o.session
	st := s.chunkStates[s.currentIndex]

	switch st.Status {
	case types.ChunkReady:
		o.loadCurrent()
	case types.ChunkGenerating:
		// a prefetch is already in flight; its result completes the transition
	default:
		st.Status = types.ChunkGenerating
		st.Err = nil
		o.generateNow(s, s.currentIndex)
	}
}

func (o *Orchestrator) generateNow(s *session, index int) {
	seg, epoch, ctx, voice, speed := s.segments[index], s.epoch, s.ctx, s.voice, s.speed
	go func() {
		res, err := o.gen.Generate(ctx, seg, voice, speed)
		o.deliver(chunkResult{epoch: epoch, index: index, res: res, err: err})
	}()
}

func (o *Orchestrator) prefetch(s *session, index int) {
	st := s.chunkStates[index]
	st.Status = types.ChunkGenerating

	if o.pool == nil {
		o.generateNow(s, index)
		return
	}

	epoch := s.epoch
	job := &queue.Job{
		SessionID: o.cfg.SessionID,
		Segment:   s.segments[index],
		Voice:     s.voice,
		Speed:     s.speed,
		Ctx:       s.ctx,
		Report: func(res *types.AudioResource, err error) {
			o.deliver(chunkResult{epoch: epoch, index: index, res: res, err: err})
		},
	}
	if !o.pool.TryEnqueue(job) {
		st.Status = types.ChunkPending
	}
}

// deliver is the single intake point for background results
func (o *Orchestrator) deliver(r chunkResult) {
	select {
	case o.results <- r:
	case <-o.ctx.Done():
		o.discard(r)
	}
}

func (o *Orchestrator) handleResult(r chunkResult) {
	s := o.session
	if s == nil || r.epoch != s.epoch {
		o.discard(r)
		return
	}

	if r.err == nil && r.res == nil {
		r.err = errors.New("generator returned no audio")
	}

	st := s.chunkStates[r.index]
	waiting := r.index == s.currentIndex &&
		(s.state == types.StateLoadingFirstChunk || s.state == types.StateTransitioning)

	if r.err != nil {
		st.Status = types.ChunkFailed
		st.Err = r.err
		if s.ctx.Err() != nil {
			return
		}
		if waiting {
			o.fail(fmt.Sprintf("chunk %d: %v", r.index, r.err))
			return
		}
		log.Printf("Player: prefetch of chunk %d failed, retrying when playback reaches it: %v", r.index, r.err)
		return
	}

	st.Status = types.ChunkReady
	st.Resource = r.res
	st.Err = nil
	o.adopt(s, r.index, r.res)

	if waiting {
		o.loadCurrent()
	}
}

func (o *Orchestrator) loadCurrent() {
	s := o.session
	idx := s.currentIndex
	res := s.chunkStates[idx].Resource

	if s.loaded {
		o.releaseCurrent()
		s.chunkStates[idx].Resource = res
		if res.Cached {
			o.pin(s, idx, res.Key)
		}
	}

	if err := o.out.Load(res); err != nil {
		s.chunkStates[idx].Status = types.ChunkFailed
		s.chunkStates[idx].Err = err
		o.unpin(s, idx)
		o.fail(fmt.Sprintf("chunk %d: load: %v", idx, err))
		return
	}

	s.loaded = true
	s.position = 0
	s.duration = o.out.Duration()
	s.durations[idx] = s.duration
	if s.rate != 1 {
		if err := o.out.SetRate(s.rate); err != nil {
			log.Printf("Player: set rate failed: %v", err)
		}
	}

	o.emit(Event{Type: EventChunk, State: s.state, Index: idx, Total: len(s.segments)})

	if s.wantPlay {
		o.play()
	} else {
		o.setState(types.StatePaused)
	}
	o.evaluatePrefetch()
}

func (o *Orchestrator) play() {
	if err := o.out.Play(); err != nil {
		o.fail(fmt.Sprintf("chunk %d: play: %v", o.session.currentIndex, err))
		return
	}
	o.startPolling()
	o.setState(types.StatePlaying)
}

func (o *Orchestrator) handleChunkEnd() {
	s := o.session
	idx := s.currentIndex

	s.position = s.duration
	o.emitProgress()
	o.releaseCurrent()

	if idx+1 >= len(s.segments) {
		o.stopPolling()
		o.setState(types.StateCompleted)
		if !s.completed {
			s.completed = true
			log.Printf("Player: all %d chunks played", len(s.segments))
			o.emit(Event{Type: EventComplete, State: s.state, Index: idx, Total: len(s.segments)})
		}
		return
	}

	s.currentIndex++
	s.position = 0
	s.duration = 0
	o.setState(types.StateTransitioning)
	o.requestCurrent()
}

// releaseCurrent unloads the playing chunk; cached bytes stay on disk
func (o *Orchestrator) releaseCurrent() {
	s := o.session
	if !s.loaded {
		return
	}
	if err := o.out.Release(); err != nil {
		log.Printf("Player: release failed: %v", err)
	}
	s.loaded = false
	o.unpin(s, s.currentIndex)
	// resources can be shared with other sessions; drop our reference only
	s.chunkStates[s.currentIndex].Resource = nil
}

func (o *Orchestrator) seekTo(pos time.Duration) {
	s := o.session
	if pos < 0 {
		pos = 0
	}
	if pos > s.duration {
		pos = s.duration
	}
	if err := o.out.Seek(pos); err != nil {
		log.Printf("Player: seek failed: %v", err)
		return
	}
	s.position = pos
	o.emitProgress()
	o.evaluatePrefetch()
}

func (o *Orchestrator) poll() {
	s := o.session
	if s == nil || s.state != types.StatePlaying || !s.loaded {
		return
	}
	s.position = o.out.Position()
	o.emitProgress()
	o.evaluatePrefetch()
}

func (o *Orchestrator) evaluatePrefetch() {
	s := o.session
	if s == nil || !s.loaded {
		return
	}
	for _, idx := range o.cfg.Prefetch.OnPositionUpdate(s.currentIndex, s.position, s.duration, len(s.segments), s.chunkStates) {
		o.prefetch(s, idx)
	}
}

func (o *Orchestrator) fail(msg string) {
	s := o.session
	log.Printf("Player: %s", msg)
	s.errMsg = msg
	o.stopPolling()
	o.setState(types.StateError)
	o.emit(Event{Type: EventError, State: s.state, Index: s.currentIndex, Total: len(s.segments), Message: msg})
}

// teardown cancels in-flight work and releases the loaded chunk
func (o *Orchestrator) teardown() {
	s := o.session
	if s == nil {
		return
	}
	s.cancel()
	o.stopPolling()
	o.releaseCurrent()
	for idx := range s.pinned {
		o.unpin(s, idx)
	}
	o.session = nil
}

// adopt takes over the pin a generated resource arrived with, or pins it
func (o *Orchestrator) adopt(s *session, idx int, res *types.AudioResource) {
	if !res.Cached || o.pins == nil {
		return
	}
	if _, ok := s.pinned[idx]; ok {
		if res.Pinned {
			o.pins.Unpin(res.Key)
		}
		return
	}
	if !res.Pinned {
		o.pins.Pin(res.Key)
	}
	s.pinned[idx] = res.Key
}

// discard drops a result nobody will use, releasing its pin
func (o *Orchestrator) discard(r chunkResult) {
	if r.res != nil && r.res.Pinned && o.pins != nil {
		o.pins.Unpin(r.res.Key)
	}
}

func (o *Orchestrator) pin(s *session, idx int, key types.GenerationKey) {
	if o.pins == nil {
		return
	}
	if _, ok := s.pinned[idx]; ok {
		return
	}
	o.pins.Pin(key)
	s.pinned[idx] = key
}

func (o *Orchestrator) unpin(s *session, idx int) {
	key, ok := s.pinned[idx]
	if !ok {
		return
	}
	o.pins.Unpin(key)
	delete(s.pinned, idx)
}

func (o *Orchestrator) startPolling() {
	if o.ticker == nil {
		o.ticker = time.NewTicker(o.cfg.PollInterval)
	}
}

func (o *Orchestrator) stopPolling() {
	if o.ticker != nil {
		o.ticker.Stop()
		o.ticker = nil
	}
}

func (o *Orchestrator) setState(st types.PlaybackState) {
	s := o.session
	if s.state == st {
		return
	}
	s.state = st
	o.emit(Event{Type: EventState, State: st, Index: s.currentIndex, Total: len(s.segments)})
}

func (o *Orchestrator) emitProgress() {
	s := o.session
	pct, pos := s.progress()
	o.emit(Event{
		Type:     EventProgress,
		State:    s.state,
		Index:    s.currentIndex,
		Total:    len(s.segments),
		Percent:  pct,
		Position: pos,
	})
}

func (o *Orchestrator) emit(ev Event) {
	o.listenersMu.Lock()
	ls := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		ls = append(ls, l)
	}
	o.listenersMu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

func (o *Orchestrator) status() Status {
	s := o.session
	if s == nil {
		return Status{State: types.StateIdle}
	}

	pct, pos := s.progress()
	st := Status{
		State:           s.state,
		CurrentIndex:    s.currentIndex,
		TotalChunks:     len(s.segments),
		Percent:         pct,
		PositionSeconds: pos,
		ChunkPosition:   s.position.Seconds(),
		ChunkDuration:   s.duration.Seconds(),
		Speed:           s.speed,
		Rate:            s.rate,
		Error:           s.errMsg,
		Chunks:          make([]string, len(s.segments)),
	}
	for i := range s.segments {
		st.Chunks[i] = s.chunkStates[i].Status.String()
	}
	return st
}

// progress returns overall percent and seconds listened across chunks
func (s *session) progress() (float64, float64) {
	var before time.Duration
	for i := 0; i < s.currentIndex; i++ {
		before += s.durations[i]
	}

	frac := 0.0
	if s.duration > 0 {
		frac = float64(s.position) / float64(s.duration)
	}
	pct := (float64(s.currentIndex) + frac) / float64(len(s.segments)) * 100

	return pct, (before + s.position).Seconds()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
