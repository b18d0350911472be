package player

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/cache"
	"github.com/codebuildervaibhav/narration-stream/internal/generation"
	"github.com/codebuildervaibhav/narration-stream/internal/queue"
	"github.com/codebuildervaibhav/narration-stream/internal/storage"
	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

const fourSentences = "Alpha one. Bravo two. Charlie three. Delta four."

// fakeOutput is driven by the test: position is set by hand and
// finish() ends the loaded chunk.
type fakeOutput struct {
	mu         sync.Mutex
	loaded     *types.AudioResource
	loads      []string
	playing    bool
	pos        time.Duration
	rate       float64
	finished   chan struct{}
	ended      bool
	doubleLoad bool
	releases   int
}

func (f *fakeOutput) Load(res *types.AudioResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded != nil {
		f.doubleLoad = true
		return ErrAlreadyLoaded
	}
	f.loaded = res
	f.loads = append(f.loads, res.URI)
	f.pos = 0
	f.finished = make(chan struct{})
	f.ended = false
	return nil
}

func (f *fakeOutput) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	return nil
}

func (f *fakeOutput) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	return nil
}

func (f *fakeOutput) Seek(pos time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = pos
	return nil
}

func (f *fakeOutput) SetRate(rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
	return nil
}

func (f *fakeOutput) Position() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeOutput) Duration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded == nil {
		return 0
	}
	return f.loaded.Duration
}

func (f *fakeOutput) Finished() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func (f *fakeOutput) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = nil
	f.playing = false
	f.finished = nil
	f.releases++
	return nil
}

func (f *fakeOutput) setPosition(pos time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = pos
}

func (f *fakeOutput) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished != nil && !f.ended {
		f.ended = true
		close(f.finished)
	}
}

func (f *fakeOutput) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded == nil {
		return ""
	}
	return f.loaded.URI
}

func (f *fakeOutput) isPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    []int
	failures map[int]int
	gates    map[int]chan struct{}
	duration time.Duration
	cached   bool
	ctxs     []context.Context

	// pins, when set, is pinned on behalf of the caller like the real client does
	pins *fakePins
	// lingering ignores cancellation while gated
	lingering bool
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		failures: make(map[int]int),
		gates:    make(map[int]chan struct{}),
		duration: 100 * time.Second,
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, seg types.TextSegment, voice string, speed float64) (*types.AudioResource, error) {
	g.mu.Lock()
	g.calls = append(g.calls, seg.Index)
	g.ctxs = append(g.ctxs, ctx)
	fail := g.failures[seg.Index] > 0
	if fail {
		g.failures[seg.Index]--
	}
	gate := g.gates[seg.Index]
	g.mu.Unlock()

	switch {
	case gate == nil:
	case g.lingering:
		<-gate
	default:
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, types.NewError(types.KindPermanent, "fetch", errors.New("voice not found"))
	}
	res := &types.AudioResource{
		Key:      types.NewGenerationKey(seg.Text, voice, speed),
		URI:      fmt.Sprintf("chunk-%d", seg.Index),
		Duration: g.duration,
		Cached:   g.cached,
	}
	if g.cached && g.pins != nil {
		g.pins.Pin(res.Key)
		res.Pinned = true
	}
	return res, nil
}

func (g *fakeGenerator) callsFor(index int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == index {
			n++
		}
	}
	return n
}

type fakePins struct {
	mu     sync.Mutex
	counts map[types.GenerationKey]int
}

func (p *fakePins) Pin(key types.GenerationKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[key]++
}

func (p *fakePins) Unpin(key types.GenerationKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[key]--
}

func (p *fakePins) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.counts {
		n += c
	}
	return n
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) of(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) sawState(st types.PlaybackState) bool {
	for _, ev := range l.of(EventState) {
		if ev.State == st {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxChunkChars = 15
	cfg.PollInterval = 2 * time.Millisecond
	return cfg
}

func newTestPlayer(t *testing.T, gen *fakeGenerator, pins Pinner) (*Orchestrator, *fakeOutput, *eventLog) {
	t.Helper()
	out := &fakeOutput{}
	o := New(testConfig(), gen, nil, pins, out)
	events := &eventLog{}
	o.Subscribe(events.record)
	t.Cleanup(o.Close)
	return o, out, events
}

func stateOf(t *testing.T, o *Orchestrator) types.PlaybackState {
	t.Helper()
	st, err := o.Status()
	if err != nil {
		t.Fatal(err)
	}
	return st.State
}

func playingChunk(t *testing.T, o *Orchestrator, out *fakeOutput, index int) {
	t.Helper()
	want := fmt.Sprintf("chunk-%d", index)
	waitFor(t, want+" playing", func() bool {
		return out.current() == want && stateOf(t, o) == types.StatePlaying
	})
}

func TestPlaysAllChunksInOrder(t *testing.T) {
	gen := newFakeGenerator()
	o, out, events := newTestPlayer(t, gen, nil)

	n, err := o.Start(fourSentences, "alloy", 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("chunks = %d, want 4", n)
	}

	for i := 0; i < 4; i++ {
		playingChunk(t, o, out, i)
		out.finish()
	}
	waitFor(t, "completion", func() bool { return stateOf(t, o) == types.StateCompleted })

	var order []int
	for _, ev := range events.of(EventChunk) {
		order = append(order, ev.Index)
	}
	if !reflect.DeepEqual(order, []int{0, 1, 2, 3}) {
		t.Errorf("chunk order = %v", order)
	}

	time.Sleep(20 * time.Millisecond)
	if got := len(events.of(EventComplete)); got != 1 {
		t.Errorf("complete fired %d times, want 1", got)
	}
	if out.doubleLoad {
		t.Error("two chunks were loaded at once")
	}
	if !reflect.DeepEqual(out.loads, []string{"chunk-0", "chunk-1", "chunk-2", "chunk-3"}) {
		t.Errorf("loads = %v", out.loads)
	}
}

func TestPrefetchStartsAtNinetyPercent(t *testing.T) {
	gen := newFakeGenerator()
	o, out, events := newTestPlayer(t, gen, nil)

	if _, err := o.Start(fourSentences, "alloy", 1, true); err != nil {
		t.Fatal(err)
	}
	playingChunk(t, o, out, 0)

	out.setPosition(50 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if gen.callsFor(1) != 0 {
		t.Fatal("chunk 1 requested before 90%")
	}

	out.setPosition(90 * time.Second)
	waitFor(t, "prefetch of chunk 1", func() bool { return gen.callsFor(1) == 1 })
	waitFor(t, "chunk 1 ready", func() bool {
		st, _ := o.Status()
		return st.Chunks[1] == "ready"
	})

	out.finish()
	playingChunk(t, o, out, 1)
	if gen.callsFor(1) != 1 {
		t.Errorf("chunk 1 generated %d times, want 1", gen.callsFor(1))
	}

	// chunk 2 was never prefetched, so the transition generates it on demand
	out.finish()
	playingChunk(t, o, out, 2)
	if gen.callsFor(2) != 1 {
		t.Errorf("chunk 2 generated %d times, want 1", gen.callsFor(2))
	}
	if !events.sawState(types.StateTransitioning) {
		t.Error("expected a transitioning state")
	}

	var progressed bool
	for _, ev := range events.of(EventProgress) {
		if ev.Index == 0 && ev.Percent >= 22 && ev.Percent <= 23 {
			progressed = true
		}
	}
	if !progressed {
		t.Error("expected a progress event near 22.5%")
	}
}

func TestFailedPrefetchRetriedOnArrival(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[1] = 1
	o, out, _ := newTestPlayer(t, gen, nil)

	o.Start(fourSentences, "alloy", 1, true)
	playingChunk(t, o, out, 0)

	out.setPosition(95 * time.Second)
	waitFor(t, "failed prefetch", func() bool {
		st, _ := o.Status()
		return st.Chunks[1] == "failed"
	})
	if stateOf(t, o) != types.StatePlaying {
		t.Fatal("a failed prefetch must not interrupt playback")
	}

	out.finish()
	playingChunk(t, o, out, 1)
	if gen.callsFor(1) != 2 {
		t.Errorf("chunk 1 generated %d times, want 2", gen.callsFor(1))
	}
}

func TestFirstChunkFailure(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures[0] = 1
	o, out, events := newTestPlayer(t, gen, nil)

	o.Start(fourSentences, "alloy", 1, true)
	waitFor(t, "error state", func() bool { return stateOf(t, o) == types.StateError })

	if errs := events.of(EventError); len(errs) != 1 || errs[0].Index != 0 {
		t.Fatalf("error events = %+v", errs)
	}
	if out.current() != "" {
		t.Error("nothing should be loaded")
	}

	// resuming from an error retries the chunk
	o.Resume()
	playingChunk(t, o, out, 0)
}

func TestChunkingErrorReturnedImmediately(t *testing.T) {
	o, _, _ := newTestPlayer(t, newFakeGenerator(), nil)

	_, err := o.Start("   ", "alloy", 1, true)
	if types.KindOf(err) != types.KindChunking {
		t.Fatalf("err = %v, want chunking error", err)
	}
	if stateOf(t, o) != types.StateIdle {
		t.Error("state should stay idle")
	}
}

func TestPauseResumeSeek(t *testing.T) {
	gen := newFakeGenerator()
	o, out, _ := newTestPlayer(t, gen, nil)

	o.Start(fourSentences, "alloy", 1, true)
	playingChunk(t, o, out, 0)

	o.Pause()
	waitFor(t, "paused", func() bool { return stateOf(t, o) == types.StatePaused })
	if out.isPlaying() {
		t.Error("output still playing")
	}

	o.Seek(0.25)
	waitFor(t, "seek", func() bool { return out.Position() == 25*time.Second })

	o.SkipForward()
	waitFor(t, "skip forward", func() bool { return out.Position() == 40*time.Second })

	o.SkipBackward()
	o.SkipBackward()
	o.SkipBackward()
	waitFor(t, "skip backward clamps", func() bool { return out.Position() == 0 })

	o.Seek(3)
	waitFor(t, "seek clamps", func() bool { return out.Position() == 100*time.Second })

	o.Resume()
	waitFor(t, "resumed", func() bool { return stateOf(t, o) == types.StatePlaying && out.isPlaying() })
}

func TestStartPausedWaitsForResume(t *testing.T) {
	gen := newFakeGenerator()
	o, out, _ := newTestPlayer(t, gen, nil)

	o.Start(fourSentences, "alloy", 1, false)
	waitFor(t, "paused on chunk 0", func() bool {
		return out.current() == "chunk-0" && stateOf(t, o) == types.StatePaused
	})
	if out.isPlaying() {
		t.Error("should not autoplay")
	}

	o.Resume()
	playingChunk(t, o, out, 0)
}

func TestSetSpeedChangesRate(t *testing.T) {
	gen := newFakeGenerator()
	o, out, _ := newTestPlayer(t, gen, nil)

	o.Start(fourSentences, "alloy", 1, true)
	playingChunk(t, o, out, 0)

	o.SetSpeed(1.5)
	waitFor(t, "rate", func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return out.rate == 1.5
	})

	// the next chunk keeps the chosen rate
	out.finish()
	playingChunk(t, o, out, 1)
	st, _ := o.Status()
	if st.Rate != 1.5 || st.Speed != 1 {
		t.Errorf("rate=%v speed=%v", st.Rate, st.Speed)
	}
}

func TestCloseCancelsInFlightGeneration(t *testing.T) {
	gen := newFakeGenerator()
	gen.gates[0] = make(chan struct{})
	out := &fakeOutput{}
	o := New(testConfig(), gen, nil, nil, out)

	o.Start(fourSentences, "alloy", 1, true)
	waitFor(t, "generation started", func() bool { return gen.callsFor(0) == 1 })

	o.Close()

	gen.mu.Lock()
	ctx := gen.ctxs[0]
	gen.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("generation context not canceled")
	}

	if err := o.Pause(); !errors.Is(err, ErrClosed) {
		t.Errorf("pause after close: %v", err)
	}
}

func TestStopReleasesPlayback(t *testing.T) {
	gen := newFakeGenerator()
	gen.cached = true
	pins := &fakePins{counts: make(map[types.GenerationKey]int)}
	o, out, _ := newTestPlayer(t, gen, pins)

	o.Start(fourSentences, "alloy", 1, true)
	playingChunk(t, o, out, 0)
	out.setPosition(95 * time.Second)
	waitFor(t, "prefetch", func() bool { return pins.outstanding() == 2 })

	o.Stop()
	waitFor(t, "idle", func() bool { return stateOf(t, o) == types.StateIdle })
	if out.current() != "" {
		t.Error("output still loaded")
	}
	if n := pins.outstanding(); n != 0 {
		t.Errorf("%d pins leaked", n)
	}
}

func TestPinsBalancedAfterCompletion(t *testing.T) {
	gen := newFakeGenerator()
	gen.cached = true
	pins := &fakePins{counts: make(map[types.GenerationKey]int)}
	o, out, _ := newTestPlayer(t, gen, pins)

	o.Start(fourSentences, "alloy", 1, true)
	for i := 0; i < 4; i++ {
		playingChunk(t, o, out, i)
		out.setPosition(95 * time.Second)
		if i < 3 {
			next := i + 1
			waitFor(t, "prefetch", func() bool { return gen.callsFor(next) == 1 })
		}
		out.finish()
	}
	waitFor(t, "completion", func() bool { return stateOf(t, o) == types.StateCompleted })
	if n := pins.outstanding(); n != 0 {
		t.Errorf("%d pins leaked", n)
	}
}

func TestPrefetchThroughWorkerPool(t *testing.T) {
	gen := newFakeGenerator()
	pool := queue.NewWorkerPool(2, 4, gen)
	pool.Start()
	defer pool.Stop()

	out := &fakeOutput{}
	o := New(testConfig(), gen, pool, nil, out)
	defer o.Close()

	o.Start(fourSentences, "alloy", 1, true)
	playingChunk(t, o, out, 0)
	out.setPosition(99 * time.Second)
	waitFor(t, "pooled prefetch", func() bool {
		st, _ := o.Status()
		return st.Chunks[1] == "ready"
	})
	out.finish()
	playingChunk(t, o, out, 1)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(func(id string) *Orchestrator {
		return New(testConfig(), newFakeGenerator(), nil, nil, &fakeOutput{})
	})

	id, o := reg.Create()
	if got, ok := reg.Get(id); !ok || got != o {
		t.Fatal("created player not found")
	}
	if reg.Len() != 1 {
		t.Errorf("len = %d", reg.Len())
	}

	if !reg.Remove(id) {
		t.Fatal("remove failed")
	}
	if reg.Remove(id) {
		t.Error("second remove should report false")
	}
	if err := o.Resume(); !errors.Is(err, ErrClosed) {
		t.Errorf("removed player still open: %v", err)
	}

	reg.Create()
	reg.CloseAll()
	if reg.Len() != 0 {
		t.Error("CloseAll left players behind")
	}
}

func TestPinnedResultsAdoptedOrReleased(t *testing.T) {
	pins := &fakePins{counts: make(map[types.GenerationKey]int)}
	gen := newFakeGenerator()
	gen.cached = true
	gen.pins = pins
	gen.lingering = true
	gate := make(chan struct{})
	gen.gates[0] = gate
	o, out, _ := newTestPlayer(t, gen, pins)

	o.Start(fourSentences, "alloy", 1, true)
	waitFor(t, "first request", func() bool { return gen.callsFor(0) == 1 })
	o.Start(fourSentences, "alloy", 1, true)
	waitFor(t, "second request", func() bool { return gen.callsFor(0) == 2 })
	close(gate)

	playingChunk(t, o, out, 0)
	// the superseded session's result gives its pin back; the live one keeps exactly one
	waitFor(t, "one pin held", func() bool { return pins.outstanding() == 1 })

	o.Stop()
	waitFor(t, "idle", func() bool { return stateOf(t, o) == types.StateIdle })
	if n := pins.outstanding(); n != 0 {
		t.Errorf("%d pins leaked", n)
	}
}

// recordingPool runs jobs inline and remembers which session queued them
type recordingPool struct {
	mu       sync.Mutex
	sessions []string
	gen      Generator
}

func (p *recordingPool) TryEnqueue(job *queue.Job) bool {
	p.mu.Lock()
	p.sessions = append(p.sessions, job.SessionID)
	p.mu.Unlock()

	go func() {
		res, err := p.gen.Generate(job.Ctx, job.Segment, job.Voice, job.Speed)
		job.Report(res, err)
	}()
	return true
}

func (p *recordingPool) queued() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sessions...)
}

func TestPrefetchJobsCarrySessionID(t *testing.T) {
	gen := newFakeGenerator()
	pool := &recordingPool{gen: gen}
	out := &fakeOutput{}
	reg := NewRegistry(func(id string) *Orchestrator {
		cfg := testConfig()
		cfg.SessionID = id
		return New(cfg, gen, pool, nil, out)
	})
	defer reg.CloseAll()

	id, o := reg.Create()
	o.Start(fourSentences, "alloy", 1, true)
	playingChunk(t, o, out, 0)
	out.setPosition(95 * time.Second)
	waitFor(t, "prefetch job", func() bool { return len(pool.queued()) > 0 })

	for _, got := range pool.queued() {
		if got != id {
			t.Errorf("job session = %q, want %q", got, id)
		}
	}
}

// slowBackend holds every request until released
type slowBackend struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *slowBackend) FetchAudio(ctx context.Context, text, voice string, speed float64) (*generation.FetchResult, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &generation.FetchResult{Data: []byte("audio:" + text), Format: "mp3", Duration: 100 * time.Second}, nil
}

func newCacheStore(t *testing.T) *cache.Store {
	t.Helper()
	dir := t.TempDir()
	files, err := storage.NewLocalStorage(filepath.Join(dir, "audio"), filepath.Join(dir, "tmp"))
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	index, err := storage.NewMetadataDB(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("NewMetadataDB: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	store, err := cache.NewStore(files, index, 1<<20)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestRestartSameTranscriptSharesGeneration(t *testing.T) {
	store := newCacheStore(t)
	backend := &slowBackend{release: make(chan struct{})}
	client := generation.NewClient(backend, store, generation.Options{RetryBackoff: time.Millisecond})

	out := &fakeOutput{}
	o := New(testConfig(), client, nil, store, out)
	events := &eventLog{}
	o.Subscribe(events.record)
	t.Cleanup(o.Close)

	o.Start(fourSentences, "alloy", 1, true)
	waitFor(t, "first request", func() bool { return backend.calls.Load() == 1 })
	time.Sleep(10 * time.Millisecond)
	o.Start(fourSentences, "alloy", 1, true)
	time.Sleep(10 * time.Millisecond)
	close(backend.release)

	waitFor(t, "chunk 0 playing", func() bool {
		return out.current() != "" && stateOf(t, o) == types.StatePlaying
	})
	if events.sawState(types.StateError) {
		st, _ := o.Status()
		t.Fatalf("restart failed: %s", st.Error)
	}

	o.Stop()
	waitFor(t, "idle", func() bool { return stateOf(t, o) == types.StateIdle })
	for _, e := range store.Entries() {
		if store.IsPinned(e.Key) {
			t.Errorf("%s still pinned after stop", e.Key)
		}
	}
}
