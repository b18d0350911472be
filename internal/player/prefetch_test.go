package player

import (
	"reflect"
	"testing"
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

func pendingStates(n int) map[int]*types.ChunkState {
	states := make(map[int]*types.ChunkState, n)
	for i := 0; i < n; i++ {
		states[i] = &types.ChunkState{Status: types.ChunkPending}
	}
	return states
}

func TestPrefetchTriggers(t *testing.T) {
	p := DefaultPrefetcher()
	dur := 100 * time.Second

	tests := []struct {
		name string
		pos  time.Duration
		want bool
	}{
		{"start", 0, false},
		{"half", 50 * time.Second, false},
		{"just before ratio", 89 * time.Second, false},
		{"ratio", 90 * time.Second, true},
		{"end", 100 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Due(tt.pos, dur); got != tt.want {
				t.Errorf("Due(%v) = %v, want %v", tt.pos, got, tt.want)
			}
		})
	}
}

func TestPrefetchLeadTimeOnShortChunk(t *testing.T) {
	p := DefaultPrefetcher()
	// 6s chunk: 5s remaining is reached at 1s, long before 90%
	if !p.Due(time.Second, 6*time.Second) {
		t.Error("expected lead time to trigger")
	}
	if p.Due(0, 0) {
		t.Error("unknown duration should never trigger")
	}
}

func TestOnPositionUpdateSelectsPendingOnly(t *testing.T) {
	p := Prefetcher{BufferCount: 2, LeadTime: 0, Ratio: 0.9}
	states := pendingStates(4)

	got := p.OnPositionUpdate(0, 95*time.Second, 100*time.Second, 4, states)
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("targets = %v, want [1 2]", got)
	}

	states[1].Status = types.ChunkGenerating
	states[2].Status = types.ChunkReady
	if got := p.OnPositionUpdate(0, 95*time.Second, 100*time.Second, 4, states); len(got) != 0 {
		t.Errorf("targets = %v, want none", got)
	}

	states[1].Status = types.ChunkFailed
	if got := p.OnPositionUpdate(0, 95*time.Second, 100*time.Second, 4, states); len(got) != 0 {
		t.Errorf("failed chunks wait for playback, got %v", got)
	}
}

func TestOnPositionUpdateLastChunk(t *testing.T) {
	p := DefaultPrefetcher()
	if got := p.OnPositionUpdate(3, 99*time.Second, 100*time.Second, 4, pendingStates(4)); len(got) != 0 {
		t.Errorf("nothing follows the last chunk, got %v", got)
	}
	if got := p.OnPositionUpdate(0, 10*time.Second, 100*time.Second, 4, pendingStates(4)); len(got) != 0 {
		t.Errorf("too early, got %v", got)
	}
}
