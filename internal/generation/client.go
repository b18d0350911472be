package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codebuildervaibhav/narration-stream/internal/cache"
	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// FetchResult is what the backend returns for one segment
type FetchResult struct {
	Data      []byte
	RemoteRef string
	Format    string
	Duration  time.Duration
}

// Fetcher is the outbound backend contract: text in, audio out
type Fetcher interface {
	FetchAudio(ctx context.Context, text, voice string, speed float64) (*FetchResult, error)
}

// Cache is the read-through store used by the client. Acquire and a
// Put with meta.Pin both return the entry already pinned.
type Cache interface {
	Acquire(key types.GenerationKey) (types.CacheEntry, bool)
	Put(key types.GenerationKey, data []byte, meta cache.PutMeta) (types.CacheEntry, error)
	Unpin(key types.GenerationKey)
}

// Mirror copies generated audio to durable remote storage
type Mirror interface {
	Mirror(ctx context.Context, name, format string, data []byte) (string, error)
}

// Options tunes the client
type Options struct {
	RetryBackoff time.Duration
	Quality      string
	Mirror       Mirror
}

// Client turns segments into playable audio, deduplicating identical
// in-flight requests and writing results through to the cache.
type Client struct {
	fetcher Fetcher
	cache   Cache
	opts    Options
	group   singleflight.Group

	mu      sync.Mutex
	flights map[types.GenerationKey]*flight
}

// flight is the shared context of one deduplicated request. It is
// canceled only once every caller waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
	pinned  bool
}

type outcome struct {
	res    *types.AudioResource
	flight *flight
}

// NewClient creates a new generation client
func NewClient(fetcher Fetcher, store Cache, opts Options) *Client {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Client{
		fetcher: fetcher,
		cache:   store,
		opts:    opts,
		flights: make(map[types.GenerationKey]*flight),
	}
}

// Generate returns audio for seg. Concurrent calls with the same
// GenerationKey share one backend request, which keeps running while
// any caller still waits on it. A cached result carries a pin owned
// by the caller (Pinned is set); release it with the cache's Unpin.
func (c *Client) Generate(ctx context.Context, seg types.TextSegment, voice string, speed float64) (*types.AudioResource, error) {
	if strings.TrimSpace(seg.Text) == "" {
		return nil, types.NewError(types.KindPermanent, "generate", fmt.Errorf("segment %d is empty", seg.Index))
	}

	key := types.NewGenerationKey(seg.Text, voice, speed)

	for {
		if entry, ok := c.cache.Acquire(key); ok {
			res := resourceFromEntry(entry)
			res.Pinned = true
			return res, nil
		}

		f := c.join(ctx, key)
		ch := c.group.DoChan(string(key), func() (interface{}, error) {
			res, err := c.fetchAndStore(f, key, seg, voice, speed)
			return &outcome{res: res, flight: f}, err
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			c.leave(key, f)
			return nil, ctx.Err()
		case r = <-ch:
		}

		out := r.Val.(*outcome)
		if r.Err != nil {
			c.leave(key, f)
			// joined a flight whose own callers all left; ours is still live
			if out.flight.ctx.Err() != nil && ctx.Err() == nil {
				continue
			}
			return nil, r.Err
		}

		res := *out.res
		if res.Cached {
			if _, ok := c.cache.Acquire(key); !ok {
				// evicted before we could pin it
				c.leave(key, f)
				continue
			}
			res.Pinned = true
		}
		c.leave(key, f)
		return &res, nil
	}
}

// join registers the caller on the flight for key, creating it if needed
func (c *Client) join(ctx context.Context, key types.GenerationKey) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops the caller; the last one out cancels the flight and
// releases the pin it held for its waiters
func (c *Client) leave(key types.GenerationKey, f *flight) {
	c.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	pinned := last && f.pinned
	if last {
		f.pinned = false
		if c.flights[key] == f {
			delete(c.flights, key)
		}
	}
	c.mu.Unlock()

	if !last {
		return
	}
	f.cancel()
	if pinned {
		c.cache.Unpin(key)
	}
}

func (c *Client) fetchAndStore(f *flight, key types.GenerationKey, seg types.TextSegment, voice string, speed float64) (*types.AudioResource, error) {
	ctx := f.ctx

	// A concurrent caller may have finished between our miss and this flight
	if entry, ok := c.cache.Acquire(key); ok {
		c.holdFor(f, key)
		return resourceFromEntry(entry), nil
	}

	result, err := c.fetchWithRetry(ctx, seg, voice, speed)
	if err != nil {
		return nil, err
	}

	if result.RemoteRef == "" && c.opts.Mirror != nil {
		ref, err := c.opts.Mirror.Mirror(ctx, string(key), result.Format, result.Data)
		if err != nil {
			log.Printf("Generation: mirror upload failed for segment %d: %v", seg.Index, err)
		} else {
			result.RemoteRef = ref
		}
	}

	entry, err := c.cache.Put(key, result.Data, cache.PutMeta{
		RemoteSourceRef: result.RemoteRef,
		Quality:         c.opts.Quality,
		Format:          result.Format,
		Duration:        result.Duration,
		Pin:             true,
	})
	if err != nil {
		if !errors.Is(err, cache.ErrNotCached) {
			log.Printf("Generation: caching segment %d failed, playing from memory: %v", seg.Index, err)
		}
		return &types.AudioResource{
			Key:       key,
			URI:       result.RemoteRef,
			Data:      result.Data,
			SizeBytes: int64(len(result.Data)),
			Format:    result.Format,
			Duration:  result.Duration,
		}, nil
	}
	c.holdFor(f, key)

	return resourceFromEntry(entry), nil
}

// holdFor hands the pin just taken to the flight, which keeps the entry
// alive until every waiter has pinned it for itself
func (c *Client) holdFor(f *flight, key types.GenerationKey) {
	c.mu.Lock()
	if f.waiters > 0 {
		f.pinned = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.cache.Unpin(key)
}

// fetchWithRetry makes one attempt plus a single retry on transient failure
func (c *Client) fetchWithRetry(ctx context.Context, seg types.TextSegment, voice string, speed float64) (*FetchResult, error) {
	result, err := c.fetcher.FetchAudio(ctx, seg.Text, voice, speed)
	if err == nil {
		return result, nil
	}
	if !types.IsTransient(err) {
		return nil, asPermanent(err)
	}

	log.Printf("Generation: segment %d failed transiently, retrying in %s: %v", seg.Index, c.opts.RetryBackoff, err)

	timer := time.NewTimer(c.opts.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	result, err = c.fetcher.FetchAudio(ctx, seg.Text, voice, speed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if types.KindOf(err) == types.KindUnknown {
			err = types.NewError(types.KindTransient, "fetch audio", err)
		}
		return nil, err
	}
	return result, nil
}

func asPermanent(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if types.KindOf(err) == types.KindUnknown {
		return types.NewError(types.KindPermanent, "fetch audio", err)
	}
	return err
}

func resourceFromEntry(entry types.CacheEntry) *types.AudioResource {
	return &types.AudioResource{
		Key:       entry.Key,
		URI:       entry.LocalPath,
		SizeBytes: entry.SizeBytes,
		Format:    entry.Format,
		Duration:  entry.Duration,
		Cached:    true,
	}
}
