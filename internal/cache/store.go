package cache

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// EvictionFloor is the minimum share of the quota freed by one eviction run
const EvictionFloor = 0.3

var (
	// ErrNotCached means the bytes were not stored; the caller keeps its in-memory copy
	ErrNotCached = errors.New("audio not cached")
	// ErrPinned means the entry is in use by playback
	ErrPinned = errors.New("cache entry is pinned")
)

// FileSystem is the disk capability the store needs
type FileSystem interface {
	Path(name string) string
	WriteFile(path string, data []byte) error
	DeleteFile(path string) error
	Exists(path string) bool
	DirSize() (int64, error)
}

// Index persists entry records across restarts
type Index interface {
	SaveEntry(entry types.CacheEntry) error
	TouchEntry(key types.GenerationKey, at time.Time) error
	DeleteEntry(key types.GenerationKey) error
	ListEntries() ([]types.CacheEntry, error)
}

// PutMeta describes audio being cached
type PutMeta struct {
	RemoteSourceRef string
	Quality         string
	Format          string
	Duration        time.Duration

	// Pin takes a pin on the stored entry before the lock is released
	Pin bool
}

// Store is a size-bounded audio cache with LRU eviction.
// Every method is safe for concurrent use; mutations are serialized.
type Store struct {
	mu         sync.RWMutex
	files      FileSystem
	index      Index
	maxBytes   int64
	entries    map[types.GenerationKey]*types.CacheEntry
	pins       map[types.GenerationKey]int
	totalBytes int64
	now        func() time.Time
}

// NewStore loads the index, drops records whose file is gone, and
// evicts down to maxBytes if the quota shrank since the last run.
func NewStore(files FileSystem, index Index, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache quota must be positive, got %d", maxBytes)
	}

	s := &Store{
		files:    files,
		index:    index,
		maxBytes: maxBytes,
		entries:  make(map[types.GenerationKey]*types.CacheEntry),
		pins:     make(map[types.GenerationKey]int),
		now:      time.Now,
	}

	records, err := index.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}

	var missing int
	for _, rec := range records {
		if !files.Exists(rec.LocalPath) {
			missing++
			if err := index.DeleteEntry(rec.Key); err != nil {
				log.Printf("Cache: failed to drop missing entry %s: %v", rec.Key, err)
			}
			continue
		}
		e := rec
		s.entries[e.Key] = &e
		s.totalBytes += e.SizeBytes
	}

	if s.totalBytes > s.maxBytes {
		s.evictLocked(s.totalBytes - s.maxBytes)
	}

	log.Printf("Cache loaded: %d entries, %.2fMB of %.2fMB (%d stale records dropped)",
		len(s.entries), mb(s.totalBytes), mb(s.maxBytes), missing)

	if disk, err := files.DirSize(); err != nil {
		log.Printf("Cache: failed to measure cache directory: %v", err)
	} else if disk != s.totalBytes {
		log.Printf("Cache: %.2fMB on disk but %.2fMB indexed, the reconciler will sweep the difference",
			mb(disk), mb(s.totalBytes))
	}

	return s, nil
}

// Get returns the entry for key and marks it as just used
func (s *Store) Get(key types.GenerationKey) (types.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

// Acquire is Get plus a Pin taken under the same lock, so the file
// cannot be evicted before the caller starts using it.
func (s *Store) Acquire(key types.GenerationKey) (types.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLocked(key)
	if ok {
		s.pins[key]++
	}
	return e, ok
}

func (s *Store) getLocked(key types.GenerationKey) (types.CacheEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return types.CacheEntry{}, false
	}

	if !s.files.Exists(e.LocalPath) {
		log.Printf("Cache: file for %s vanished, dropping record", key)
		s.dropLocked(e)
		return types.CacheEntry{}, false
	}

	e.LastAccessedAt = s.now()
	if err := s.index.TouchEntry(key, e.LastAccessedAt); err != nil {
		log.Printf("Cache: failed to persist access time for %s: %v", key, err)
	}

	return *e, true
}

// Put stores data under key. Eviction runs first when the write would
// exceed the quota. ErrNotCached is returned when space cannot be freed.
func (s *Store) Put(key types.GenerationKey, data []byte, meta PutMeta) (types.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))

	if existing, ok := s.entries[key]; ok {
		if s.pins[key] > 0 || existing.SizeBytes == size {
			existing.LastAccessedAt = s.now()
			if err := s.index.TouchEntry(key, existing.LastAccessedAt); err != nil {
				log.Printf("Cache: failed to persist access time for %s: %v", key, err)
			}
			if meta.Pin {
				s.pins[key]++
			}
			return *existing, nil
		}
		if err := s.removeLocked(existing); err != nil {
			return types.CacheEntry{}, types.NewError(types.KindCacheWrite, "cache replace", err)
		}
	}

	if size > s.maxBytes {
		return types.CacheEntry{}, ErrNotCached
	}

	if s.totalBytes+size > s.maxBytes {
		needed := s.totalBytes + size - s.maxBytes
		target := int64(EvictionFloor * float64(s.maxBytes))
		if needed > target {
			target = needed
		}
		s.evictLocked(target)

		if s.totalBytes+size > s.maxBytes {
			log.Printf("Cache: cannot free %.2fMB for %s, every remaining entry is pinned", mb(needed), key)
			return types.CacheEntry{}, ErrNotCached
		}
	}

	ext := meta.Format
	if ext == "" {
		ext = "bin"
	}
	path := s.files.Path(fmt.Sprintf("%s.%s", key, ext))

	if err := s.files.WriteFile(path, data); err != nil {
		return types.CacheEntry{}, types.NewError(types.KindCacheWrite, "cache put", err)
	}

	now := s.now()
	entry := &types.CacheEntry{
		Key:             key,
		LocalPath:       path,
		RemoteSourceRef: meta.RemoteSourceRef,
		SizeBytes:       size,
		Quality:         meta.Quality,
		Format:          meta.Format,
		Duration:        meta.Duration,
		CreatedAt:       now,
		LastAccessedAt:  now,
	}

	if err := s.index.SaveEntry(*entry); err != nil {
		s.files.DeleteFile(path)
		return types.CacheEntry{}, types.NewError(types.KindCacheWrite, "cache index", err)
	}

	s.entries[key] = entry
	s.totalBytes += size
	if meta.Pin {
		s.pins[key]++
	}

	return *entry, nil
}

// Evict frees at least targetBytes, least recently accessed first,
// skipping pinned entries. It returns the bytes actually freed.
func (s *Store) Evict(targetBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(targetBytes)
}

func (s *Store) evictLocked(targetBytes int64) int64 {
	candidates := make([]*types.CacheEntry, 0, len(s.entries))
	for key, e := range s.entries {
		if s.pins[key] == 0 {
			candidates = append(candidates, e)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})

	var freed int64
	var count int
	for _, e := range candidates {
		if freed >= targetBytes {
			break
		}
		if err := s.removeLocked(e); err != nil {
			log.Printf("Cache: failed to evict %s: %v", e.Key, err)
			continue
		}
		freed += e.SizeBytes
		count++
	}

	if count > 0 {
		log.Printf("Cache eviction: %d entries removed, %.2fMB freed", count, mb(freed))
	}

	return freed
}

// Remove invalidates key. Absent keys are not an error; pinned keys return ErrPinned.
func (s *Store) Remove(key types.GenerationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if s.pins[key] > 0 {
		return ErrPinned
	}
	return s.removeLocked(e)
}

// Clear removes every unpinned entry and returns how many were removed
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for key, e := range s.entries {
		if s.pins[key] > 0 {
			continue
		}
		if err := s.removeLocked(e); err != nil {
			log.Printf("Cache: failed to clear %s: %v", key, err)
			continue
		}
		removed++
	}
	return removed
}

// PruneMissing drops records whose file is no longer on disk
func (s *Store) PruneMissing() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int
	for _, e := range s.entries {
		if !s.files.Exists(e.LocalPath) {
			s.dropLocked(e)
			pruned++
		}
	}
	return pruned
}

func (s *Store) removeLocked(e *types.CacheEntry) error {
	if err := s.files.DeleteFile(e.LocalPath); err != nil {
		return err
	}
	s.dropLocked(e)
	return nil
}

// dropLocked forgets the record without touching the file
func (s *Store) dropLocked(e *types.CacheEntry) {
	if err := s.index.DeleteEntry(e.Key); err != nil {
		log.Printf("Cache: failed to delete index record %s: %v", e.Key, err)
	}
	delete(s.entries, e.Key)
	s.totalBytes -= e.SizeBytes
}

// Pin protects key from eviction until a matching Unpin
func (s *Store) Pin(key types.GenerationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[key]++
}

// Unpin releases one Pin
func (s *Store) Unpin(key types.GenerationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pins[key] <= 1 {
		delete(s.pins, key)
		return
	}
	s.pins[key]--
}

// IsPinned reports whether key is protected from eviction
func (s *Store) IsPinned(key types.GenerationKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pins[key] > 0
}

// Stats summarizes the store
func (s *Store) Stats() types.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := types.CacheStats{
		FileCount:  len(s.entries),
		TotalBytes: s.totalBytes,
		FreeBytes:  s.maxBytes - s.totalBytes,
	}

	if disk, err := s.files.DirSize(); err != nil {
		log.Printf("Cache: failed to measure cache directory: %v", err)
	} else {
		stats.DiskBytes = disk
	}

	var oldest, newest *types.CacheEntry
	for _, e := range s.entries {
		if oldest == nil || e.LastAccessedAt.Before(oldest.LastAccessedAt) {
			oldest = e
		}
		if newest == nil || e.LastAccessedAt.After(newest.LastAccessedAt) {
			newest = e
		}
	}
	if oldest != nil {
		stats.OldestKey = oldest.Key
		stats.NewestKey = newest.Key
	}

	return stats
}

// Entries returns a snapshot of all records
func (s *Store) Entries() []types.CacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// MaxBytes returns the quota
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

func mb(b int64) float64 {
	return float64(b) / (1024 * 1024)
}
