package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codebuildervaibhav/narration-stream/internal/cache"
	"github.com/codebuildervaibhav/narration-stream/internal/storage"
	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// RemoteChecker reports whether a remote source still exists
type RemoteChecker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// Store is the part of the cache the reconciler maintains
type Store interface {
	Entries() []types.CacheEntry
	Remove(key types.GenerationKey) error
	PruneMissing() int
}

// Files lists and deletes files under the cache and staging directories
type Files interface {
	ListFiles() ([]storage.FileInfo, error)
	ListTempFiles() ([]storage.FileInfo, error)
	DeleteFile(path string) error
}

// Options tunes a reconciler
type Options struct {
	Interval    time.Duration
	OrphanGrace time.Duration
	TempMaxAge  time.Duration
	Concurrency int
}

// Report summarizes one reconciliation pass
type Report struct {
	Checked      int           `json:"checked"`
	Stale        int           `json:"stale"`
	Pinned       int           `json:"pinned"`
	CheckErrors  int           `json:"check_errors"`
	MissingLocal int           `json:"missing_local"`
	Orphans      int           `json:"orphans"`
	TempFiles    int           `json:"temp_files"`
	Duration     time.Duration `json:"duration_ns"`
}

// Reconciler keeps the cache index consistent with remote sources and the disk
type Reconciler struct {
	store    Store
	files    Files
	opts     Options
	checkers map[string]RemoteChecker
	now      func() time.Time

	passMu   sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler. Register remote checkers with AddChecker.
func NewReconciler(store Store, files Files, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = 10 * time.Minute
	}
	if opts.TempMaxAge <= 0 {
		opts.TempMaxAge = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Reconciler{
		store:    store,
		files:    files,
		opts:     opts,
		checkers: make(map[string]RemoteChecker),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// AddChecker routes refs starting with prefix to c
func (r *Reconciler) AddChecker(prefix string, c RemoteChecker) {
	r.checkers[prefix] = c
}

func (r *Reconciler) checkerFor(ref string) RemoteChecker {
	var best string
	for prefix := range r.checkers {
		if strings.HasPrefix(ref, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil
	}
	return r.checkers[best]
}

// Start runs a pass immediately and then every Interval
func (r *Reconciler) Start() {
	ticker := time.NewTicker(r.opts.Interval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()

		log.Println("Running initial cache reconciliation...")
		r.runLogged()

		for {
			select {
			case <-ticker.C:
				r.runLogged()
			case <-r.stopChan:
				return
			}
		}
	}()

	log.Printf("Cache reconciler started (interval: %s, orphan grace: %s)", r.opts.Interval, r.opts.OrphanGrace)
}

// Stop halts the periodic pass and waits for a running one to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
	log.Println("Cache reconciler stopped")
}

func (r *Reconciler) runLogged() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := r.RunOnce(ctx); err != nil {
		log.Printf("Cache reconciliation failed: %v", err)
	}
}

// RunOnce performs one full pass. Passes never overlap.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	start := r.now()
	var report Report

	report.MissingLocal = r.store.PruneMissing()

	if err := r.checkRemotes(ctx, &report); err != nil {
		return report, err
	}

	orphans, err := r.sweepOrphans()
	if err != nil {
		log.Printf("Reconcile: orphan sweep failed: %v", err)
	}
	report.Orphans = orphans

	temps, err := r.sweepTemp()
	if err != nil {
		log.Printf("Reconcile: temp sweep failed: %v", err)
	}
	report.TempFiles = temps

	report.Duration = r.now().Sub(start)
	log.Printf("Reconcile complete: %d checked, %d stale, %d pinned, %d unreachable, %d missing locally, %d orphans, %d temp files (%s)",
		report.Checked, report.Stale, report.Pinned, report.CheckErrors, report.MissingLocal, report.Orphans, report.TempFiles,
		report.Duration.Round(time.Millisecond))

	return report, nil
}

// checkRemotes verifies every entry with a remote ref in parallel and removes the stale ones
func (r *Reconciler) checkRemotes(ctx context.Context, report *Report) error {
	var (
		mu    sync.Mutex
		stale []types.CacheEntry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, e := range r.store.Entries() {
		if e.RemoteSourceRef == "" {
			continue
		}
		checker := r.checkerFor(e.RemoteSourceRef)
		if checker == nil {
			continue
		}

		e := e
		g.Go(func() error {
			exists, err := checker.Exists(gctx, e.RemoteSourceRef)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				// unreachable is not stale; try again next pass
				report.CheckErrors++
				log.Printf("Reconcile: could not check %s: %v", e.Key, err)
				return nil
			}
			if !exists {
				stale = append(stale, e)
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconcile interrupted: %w", err)
	}

	for _, e := range stale {
		perr := types.NewError(types.KindCacheConsistency, "reconcile",
			fmt.Errorf("remote source %s for %s is gone", e.RemoteSourceRef, e.Key))

		if err := r.store.Remove(e.Key); err != nil {
			if errors.Is(err, cache.ErrPinned) {
				report.Pinned++
				log.Printf("Reconcile: %v (in use, retrying next pass)", perr)
				continue
			}
			log.Printf("Reconcile: failed to remove %s: %v", e.Key, err)
			continue
		}
		report.Stale++
		log.Printf("Reconcile: %v, entry removed", perr)
	}

	return nil
}

// sweepOrphans deletes cache files that no entry references. Files younger
// than the grace period are kept since a write may not be indexed yet.
func (r *Reconciler) sweepOrphans() (int, error) {
	referenced := make(map[string]struct{})
	for _, e := range r.store.Entries() {
		referenced[filepath.Clean(e.LocalPath)] = struct{}{}
	}

	files, err := r.files.ListFiles()
	if err != nil {
		return 0, err
	}

	now := r.now()
	var deleted int
	var freed int64
	for _, f := range files {
		if _, ok := referenced[filepath.Clean(f.Path)]; ok {
			continue
		}
		if now.Sub(f.ModTime) < r.opts.OrphanGrace {
			continue
		}
		if err := r.files.DeleteFile(f.Path); err != nil {
			log.Printf("Failed to delete orphan file %s: %v", f.Path, err)
			continue
		}
		deleted++
		freed += f.Size
		log.Printf("Deleted orphan cache file: %s (size: %dKB)", filepath.Base(f.Path), f.Size/1024)
	}

	if deleted > 0 {
		log.Printf("Orphan sweep complete: %d files deleted, %.2fMB freed", deleted, float64(freed)/(1024*1024))
	}
	return deleted, nil
}

// sweepTemp removes abandoned staging files
func (r *Reconciler) sweepTemp() (int, error) {
	files, err := r.files.ListTempFiles()
	if err != nil {
		return 0, err
	}

	now := r.now()
	var deleted int
	for _, f := range files {
		age := now.Sub(f.ModTime)
		if age <= r.opts.TempMaxAge {
			continue
		}
		if err := r.files.DeleteFile(f.Path); err != nil {
			log.Printf("Failed to delete old temp file %s: %v", f.Path, err)
			continue
		}
		deleted++
		log.Printf("Deleted old temp file: %s (age: %s)", filepath.Base(f.Path), age.Round(time.Minute))
	}
	return deleted, nil
}
