package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codebuildervaibhav/narration-stream/internal/cache"
	"github.com/codebuildervaibhav/narration-stream/internal/storage"
	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// fakeRemote answers from a fixed table; unknown refs fail the check
type fakeRemote struct {
	mu     sync.Mutex
	exists map[string]bool
	calls  int
}

func (f *fakeRemote) Exists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	ok, known := f.exists[ref]
	if !known {
		return false, errors.New("connection refused")
	}
	return ok, nil
}

type testEnv struct {
	dir   string
	files *storage.LocalStorage
	store *cache.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	files, err := storage.NewLocalStorage(filepath.Join(dir, "audio"), filepath.Join(dir, "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	index, err := storage.NewMetadataDB(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { index.Close() })

	store, err := cache.NewStore(files, index, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{dir: dir, files: files, store: store}
}

func (env *testEnv) put(t *testing.T, key, ref string) types.CacheEntry {
	t.Helper()
	e, err := env.store.Put(types.GenerationKey(key), []byte("audio-"+key), cache.PutMeta{RemoteSourceRef: ref, Format: "mp3"})
	if err != nil {
		t.Fatalf("Put %s: %v", key, err)
	}
	return e
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("stray"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceRemovesStaleEntries(t *testing.T) {
	env := newTestEnv(t)

	env.put(t, "alive", "https://cdn.example.com/alive.mp3")
	gone := env.put(t, "gone", "https://cdn.example.com/gone.mp3")
	env.put(t, "drive-gone", "gdrive:abc")
	env.put(t, "flaky", "https://cdn.example.com/flaky.mp3")
	env.put(t, "local-only", "")

	web := &fakeRemote{exists: map[string]bool{
		"https://cdn.example.com/alive.mp3": true,
		"https://cdn.example.com/gone.mp3":  false,
	}}
	drive := &fakeRemote{exists: map[string]bool{"gdrive:abc": false}}

	r := NewReconciler(env.store, env.files, Options{})
	r.AddChecker("https://", web)
	r.AddChecker(storage.DriveRefPrefix, drive)

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if report.Checked != 4 || report.Stale != 2 || report.CheckErrors != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := env.store.Get("gone"); ok {
		t.Error("stale https entry kept")
	}
	if _, ok := env.store.Get("drive-gone"); ok {
		t.Error("stale drive entry kept")
	}
	if env.files.Exists(gone.LocalPath) {
		t.Error("stale file kept on disk")
	}
	for _, key := range []types.GenerationKey{"alive", "flaky", "local-only"} {
		if _, ok := env.store.Get(key); !ok {
			t.Errorf("%s should survive", key)
		}
	}
}

func TestRunOnceSkipsPinnedStaleEntry(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "playing", "https://cdn.example.com/playing.mp3")
	env.store.Pin("playing")

	r := NewReconciler(env.store, env.files, Options{})
	r.AddChecker("https://", &fakeRemote{exists: map[string]bool{"https://cdn.example.com/playing.mp3": false}})

	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Pinned != 1 || report.Stale != 0 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := env.store.Get("playing"); !ok {
		t.Fatal("pinned entry removed")
	}

	env.store.Unpin("playing")
	report, _ = r.RunOnce(context.Background())
	if report.Stale != 1 {
		t.Errorf("second pass should remove it, report = %+v", report)
	}
}

func TestRunOnceSweepsFiles(t *testing.T) {
	env := newTestEnv(t)
	kept := env.put(t, "kept", "")
	vanished := env.put(t, "vanished", "")
	os.Remove(vanished.LocalPath)

	oldOrphan := filepath.Join(env.dir, "audio", "old-orphan.mp3")
	newOrphan := filepath.Join(env.dir, "audio", "new-orphan.mp3")
	oldTemp := filepath.Join(env.dir, "tmp", "write_old.part")
	newTemp := filepath.Join(env.dir, "tmp", "write_new.part")
	writeAged(t, oldOrphan, time.Hour)
	writeAged(t, newOrphan, time.Second)
	writeAged(t, oldTemp, 3*time.Hour)
	writeAged(t, newTemp, time.Second)

	r := NewReconciler(env.store, env.files, Options{OrphanGrace: 10 * time.Minute, TempMaxAge: time.Hour})
	report, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.MissingLocal != 1 || report.Orphans != 1 || report.TempFiles != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := env.store.Get("vanished"); ok {
		t.Error("record of vanished file kept")
	}
	if !env.files.Exists(kept.LocalPath) {
		t.Error("referenced file deleted")
	}
	if env.files.Exists(oldOrphan) || env.files.Exists(oldTemp) {
		t.Error("old strays kept")
	}
	if !env.files.Exists(newOrphan) || !env.files.Exists(newTemp) {
		t.Error("files inside the grace period deleted")
	}
}

func TestRunOnceCanceled(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, "a", "https://cdn.example.com/a.mp3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReconciler(env.store, env.files, Options{})
	r.AddChecker("https://", &fakeRemote{exists: map[string]bool{"https://cdn.example.com/a.mp3": false}})
	if _, err := r.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, ok := env.store.Get("a"); !ok {
		t.Error("interrupted pass must not remove entries")
	}
}

func TestCheckerRouting(t *testing.T) {
	r := NewReconciler(nil, nil, Options{})
	web, secure := &fakeRemote{}, &fakeRemote{}
	r.AddChecker("http", web)
	r.AddChecker("https://", secure)

	if r.checkerFor("https://x") != secure {
		t.Error("longest prefix should win")
	}
	if r.checkerFor("http://x") != web {
		t.Error("http route")
	}
	if r.checkerFor("s3://x") != nil {
		t.Error("unknown scheme should have no checker")
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	r := NewReconciler(env.store, env.files, Options{Interval: time.Hour})
	r.Start()
	r.Stop()
	r.Stop()
}
