package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/narration-stream/internal/cache"
	"github.com/codebuildervaibhav/narration-stream/internal/cleanup"
	"github.com/codebuildervaibhav/narration-stream/internal/types"
)

// CacheAdmin is the cache surface the handlers expose
type CacheAdmin interface {
	Get(key types.GenerationKey) (types.CacheEntry, bool)
	Remove(key types.GenerationKey) error
	Clear() int
	Stats() types.CacheStats
	Entries() []types.CacheEntry
	MaxBytes() int64
}

// Reconciler runs an on-demand consistency pass
type Reconciler interface {
	RunOnce(ctx context.Context) (cleanup.Report, error)
}

// CacheHandler serves cache administration and cached audio
type CacheHandler struct {
	store      CacheAdmin
	reconciler Reconciler
}

// NewCacheHandler creates a new cache handler. reconciler may be nil.
func NewCacheHandler(store CacheAdmin, reconciler Reconciler) *CacheHandler {
	return &CacheHandler{
		store:      store,
		reconciler: reconciler,
	}
}

func (h *CacheHandler) Stats(c *fiber.Ctx) error {
	stats := h.store.Stats()
	return c.JSON(fiber.Map{
		"file_count":  stats.FileCount,
		"total_bytes": stats.TotalBytes,
		"free_bytes":  stats.FreeBytes,
		"max_bytes":   h.store.MaxBytes(),
		"oldest_key":  stats.OldestKey,
		"newest_key":  stats.NewestKey,
	})
}

func (h *CacheHandler) Entries(c *fiber.Ctx) error {
	return c.JSON(h.store.Entries())
}

// Remove invalidates one entry
func (h *CacheHandler) Remove(c *fiber.Ctx) error {
	key := types.GenerationKey(c.Params("key"))

	if err := h.store.Remove(key); err != nil {
		if errors.Is(err, cache.ErrPinned) {
			return c.Status(409).JSON(fiber.Map{
				"error": "Entry is in use by playback",
				"code":  "ERR_PINNED",
			})
		}
		log.Printf("Failed to remove cache entry %s: %v", key, err)
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to remove entry",
			"code":  "ERR_REMOVE_FAILED",
		})
	}

	return c.JSON(fiber.Map{"key": key, "status": "removed"})
}

// Clear removes every entry not pinned by playback
func (h *CacheHandler) Clear(c *fiber.Ctx) error {
	removed := h.store.Clear()
	log.Printf("Cache cleared: %d entries removed", removed)
	return c.JSON(fiber.Map{"removed": removed})
}

// Reconcile runs a reconciliation pass and returns its report
func (h *CacheHandler) Reconcile(c *fiber.Ctx) error {
	if h.reconciler == nil {
		return c.Status(503).JSON(fiber.Map{
			"error": "Reconciler not configured",
			"code":  "ERR_RECONCILE_DISABLED",
		})
	}

	report, err := h.reconciler.RunOnce(c.UserContext())
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_RECONCILE_FAILED",
		})
	}
	return c.JSON(report)
}

// Audio serves a cached chunk by key
func (h *CacheHandler) Audio(c *fiber.Ctx) error {
	entry, ok := h.store.Get(types.GenerationKey(c.Params("key")))
	if !ok {
		return c.Status(404).JSON(fiber.Map{
			"error": "Audio not cached",
			"code":  "ERR_NOT_CACHED",
		})
	}

	return sendResource(c, &types.AudioResource{
		Key:       entry.Key,
		URI:       entry.LocalPath,
		SizeBytes: entry.SizeBytes,
		Format:    entry.Format,
		Duration:  entry.Duration,
		Cached:    true,
	})
}

func formatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
