package routes

import (
	"errors"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/metrics"
)

// RegisterCacheRoutes 暴露 /-/cache 管理接口：查看占用、手动淘汰、删除单个条目与清空。
func RegisterCacheRoutes(app *fiber.App, store cache.Store, evictor *cache.Evictor, cfg cache.CacheConfig) {
	if app == nil || store == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		snapshot, err := store.Stat(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_stat_failed"})
		}
		metrics.ObserveCacheSize(snapshot.TotalBytes, snapshot.Count())
		entries := snapshot.Entries
		if entries == nil {
			entries = []cache.Entry{}
		}
		return c.JSON(fiber.Map{
			"total_bytes": snapshot.TotalBytes,
			"total_human": humanize.IBytes(uint64(snapshot.TotalBytes)),
			"count":       snapshot.Count(),
			"max_bytes":   cfg.MaxBytes,
			"max_files":   cfg.MaxFiles,
			"entries":     entries,
		})
	})

	app.Post("/-/cache/evict", func(c fiber.Ctx) error {
		if evictor == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "eviction_disabled"})
		}
		result, err := evictor.Run(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_evict_failed"})
		}
		if result.Removed == nil {
			result.Removed = []string{}
		}
		return c.JSON(result)
	})

	app.Delete("/-/cache/:key", func(c fiber.Ctx) error {
		key := routeParam(c, "key")
		if err := store.Remove(c.Context(), key); err != nil {
			if errors.Is(err, cache.ErrInvalidKey) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_cache_key"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_remove_failed"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		if err := store.Clear(c.Context()); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_clear_failed"})
		}
		metrics.ObserveCacheSize(0, 0)
		return c.SendStatus(fiber.StatusNoContent)
	})
}
