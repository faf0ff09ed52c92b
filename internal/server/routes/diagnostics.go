package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shelfcache/shelfcache/internal/content"
	"github.com/shelfcache/shelfcache/internal/metrics"
	"github.com/shelfcache/shelfcache/internal/resolver"
	"github.com/shelfcache/shelfcache/internal/version"
)

// RegisterResolveRoute 暴露 /-/resolve?address=，返回完整跳转链，便于排查服务器地址问题。
func RegisterResolveRoute(app *fiber.App, res *resolver.Resolver) {
	if app == nil || res == nil {
		return
	}

	app.Get("/-/resolve", func(c fiber.Ctx) error {
		address := strings.Clone(strings.TrimSpace(c.Query("address")))
		if address == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "address_required"})
		}
		result := res.Resolve(c.Context(), address)
		payload := fiber.Map{
			"input":    result.Input,
			"resolved": result.Resolved,
			"hops":     result.Hops,
			"status":   result.Status,
			"ok":       result.OK(),
		}
		if result.Err != nil {
			payload["error"] = result.Err.Error()
		}
		return c.JSON(payload)
	})
}

// RegisterMetricsRoute 以 Prometheus 文本格式暴露 /-/metrics。
func RegisterMetricsRoute(app *fiber.App) {
	if app == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
}

// RegisterClassRoutes 暴露 /-/classes，列出内容类别及其缓存键方案。
func RegisterClassRoutes(app *fiber.App) {
	if app == nil {
		return
	}

	app.Get("/-/classes", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"classes": content.List()})
	})

	app.Get("/-/classes/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(routeParam(c, "key"))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "class_key_required"})
		}
		class, ok := content.Lookup(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "class_not_found"})
		}
		return c.JSON(class)
	})
}

// RegisterVersionRoute 暴露 /-/version，桌面端据此确认伴随进程的版本。
func RegisterVersionRoute(app *fiber.App) {
	if app == nil {
		return
	}
	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(version.Info())
	})
}

// routeParam 复制路由参数，避免引用 fiber 会复用的请求缓冲区。
func routeParam(c fiber.Ctx, name string) string {
	return strings.Clone(strings.TrimSpace(c.Params(name)))
}
