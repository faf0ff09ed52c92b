package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler serves the two media routes. Tests inject fakes here.
type ProxyHandler interface {
	Stream(fiber.Ctx) error
	Cover(fiber.Ctx) error
}

// AppOptions controls how the Fiber application is assembled.
type AppOptions struct {
	Logger *logrus.Logger
	Proxy  ProxyHandler
}

const contextKeyRequestID = "_shelfcache_request_id"

// NewApp builds the Fiber application with recovery, request-id middleware,
// JSON error rendering and the /stream and /cover routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  jsonErrorHandler(opts.Logger),
	})

	app.Use(recoverer.New())
	app.Use(requestIDMiddleware())

	// HEAD 需要单独注册，播放器探测长度时会用到。
	methods := []string{fiber.MethodGet, fiber.MethodHead}
	app.Add(methods, "/stream/:chapterId", guard(opts.Logger, "stream", opts.Proxy.Stream))
	app.Add(methods, "/cover/:bookId", guard(opts.Logger, "cover", opts.Proxy.Cover))

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// guard 把 handler 的 panic 转换为 JSON 500，避免单个请求拖垮进程并保留日志上下文。
func guard(logger *logrus.Logger, route string, handler fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"action":     "proxy",
					"route":      route,
					"request_id": RequestID(c),
					"error":      fmt.Sprintf("panic: %v", r),
				}).Error("proxy_handler_panic")
				err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "proxy_handler_panic"})
			}
		}()
		return handler(c)
	}
}

func jsonErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).WithError(err).Error("request_failed")
		}
		return c.Status(status).JSON(fiber.Map{"error": errorCode(status)})
	}
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusBadRequest:
		return "bad_request"
	}
	if status >= fiber.StatusInternalServerError {
		return "internal_error"
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// IsDiagnosticsPath reports whether path belongs to the /-/ management namespace.
func IsDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
