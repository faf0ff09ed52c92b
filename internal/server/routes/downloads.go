package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/shelfcache/shelfcache/internal/downloads"
)

type downloadRequest struct {
	ID            string `json:"id"`
	BookID        string `json:"book_id"`
	RemoteBaseURL string `json:"remote_base_url"`
	Token         string `json:"token"`
	CoverURL      string `json:"cover_url"`
}

// RegisterDownloadRoutes 暴露下载队列。请求未携带 remote_base_url 时使用 defaultRemote。
func RegisterDownloadRoutes(app *fiber.App, queue *downloads.Queue, defaultRemote string) {
	if app == nil || queue == nil {
		return
	}

	app.Get("/-/downloads", func(c fiber.Ctx) error {
		tasks, err := queue.List(c.Context())
		if err != nil {
			return downloadError(c, err)
		}
		if tasks == nil {
			tasks = []downloads.Task{}
		}
		return c.JSON(fiber.Map{"tasks": tasks, "pending": queue.Pending()})
	})

	app.Post("/-/downloads", func(c fiber.Ctx) error {
		var req downloadRequest
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_json"})
		}
		remote := strings.TrimSpace(req.RemoteBaseURL)
		if remote == "" {
			remote = defaultRemote
		}
		task, err := queue.Add(c.Context(), downloads.Task{
			ID:            strings.TrimSpace(req.ID),
			BookID:        strings.TrimSpace(req.BookID),
			RemoteBaseURL: remote,
			Token:         req.Token,
			CoverURL:      strings.TrimSpace(req.CoverURL),
		})
		if err != nil {
			return downloadError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(task)
	})

	app.Get("/-/downloads/verify", func(c fiber.Ctx) error {
		missing, err := queue.Verify(c.Context())
		if err != nil {
			return downloadError(c, err)
		}
		return c.JSON(fiber.Map{"missing": missing})
	})

	app.Get("/-/downloads/:id", func(c fiber.Ctx) error {
		task, err := queue.Get(c.Context(), routeParam(c, "id"))
		if err != nil {
			return downloadError(c, err)
		}
		return c.JSON(task)
	})

	app.Post("/-/downloads/:id/retry", func(c fiber.Ctx) error {
		task, err := queue.Retry(c.Context(), routeParam(c, "id"))
		if err != nil {
			return downloadError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(task)
	})

	app.Delete("/-/downloads/:id", func(c fiber.Ctx) error {
		if err := queue.Remove(c.Context(), routeParam(c, "id")); err != nil {
			return downloadError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func downloadError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, downloads.ErrInvalidTask):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_task", "detail": err.Error()})
	case errors.Is(err, downloads.ErrTaskNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "task_not_found"})
	case errors.Is(err, downloads.ErrTaskState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "task_state_conflict"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "download_queue_failed"})
	}
}
