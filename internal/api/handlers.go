package api

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/tokenlens/tokenlens/internal/pipeline"
	"github.com/tokenlens/tokenlens/pkg/source"
)

// Handlers contains the HTTP handlers for the operational API
type Handlers struct {
	pipeline *pipeline.Pipeline
	catalog  *source.Catalog
}

// NewHandlers creates a new handlers instance
func NewHandlers(p *pipeline.Pipeline, catalog *source.Catalog) *Handlers {
	return &Handlers{
		pipeline: p,
		catalog:  catalog,
	}
}

// Health returns the service health status
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"service":   "tokenlens",
		"version":   "0.1.0",
		"timestamp": time.Now().UTC(),
	})
}

// SubmitCrawlRequest represents a crawl submission
type SubmitCrawlRequest struct {
	URL string `json:"url"`
}

// SubmitCrawlResponse returns the tracking unit for an accepted crawl
type SubmitCrawlResponse struct {
	UnitID string `json:"unit_id"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// SubmitCrawl queues a URL for crawling
func (h *Handlers) SubmitCrawl(c *fiber.Ctx) error {
	var req SubmitCrawlRequest

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}

	if err := validateCrawlURL(req.URL); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	unit, err := h.pipeline.Submit(c.Context(), req.URL)
	if err != nil {
		log.Error().Err(err).Str("url", req.URL).Msg("Failed to queue crawl")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":   "Failed to queue crawl",
			"details": err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(SubmitCrawlResponse{
		UnitID: unit.ID,
		URL:    unit.URL,
		State:  string(unit.State),
	})
}

// GetUnit returns the state of a crawl unit
func (h *Handlers) GetUnit(c *fiber.Ctx) error {
	unitID := c.Params("id")

	unit := h.pipeline.GetUnit(unitID)
	if unit == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unit not found",
			"id":    unitID,
		})
	}

	return c.JSON(unit)
}

// GetMetrics returns pipeline and event bus metrics
func (h *Handlers) GetMetrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"pipeline":  h.pipeline.GetMetrics(),
		"events":    h.pipeline.Events().GetStats(),
		"timestamp": time.Now().UTC(),
	})
}

// ListSources returns the configured source catalog
func (h *Handlers) ListSources(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sources": h.catalog.Sources,
		"count":   len(h.catalog.Sources),
	})
}

// GetSource returns one source with its bindings
func (h *Handlers) GetSource(c *fiber.Ctx) error {
	sourceID := c.Params("id")

	src := h.catalog.SourceByID(sourceID)
	if src == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Source not found",
			"id":    sourceID,
		})
	}

	bindings := make([]source.Binding, 0)
	for _, binding := range h.catalog.Bindings {
		if binding.SourceID == sourceID {
			bindings = append(bindings, binding)
		}
	}

	return c.JSON(fiber.Map{
		"source":   src,
		"bindings": bindings,
	})
}

// validateCrawlURL rejects anything but absolute http(s) URLs
func validateCrawlURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fiber.NewError(fiber.StatusBadRequest, "url scheme must be http or https")
	}
	if parsed.Host == "" {
		return fiber.NewError(fiber.StatusBadRequest, "url host is required")
	}
	return nil
}
