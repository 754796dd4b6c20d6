package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"papergraph/core/port/in"
	"papergraph/core/port/out"
)

// DocumentHandler exposes document reads and reprocessing.
type DocumentHandler struct {
	extraction in.ExtractionService
	producer   out.JobProducer
}

// NewDocumentHandler creates a new DocumentHandler.
func NewDocumentHandler(extraction in.ExtractionService, producer out.JobProducer) *DocumentHandler {
	return &DocumentHandler{extraction: extraction, producer: producer}
}

// Register mounts the document routes.
func (h *DocumentHandler) Register(api fiber.Router) {
	api.Post("/documents", h.Upload)
	api.Get("/documents/:id", h.GetDocument)
	api.Post("/documents/:id/process", h.Reprocess)
}

// Upload accepts raw document bytes and queues them through the same
// pipeline attachments take. The body is the file; Content-Type names
// its format.
func (h *DocumentHandler) Upload(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	doc, err := h.extraction.IngestUpload(c.Context(), userID, c.Get("Content-Type"), c.Body())
	if err != nil {
		return err
	}

	if doc.ExtractionStatus.Terminal() {
		// Same content already processed; nothing to enqueue.
		return c.JSON(fiber.Map{"document_id": doc.ID, "status": string(doc.ExtractionStatus)})
	}

	jobID, err := h.producer.EnqueueDocument(c.Context(), userID, doc.ID)
	if err != nil {
		return err
	}
	return c.Status(202).JSON(fiber.Map{
		"accepted":    true,
		"document_id": doc.ID,
		"job_id":      jobID,
	})
}

// GetDocument returns a document with its transactions and links.
func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	documentID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || documentID <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "invalid document id"})
	}

	view, err := h.extraction.GetDocument(c.Context(), userID, documentID)
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// Reprocess enqueues the document for another pipeline run.
func (h *DocumentHandler) Reprocess(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	documentID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || documentID <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "invalid document id"})
	}

	// Existence check before enqueueing, so a bad ID fails fast.
	if _, err := h.extraction.GetDocument(c.Context(), userID, documentID); err != nil {
		return err
	}

	jobID, err := h.producer.EnqueueDocument(c.Context(), userID, documentID)
	if err != nil {
		return err
	}
	return c.Status(202).JSON(fiber.Map{"accepted": true, "job_id": jobID})
}
