package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docstackhq/docstack/internal/auth"
	"github.com/docstackhq/docstack/internal/extract"
	"github.com/docstackhq/docstack/internal/index"
	"github.com/docstackhq/docstack/internal/pipeline"
	"github.com/docstackhq/docstack/internal/store"
)

// maxUploadBytes bounds a single document upload.
const maxUploadBytes = 20 << 20

// DocumentStore is the slice of the store the documents handler needs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, d store.Document) (int64, error)
	GetDocument(ctx context.Context, id, ownerID int64) (store.Document, error)
	ListDocuments(ctx context.Context, ownerID int64) ([]store.Document, error)
	LatestVersion(ctx context.Context, ownerID int64, filename string) (store.Document, bool, error)
	GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]store.Chunk, error)
}

// PipelineAPI is the ingestion surface, satisfied by pipeline.Orchestrator.
type PipelineAPI interface {
	Process(ctx context.Context, job pipeline.Job)
	Rechunk(ctx context.Context, documentID, ownerID int64) error
	RegenerateSummary(ctx context.Context, documentID, ownerID int64) error
	RegenerateTags(ctx context.Context, documentID, ownerID int64) error
	Delete(ctx context.Context, documentID, ownerID int64, filename string) error
}

// Keyword is the lexical search surface, satisfied by search.Lexical.
type Keyword interface {
	Search(query string, topK int, documentID int64) ([]index.Hit, error)
}

type DocumentsHandler struct {
	Store     DocumentStore
	Pipeline  PipelineAPI
	Keyword   Keyword
	UploadDir string
	Logger    *log.Logger
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("", h.upload)
	g.GET("", h.list)
	g.GET("/search", h.search)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
	g.POST("/:id/rechunk", h.rechunk)
	g.POST("/:id/summary", h.regenerateSummary)
	g.POST("/:id/tags", h.regenerateTags)
}

func (h *DocumentsHandler) upload(c echo.Context) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}
	if fh.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}
	filename := filepath.Base(fh.Filename)
	fileType := extract.TypeFromFilename(filename)
	if fileType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported file type")
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()
	content, err := io.ReadAll(io.LimitReader(src, maxUploadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(content) > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	ctx := c.Request().Context()
	doc := store.Document{
		OwnerID:     userID,
		Filename:    filename,
		FileType:    fileType,
		Size:        int64(len(content)),
		ContentHash: hash,
		Version:     1,
	}
	// Re-uploads of a known filename start a new version unless the content
	// is byte-identical to the latest one.
	if prev, found, err := h.Store.LatestVersion(ctx, userID, filename); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if found {
		if prev.ContentHash == hash {
			return echo.NewHTTPError(http.StatusConflict, "identical document already uploaded")
		}
		prevID := prev.ID
		doc.Version = prev.Version + 1
		doc.PreviousVersionID = &prevID
	}

	doc.StoredFilename = uuid.NewString() + strings.ToLower(filepath.Ext(filename))
	if err := h.writeFile(doc.StoredFilename, content); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	id, err := h.Store.CreateDocument(ctx, doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	doc.ID = id

	// The pipeline outlives the request; progress flows through the
	// notification stream.
	go h.Pipeline.Process(context.Background(), pipeline.Job{
		DocumentID: id,
		OwnerID:    userID,
		Filename:   filename,
		FileType:   fileType,
		Content:    content,
	})

	return c.JSON(http.StatusAccepted, toDocumentResponse(doc))
}

func (h *DocumentsHandler) writeFile(storedFilename string, content []byte) error {
	if h.UploadDir == "" {
		return nil
	}
	if err := os.MkdirAll(h.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	return os.WriteFile(filepath.Join(h.UploadDir, storedFilename), content, 0o644)
}

func (h *DocumentsHandler) list(c echo.Context) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	docs, err := h.Store.ListDocuments(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]DocumentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentResponse(d))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *DocumentsHandler) get(c echo.Context) error {
	_, doc, err := h.ownedDocument(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toDocumentResponse(doc))
}

func (h *DocumentsHandler) remove(c echo.Context) error {
	userID, doc, err := h.ownedDocument(c)
	if err != nil {
		return err
	}
	if err := h.Pipeline.Delete(c.Request().Context(), doc.ID, userID, doc.Filename); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.UploadDir != "" && doc.StoredFilename != "" {
		if err := os.Remove(filepath.Join(h.UploadDir, doc.StoredFilename)); err != nil && !os.IsNotExist(err) {
			h.Logger.Printf("warn: remove stored file %s: %v", doc.StoredFilename, err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *DocumentsHandler) rechunk(c echo.Context) error {
	userID, doc, err := h.ownedDocument(c)
	if err != nil {
		return err
	}
	if !doc.TextExtractionSuccess {
		return echo.NewHTTPError(http.StatusConflict, "document has no extracted text")
	}
	go func() {
		if err := h.Pipeline.Rechunk(context.Background(), doc.ID, userID); err != nil {
			h.Logger.Printf("warn: rechunk document %d: %v", doc.ID, err)
		}
	}()
	return c.NoContent(http.StatusAccepted)
}

func (h *DocumentsHandler) regenerateSummary(c echo.Context) error {
	userID, doc, err := h.ownedDocument(c)
	if err != nil {
		return err
	}
	if !doc.TextExtractionSuccess {
		return echo.NewHTTPError(http.StatusConflict, "document has no extracted text")
	}
	go func() {
		if err := h.Pipeline.RegenerateSummary(context.Background(), doc.ID, userID); err != nil {
			h.Logger.Printf("warn: regenerate summary for document %d: %v", doc.ID, err)
		}
	}()
	return c.NoContent(http.StatusAccepted)
}

func (h *DocumentsHandler) regenerateTags(c echo.Context) error {
	userID, doc, err := h.ownedDocument(c)
	if err != nil {
		return err
	}
	if !doc.TextExtractionSuccess {
		return echo.NewHTTPError(http.StatusConflict, "document has no extracted text")
	}
	go func() {
		if err := h.Pipeline.RegenerateTags(context.Background(), doc.ID, userID); err != nil {
			h.Logger.Printf("warn: regenerate tags for document %d: %v", doc.ID, err)
		}
	}()
	return c.NoContent(http.StatusAccepted)
}

func (h *DocumentsHandler) search(c echo.Context) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if h.Keyword == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "keyword search unavailable")
	}
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query must not be empty")
	}
	var documentID int64
	if raw := strings.TrimSpace(c.QueryParam("document_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid document_id")
		}
		documentID = id
	}
	hits, err := h.Keyword.Search(query, 10, documentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ctx := c.Request().Context()
	ids := make([]int64, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.ChunkID)
	}
	chunks, err := h.Store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	owned := make(map[int64]bool)
	out := make([]SearchHitResponse, 0, len(hits))
	for _, hit := range hits {
		chunk, ok := chunks[hit.ChunkID]
		if !ok {
			continue
		}
		if _, seen := owned[chunk.DocumentID]; !seen {
			_, err := h.Store.GetDocument(ctx, chunk.DocumentID, userID)
			owned[chunk.DocumentID] = err == nil
		}
		if !owned[chunk.DocumentID] {
			continue
		}
		out = append(out, SearchHitResponse{
			DocumentID: chunk.DocumentID,
			ChunkOrder: chunk.Order,
			Score:      hit.Score,
			Excerpt:    excerpt(chunk.Text, 200),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// ownedDocument resolves the :id path param to a document the caller owns.
func (h *DocumentsHandler) ownedDocument(c echo.Context) (int64, store.Document, error) {
	userID, ok := auth.UserID(c)
	if !ok {
		return 0, store.Document{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, store.Document{}, echo.NewHTTPError(http.StatusBadRequest, "invalid document id")
	}
	doc, err := h.Store.GetDocument(c.Request().Context(), id, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, store.Document{}, echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return 0, store.Document{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return userID, doc, nil
}

func toDocumentResponse(d store.Document) DocumentResponse {
	return DocumentResponse{
		ID:                    d.ID,
		Filename:              d.Filename,
		FileType:              d.FileType,
		Size:                  d.Size,
		Version:               d.Version,
		PreviousVersionID:     d.PreviousVersionID,
		TextExtractionSuccess: d.TextExtractionSuccess,
		EmbeddingsGenerated:   d.EmbeddingsGenerated,
		Summary:               d.Summary,
		SummaryGeneratedAt:    d.SummaryGeneratedAt,
		Tags:                  d.Tags,
		TagsGeneratedAt:       d.TagsGeneratedAt,
		UploadedAt:            d.UploadedAt,
	}
}

func excerpt(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}
