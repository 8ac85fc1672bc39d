package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"cartograph/internal/bus"
	"cartograph/internal/ingest"
	"cartograph/internal/objectstore"
	"cartograph/internal/query"
	"cartograph/internal/store"
)

// taskPublisher is the slice of the bus the handlers need.
type taskPublisher interface {
	PublishTask(ctx context.Context, msg bus.TaskMessage) (string, error)
}

// blobEnqueuer is the slice of the orchestrator the handlers need.
type blobEnqueuer interface {
	Enqueue(ctx context.Context, bucket, name string, generation int64, displayName string) (ingest.Result, error)
}

// queryEngine answers questions; it never errors.
type queryEngine interface {
	Query(ctx context.Context, q string) query.Answer
}

// App bundles the handler dependencies.
type App struct {
	store     store.Store
	publisher taskPublisher
	ingest    blobEnqueuer
	engine    queryEngine
	rawBucket string
}

func respondWithError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// ingestFileHandler accepts a direct file-ingest request, claims the
// document, and processes it in the background.
func (a *App) ingestFileHandler(c echo.Context) error {
	var req struct {
		GCSURI           string `json:"gcs_uri"`
		OriginalFilename string `json:"original_filename"`
		Generation       int64  `json:"generation"`
	}
	if err := c.Bind(&req); err != nil {
		return respondWithError(c, http.StatusBadRequest, "Invalid request body")
	}
	if req.GCSURI == "" {
		return respondWithError(c, http.StatusBadRequest, "gcs_uri is required")
	}

	bucket, name, err := objectstore.ParseURI(req.GCSURI)
	if err != nil {
		return respondWithError(c, http.StatusBadRequest, "gcs_uri must have the form gs://bucket/object")
	}
	if a.rawBucket != "" && bucket != a.rawBucket {
		return respondWithError(c, http.StatusBadRequest, "object is not in the raw bucket")
	}

	res, err := a.ingest.Enqueue(c.Request().Context(), bucket, name, req.Generation, req.OriginalFilename)
	if err != nil {
		return respondWithError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"doc_id": res.DocID.String(), "status": res.Status})
}

// ingestURLsHandler creates a queued task, publishes it, and returns the
// task id immediately.
func (a *App) ingestURLsHandler(c echo.Context) error {
	var req struct {
		URLs        []string `json:"urls"`
		Description string   `json:"description"`
	}
	if err := c.Bind(&req); err != nil {
		return respondWithError(c, http.StatusBadRequest, "Invalid request body")
	}
	if len(req.URLs) == 0 {
		return respondWithError(c, http.StatusBadRequest, "urls are required")
	}

	urls := make([]any, len(req.URLs))
	for i, u := range req.URLs {
		urls[i] = u
	}
	input := map[string]any{"urls": urls, "description": req.Description}
	return a.submitTask(c, bus.KindURLProcessing, input, map[string]any{
		"source":    "web_processing_api",
		"url_count": len(req.URLs),
	})
}

// ingestTextHandler queues a raw text submission.
func (a *App) ingestTextHandler(c echo.Context) error {
	var req struct {
		Content     string `json:"content"`
		Title       string `json:"title"`
		ContentType string `json:"content_type"`
	}
	if err := c.Bind(&req); err != nil {
		return respondWithError(c, http.StatusBadRequest, "Invalid request body")
	}
	if req.Content == "" {
		return respondWithError(c, http.StatusBadRequest, "content is required")
	}

	input := map[string]any{"content": req.Content, "title": req.Title, "content_type": req.ContentType}
	return a.submitTask(c, bus.KindTextProcessing, input, map[string]any{
		"source":         "text_upload_api",
		"content_length": len(req.Content),
	})
}

func (a *App) submitTask(c echo.Context, kind string, input, metadata map[string]any) error {
	ctx := c.Request().Context()
	taskID := uuid.New()

	if err := a.store.CreateTask(ctx, taskID, kind, input); err != nil {
		return respondWithError(c, http.StatusInternalServerError, "Failed to create task")
	}
	if _, err := a.publisher.PublishTask(ctx, bus.TaskMessage{
		TaskID:    taskID.String(),
		TaskType:  kind,
		InputData: input,
		Metadata:  metadata,
	}); err != nil {
		msg := err.Error()
		_ = a.store.UpdateTask(ctx, taskID, store.TaskFailed, nil, &msg)
		return respondWithError(c, http.StatusInternalServerError, "Failed to publish task")
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"task_id": taskID.String(),
		"status":  "processing",
	})
}

func (a *App) getTaskHandler(c echo.Context) error {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respondWithError(c, http.StatusBadRequest, "Invalid task ID format")
	}

	task, err := a.store.GetTask(c.Request().Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondWithError(c, http.StatusNotFound, "Task not found")
		}
		return respondWithError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, taskJSON(task))
}

func (a *App) listTasksHandler(c echo.Context) error {
	filter := store.TaskFilter{
		Status: c.QueryParam("status"),
		Type:   c.QueryParam("task_type"),
	}
	if limit := c.QueryParam("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}

	tasks, err := a.store.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return respondWithError(c, http.StatusInternalServerError, err.Error())
	}
	out := make([]map[string]any, len(tasks))
	for i, t := range tasks {
		out[i] = taskJSON(t)
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": out})
}

func taskJSON(t store.Task) map[string]any {
	out := map[string]any{
		"task_id":    t.ID.String(),
		"task_type":  t.Type,
		"status":     t.Status,
		"input_data": t.InputData,
		"created_at": t.CreatedAt.Format(time.RFC3339),
		"updated_at": t.UpdatedAt.Format(time.RFC3339),
	}
	if t.ResultData != nil {
		out["result_data"] = t.ResultData
	}
	if t.ErrorMessage != nil {
		out["error_message"] = *t.ErrorMessage
	}
	if t.CompletedAt != nil {
		out["completed_at"] = t.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func (a *App) listDocumentsHandler(c echo.Context) error {
	docs, err := a.store.ListDocuments(c.Request().Context())
	if err != nil {
		return respondWithError(c, http.StatusInternalServerError, err.Error())
	}

	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		item := map[string]any{
			"id":        d.ID.String(),
			"name":      d.Filename,
			"status":    d.Status,
			"gcsUri":    d.OriginalGCS,
			"dateAdded": d.CreatedAt.Format(time.RFC3339),
		}
		docType, fileType := store.DisplayType(d.Filename, d.OriginalGCS)
		item["type"] = docType
		if fileType != "" {
			item["fileType"] = fileType
		}
		if d.ErrorMessage != nil {
			item["errorMessage"] = *d.ErrorMessage
		}
		out[i] = item
	}
	return c.JSON(http.StatusOK, map[string]any{"documents": out})
}

func (a *App) deleteDocumentHandler(c echo.Context) error {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respondWithError(c, http.StatusBadRequest, "Invalid document ID format")
	}

	if err := a.store.DeleteDocument(c.Request().Context(), docID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondWithError(c, http.StatusNotFound, "Document not found")
		}
		return respondWithError(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) queryHandler(c echo.Context) error {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.Bind(&req); err != nil {
		return respondWithError(c, http.StatusBadRequest, "Invalid request body")
	}
	if req.Query == "" {
		return respondWithError(c, http.StatusBadRequest, "query is required")
	}

	// Retrieval never throws; fallbacks come back as 200 answers.
	return c.JSON(http.StatusOK, a.engine.Query(c.Request().Context(), req.Query))
}

func (a *App) documents3DHandler(c echo.Context) error {
	docs, err := a.store.Documents3D(c.Request().Context())
	if err != nil {
		return respondWithError(c, http.StatusInternalServerError, err.Error())
	}

	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		item := map[string]any{
			"id":         d.ID.String(),
			"name":       d.Name,
			"type":       d.Type,
			"position":   d.Position,
			"chunkCount": d.ChunkCount,
			"dateAdded":  d.CreatedAt.Format(time.RFC3339),
			"status":     store.StatusReady,
		}
		if d.FileType != "" {
			item["fileType"] = d.FileType
		}
		if d.URL != nil {
			item["url"] = *d.URL
		}
		out[i] = item
	}
	return c.JSON(http.StatusOK, map[string]any{"documents": out})
}

func (a *App) documentChunks3DHandler(c echo.Context) error {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respondWithError(c, http.StatusBadRequest, "Invalid document ID format")
	}

	chunks, err := a.store.DocumentChunks3D(c.Request().Context(), docID)
	if err != nil {
		return respondWithError(c, http.StatusInternalServerError, err.Error())
	}

	out := make([]map[string]any, len(chunks))
	for i, ch := range chunks {
		out[i] = map[string]any{
			"id":         strconv.FormatInt(ch.ChunkID, 10),
			"chunkIndex": ch.ChunkIndex,
			"text":       ch.Text,
			"position":   ch.Position,
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"chunks": out})
}
