package bus

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cartograph/internal/ingest"
	"cartograph/internal/objectstore"
	"cartograph/internal/store"
)

// BlobProcessor dispatches object-store ingestion. displayName is the
// caller-supplied human-visible name; empty falls back to blob metadata.
type BlobProcessor interface {
	ProcessBlob(ctx context.Context, bucket, name string, generation int64, displayName string) (ingest.Result, error)
}

// WebProcessor dispatches URL and raw-text ingestion.
type WebProcessor interface {
	ProcessURLs(ctx context.Context, urls []string) []ingest.URLResult
	ProcessText(ctx context.Context, taskID uuid.UUID, title, content string) (uuid.UUID, error)
}

// Worker consumes the processing subscription and advances task state.
type Worker struct {
	store store.Store
	blobs BlobProcessor
	web   WebProcessor
	log   zerolog.Logger
}

// NewWorker wires the worker's collaborators.
func NewWorker(st store.Store, blobs BlobProcessor, web WebProcessor, log zerolog.Logger) *Worker {
	return &Worker{store: st, blobs: blobs, web: web, log: log}
}

// Run blocks on the subscription until the context ends. Message fan-out is
// bounded by the subscription's flow-control settings.
func (w *Worker) Run(ctx context.Context, sub *pubsub.Subscriber) error {
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		retriable, err := w.Handle(ctx, msg.Data)
		if err != nil {
			w.log.Error().Err(err).Bool("retriable", retriable).Msg("message handling failed")
			if retriable {
				msg.Nack()
				return
			}
		}
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("subscription receive: %w", err)
	}
	return nil
}

// Handle processes one message body. The boolean reports whether a failure
// is worth redelivering: storage-event failures are (the claim protocol
// makes redelivery safe), while task failures are recorded on the task row
// and acknowledged.
func (w *Worker) Handle(ctx context.Context, data []byte) (retriable bool, err error) {
	decoded, err := Decode(data)
	if err != nil {
		// Malformed payloads never improve on redelivery.
		return false, err
	}

	if decoded.Event != nil {
		return w.handleEvent(ctx, *decoded.Event)
	}
	return w.handleTask(ctx, *decoded.Task)
}

func (w *Worker) handleEvent(ctx context.Context, event StorageEvent) (bool, error) {
	generation, err := event.GenerationInt()
	if err != nil {
		return false, err
	}
	if _, err := w.blobs.ProcessBlob(ctx, event.Bucket, event.Name, generation, ""); err != nil {
		return true, fmt.Errorf("process %s: %w", objectstore.URI(event.Bucket, event.Name), err)
	}
	return false, nil
}

func (w *Worker) handleTask(ctx context.Context, task TaskMessage) (bool, error) {
	taskID := uuid.MustParse(task.TaskID) // validated in Decode
	log := w.log.With().Str("task_id", task.TaskID).Str("task_type", task.TaskType).Logger()

	if err := w.store.UpdateTask(ctx, taskID, store.TaskProcessing, nil, nil); err != nil {
		// The task row may not be visible yet (publish raced the insert);
		// redeliver rather than orphan the task.
		return true, fmt.Errorf("mark task processing: %w", err)
	}

	result, err := w.dispatch(ctx, taskID, task)
	if err != nil {
		log.Error().Err(err).Msg("task failed")
		msg := err.Error()
		if uerr := w.store.UpdateTask(ctx, taskID, store.TaskFailed, nil, &msg); uerr != nil {
			return true, fmt.Errorf("record task failure: %w", uerr)
		}
		return false, nil
	}

	if err := w.store.UpdateTask(ctx, taskID, store.TaskCompleted, result, nil); err != nil {
		return true, fmt.Errorf("record task completion: %w", err)
	}
	log.Info().Msg("task completed")
	return false, nil
}

func (w *Worker) dispatch(ctx context.Context, taskID uuid.UUID, task TaskMessage) (map[string]any, error) {
	switch task.TaskType {
	case KindURLProcessing:
		urls, err := stringSliceField(task.InputData, "urls")
		if err != nil {
			return nil, err
		}
		results := w.web.ProcessURLs(ctx, urls)
		processed, failed := 0, 0
		docs := make([]any, 0, len(results))
		for _, r := range results {
			if r.Status == "ok" {
				processed++
			} else {
				failed++
			}
			docs = append(docs, r)
		}
		return map[string]any{
			"processed": processed,
			"failed":    failed,
			"documents": docs,
		}, nil

	case KindTextProcessing:
		content, err := stringField(task.InputData, "content")
		if err != nil {
			return nil, err
		}
		title, _ := task.InputData["title"].(string)
		docID, err := w.web.ProcessText(ctx, taskID, title, content)
		if err != nil {
			return nil, err
		}
		return map[string]any{"doc_id": docID.String()}, nil

	case KindFileProcessing:
		gcsURI, err := stringField(task.InputData, "gcs_uri")
		if err != nil {
			return nil, err
		}
		bucket, name, err := objectstore.ParseURI(gcsURI)
		if err != nil {
			return nil, err
		}
		var generation int64
		if g, ok := task.InputData["generation"].(float64); ok {
			generation = int64(g)
		}
		displayName, _ := task.InputData["original_filename"].(string)
		res, err := w.blobs.ProcessBlob(ctx, bucket, name, generation, displayName)
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": res.Status, "doc_id": res.DocID.String()}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, task.TaskType)
	}
}
