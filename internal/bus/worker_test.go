package bus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/ingest"
	"cartograph/internal/store"
)

type fakeBlobs struct {
	calls []string
	names []string
	err   error
}

func (f *fakeBlobs) ProcessBlob(_ context.Context, bucket, name string, generation int64, displayName string) (ingest.Result, error) {
	f.calls = append(f.calls, bucket+"/"+name)
	f.names = append(f.names, displayName)
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{Status: "ok", DocID: uuid.New()}, nil
}

type fakeWeb struct {
	urlResults []ingest.URLResult
	textErr    error
}

func (f *fakeWeb) ProcessURLs(_ context.Context, urls []string) []ingest.URLResult {
	if f.urlResults != nil {
		return f.urlResults
	}
	out := make([]ingest.URLResult, len(urls))
	for i, u := range urls {
		out[i] = ingest.URLResult{URL: u, DocID: uuid.NewString(), Status: "ok"}
	}
	return out
}

func (f *fakeWeb) ProcessText(_ context.Context, taskID uuid.UUID, title, content string) (uuid.UUID, error) {
	if f.textErr != nil {
		return uuid.Nil, f.textErr
	}
	return uuid.New(), nil
}

func taskBody(t *testing.T, msg TaskMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestHandleURLTask(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	taskID := uuid.New()
	require.NoError(t, st.CreateTask(context.Background(), taskID, KindURLProcessing, nil))

	w := NewWorker(st, &fakeBlobs{}, &fakeWeb{}, zerolog.Nop())
	retriable, err := w.Handle(context.Background(), taskBody(t, TaskMessage{
		TaskID:    taskID.String(),
		TaskType:  KindURLProcessing,
		InputData: map[string]any{"urls": []any{"https://a", "https://b"}},
	}))
	require.NoError(t, err)
	assert.False(t, retriable)

	task, err := st.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.ResultData["processed"])
	assert.Equal(t, 0, task.ResultData["failed"])
	require.NotNil(t, task.CompletedAt)
}

func TestHandleTextTaskFailureRecordedAndAcked(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	taskID := uuid.New()
	require.NoError(t, st.CreateTask(context.Background(), taskID, KindTextProcessing, nil))

	w := NewWorker(st, &fakeBlobs{}, &fakeWeb{textErr: errors.New("embedding quota exhausted")}, zerolog.Nop())
	retriable, err := w.Handle(context.Background(), taskBody(t, TaskMessage{
		TaskID:    taskID.String(),
		TaskType:  KindTextProcessing,
		InputData: map[string]any{"content": "hello", "title": "T"},
	}))
	require.NoError(t, err)
	assert.False(t, retriable, "recorded task failures must be acknowledged")

	task, _ := st.GetTask(context.Background(), taskID)
	assert.Equal(t, store.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "embedding quota exhausted")
}

func TestHandleFileTask(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	taskID := uuid.New()
	require.NoError(t, st.CreateTask(context.Background(), taskID, KindFileProcessing, nil))

	blobs := &fakeBlobs{}
	w := NewWorker(st, blobs, &fakeWeb{}, zerolog.Nop())
	retriable, err := w.Handle(context.Background(), taskBody(t, TaskMessage{
		TaskID:    taskID.String(),
		TaskType:  KindFileProcessing,
		InputData: map[string]any{"gcs_uri": "gs://raw/abc.pdf", "generation": float64(17), "original_filename": "Annual Report.pdf"},
	}))
	require.NoError(t, err)
	assert.False(t, retriable)
	assert.Equal(t, []string{"raw/abc.pdf"}, blobs.calls)
	assert.Equal(t, []string{"Annual Report.pdf"}, blobs.names, "the task's display name must reach the orchestrator")
}

func TestHandleStorageEvent(t *testing.T) {
	t.Parallel()
	blobs := &fakeBlobs{}
	w := NewWorker(store.NewMemory(), blobs, &fakeWeb{}, zerolog.Nop())

	retriable, err := w.Handle(context.Background(), []byte(`{"bucket":"raw","name":"abc.pdf","generation":"17"}`))
	require.NoError(t, err)
	assert.False(t, retriable)
	assert.Equal(t, []string{"raw/abc.pdf"}, blobs.calls)
}

func TestHandleStorageEventFailureIsRetriable(t *testing.T) {
	t.Parallel()
	blobs := &fakeBlobs{err: errors.New("store down")}
	w := NewWorker(store.NewMemory(), blobs, &fakeWeb{}, zerolog.Nop())

	retriable, err := w.Handle(context.Background(), []byte(`{"bucket":"raw","name":"abc.pdf","generation":"17"}`))
	require.Error(t, err)
	assert.True(t, retriable, "storage events lean on redelivery plus the claim protocol")
}

func TestHandleMalformedPayloadNotRetriable(t *testing.T) {
	t.Parallel()
	w := NewWorker(store.NewMemory(), &fakeBlobs{}, &fakeWeb{}, zerolog.Nop())

	retriable, err := w.Handle(context.Background(), []byte(`{"neither":"fish nor fowl"}`))
	require.Error(t, err)
	assert.False(t, retriable)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte(`{"task_id":"` + uuid.NewString() + `","task_type":"video_processing","input_data":{}}`))
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestDecodeUnwrapsDataEnvelope(t *testing.T) {
	t.Parallel()
	decoded, err := Decode([]byte(`{"data":{"bucket":"raw","name":"x.pdf","generation":"3"}}`))
	require.NoError(t, err)
	require.NotNil(t, decoded.Event)
	assert.Equal(t, "raw", decoded.Event.Bucket)
}

func TestDecodeUnwrapsBase64Data(t *testing.T) {
	t.Parallel()
	payload := base64.StdEncoding.EncodeToString([]byte(`{"bucket":"raw","name":"y.pdf","generation":"7"}`))
	decoded, err := Decode([]byte(`{"data":"` + payload + `"}`))
	require.NoError(t, err)
	require.NotNil(t, decoded.Event)
	assert.Equal(t, "y.pdf", decoded.Event.Name)

	gen, err := decoded.Event.GenerationInt()
	require.NoError(t, err)
	assert.Equal(t, int64(7), gen)
}

func TestHandleTaskMissingRowIsRetriable(t *testing.T) {
	t.Parallel()
	w := NewWorker(store.NewMemory(), &fakeBlobs{}, &fakeWeb{}, zerolog.Nop())

	retriable, err := w.Handle(context.Background(), taskBody(t, TaskMessage{
		TaskID:    uuid.NewString(),
		TaskType:  KindURLProcessing,
		InputData: map[string]any{"urls": []any{"https://a"}},
	}))
	require.Error(t, err)
	assert.True(t, retriable, "publish can race the task insert")
}
