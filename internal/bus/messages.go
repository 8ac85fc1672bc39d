// Package bus bridges the pub/sub topic and the ingestion pipelines: it
// publishes task messages for asynchronous submissions and consumes both
// task messages and raw object-storage events.
package bus

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Task kinds carried on the topic.
const (
	KindURLProcessing  = "url_processing"
	KindTextProcessing = "text_processing"
	KindFileProcessing = "file_processing"
)

// ErrUnknownKind marks a task message whose kind the worker cannot dispatch.
var ErrUnknownKind = errors.New("unknown task kind")

// TaskMessage is the envelope published for asynchronous submissions.
type TaskMessage struct {
	TaskID    string         `json:"task_id"`
	TaskType  string         `json:"task_type"`
	InputData map[string]any `json:"input_data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StorageEvent is the object-store notification variant.
type StorageEvent struct {
	Bucket     string `json:"bucket"`
	Name       string `json:"name"`
	Generation string `json:"generation"`
}

// GenerationInt parses the event's generation, which arrives as a string.
func (e StorageEvent) GenerationInt() (int64, error) {
	if e.Generation == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(e.Generation, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("generation %q is not an integer: %w", e.Generation, err)
	}
	return n, nil
}

// Decoded is the union of payloads a subscription message can carry.
type Decoded struct {
	Task  *TaskMessage
	Event *StorageEvent
}

// Decode classifies a message body. Task envelopes carry task_id; storage
// events carry bucket and name. Anything else is a validation error.
func Decode(data []byte) (Decoded, error) {
	// Some event transports double-wrap the payload under "data", either as
	// a nested object or as a base64-encoded string.
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Data) > 0 {
		inner := []byte(wrapper.Data)
		var encoded string
		if json.Unmarshal(inner, &encoded) == nil {
			if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				inner = decoded
			} else {
				inner = []byte(encoded)
			}
		}
		data = inner
	}

	var probe struct {
		TaskID string `json:"task_id"`
		Bucket string `json:"bucket"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Decoded{}, fmt.Errorf("decode message: %w", err)
	}

	switch {
	case probe.TaskID != "":
		var task TaskMessage
		if err := json.Unmarshal(data, &task); err != nil {
			return Decoded{}, fmt.Errorf("decode task message: %w", err)
		}
		if _, err := uuid.Parse(task.TaskID); err != nil {
			return Decoded{}, fmt.Errorf("task_id %q is not a uuid: %w", task.TaskID, err)
		}
		switch task.TaskType {
		case KindURLProcessing, KindTextProcessing, KindFileProcessing:
		default:
			return Decoded{}, fmt.Errorf("%w: %q", ErrUnknownKind, task.TaskType)
		}
		return Decoded{Task: &task}, nil
	case probe.Bucket != "" && probe.Name != "":
		var event StorageEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return Decoded{}, fmt.Errorf("decode storage event: %w", err)
		}
		return Decoded{Event: &event}, nil
	default:
		return Decoded{}, errors.New("message is neither a task envelope nor a storage event")
	}
}

// stringField extracts a required string from a task's input payload.
func stringField(input map[string]any, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("input_data.%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("input_data.%s must be a non-empty string", key)
	}
	return s, nil
}

// stringSliceField extracts a required string list from a task's payload.
func stringSliceField(input map[string]any, key string) ([]string, error) {
	v, ok := input[key]
	if !ok {
		return nil, fmt.Errorf("input_data.%s is required", key)
	}
	raw, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct, nil
		}
		return nil, fmt.Errorf("input_data.%s must be a list of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("input_data.%s must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}
