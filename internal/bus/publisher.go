package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// Publisher pushes task messages onto the processing topic.
type Publisher struct {
	pub *pubsub.Publisher
	log zerolog.Logger
}

// NewPublisher wraps a topic publisher.
func NewPublisher(client *pubsub.Client, topicID string, log zerolog.Logger) *Publisher {
	return &Publisher{pub: client.Publisher(topicID), log: log}
}

// PublishTask sends one task envelope. Attributes echo the task type and id
// for subscription filtering.
func (p *Publisher) PublishTask(ctx context.Context, msg TaskMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", msg.TaskID, err)
	}

	result := p.pub.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"task_type": msg.TaskType,
			"task_id":   msg.TaskID,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish task %s: %w", msg.TaskID, err)
	}
	p.log.Info().Str("task_id", msg.TaskID).Str("task_type", msg.TaskType).Str("message_id", id).Msg("published task")
	return id, nil
}

// Stop flushes pending publishes.
func (p *Publisher) Stop() {
	p.pub.Stop()
}
