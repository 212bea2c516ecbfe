package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
)

const snsBatchSize = 10

// lifecycleMessage is the envelope broadcast for each audit event.
type lifecycleMessage struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SNSNotifier broadcasts order lifecycle events to an SNS topic so external
// systems can follow saga progress without polling the ledger. Best effort:
// the audit ledger, not the broadcast, is the source of truth.
type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

// NewSNSNotifier wraps an SNS client and topic.
func NewSNSNotifier(client *sns.Client, topicArn string) *SNSNotifier {
	return &SNSNotifier{client: client, topicArn: topicArn}
}

// Publish sends the events in batches of at most ten, the SNS batch limit.
func (n *SNSNotifier) Publish(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	gr, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(events); start += snsBatchSize {
		end := start + snsBatchSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]
		gr.Go(func() error {
			return n.publishBatch(ctx, batch)
		})
	}
	return gr.Wait()
}

func (n *SNSNotifier) publishBatch(ctx context.Context, events []domain.Event) error {
	entries := make([]types.PublishBatchRequestEntry, len(events))
	for i, event := range events {
		msg := lifecycleMessage{
			ID:        uuid.New().String(),
			OrderID:   event.OrderID,
			Type:      event.Type,
			Timestamp: event.Timestamp,
		}
		if event.Payload != "" {
			msg.Payload = json.RawMessage(event.Payload)
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "encode lifecycle message")
		}
		entries[i] = types.PublishBatchRequestEntry{
			Id:      aws.String(msg.ID),
			Message: aws.String(string(body)),
		}
	}

	out, err := n.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(n.topicArn),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return errors.Wrap(err, "publish lifecycle batch")
	}
	if len(out.Failed) > 0 {
		return errors.Errorf("lifecycle batch: %d of %d entries failed", len(out.Failed), len(entries))
	}
	return nil
}
