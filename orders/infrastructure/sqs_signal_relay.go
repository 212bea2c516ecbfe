package infrastructure

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
	"github.com/trellis-commerce/order-lifecycle/orders/workflows"
)

// SignalSender delivers a signal to a running saga instance.
type SignalSender interface {
	Signal(ctx context.Context, orderID, name string, payload interface{}) error
}

// signalMessage is the wire format external systems drop on the queue.
type signalMessage struct {
	OrderID     string          `json:"order_id"`
	Kind        string          `json:"kind"`
	Reason      string          `json:"reason,omitempty"`
	Address     *domain.Address `json:"address,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
}

const (
	signalKindCancel        = "cancel"
	signalKindUpdateAddress = "update_address"
)

type relayOptions struct {
	maxMessages     int32
	waitTimeSeconds int32
	visibility      int32
	sleepAfterError time.Duration
}

// RelayOption tunes the SQS polling loop.
type RelayOption func(*relayOptions)

// WithRelayVisibilityTimeout overrides the per-message visibility timeout.
func WithRelayVisibilityTimeout(seconds int32) RelayOption {
	return func(o *relayOptions) { o.visibility = seconds }
}

// WithRelayWaitTime overrides the long-poll wait.
func WithRelayWaitTime(seconds int32) RelayOption {
	return func(o *relayOptions) { o.waitTimeSeconds = seconds }
}

// SQSSignalRelay bridges a queue of out-of-band control messages into the
// engine's signal-delivery primitive. External systems that cannot call the
// HTTP API directly enqueue cancel/address messages instead.
type SQSSignalRelay struct {
	client   *sqs.Client
	queueURL string
	sender   SignalSender
	options  relayOptions
}

// NewSQSSignalRelay builds a relay over an SQS queue.
func NewSQSSignalRelay(client *sqs.Client, queueURL string, sender SignalSender, opts ...RelayOption) *SQSSignalRelay {
	options := relayOptions{
		maxMessages:     5,
		waitTimeSeconds: 15,
		visibility:      30,
		sleepAfterError: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &SQSSignalRelay{
		client:   client,
		queueURL: queueURL,
		sender:   sender,
		options:  options,
	}
}

// Run polls until the context ends. Successfully delivered signals are
// deleted; signals aimed at unknown or finished sagas are deleted too (an
// explicit no-op, not an error); transport failures leave the message for
// redelivery.
func (r *SQSSignalRelay) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := r.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueURL),
			MaxNumberOfMessages: r.options.maxMessages,
			WaitTimeSeconds:     r.options.waitTimeSeconds,
			VisibilityTimeout:   r.options.visibility,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("signal relay: receive failed: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.options.sleepAfterError):
			}
			continue
		}
		for _, msg := range out.Messages {
			r.handle(ctx, msg)
		}
	}
}

func (r *SQSSignalRelay) handle(ctx context.Context, msg types.Message) {
	err := r.deliver(ctx, msg)
	switch {
	case err == nil:
		r.delete(ctx, msg)
	case errors.Is(err, ErrNotApplicable):
		log.Printf("signal relay: signal not applicable, dropping: %v", err)
		r.delete(ctx, msg)
	default:
		log.Printf("signal relay: delivery failed, leaving for redelivery: %v", err)
	}
}

func (r *SQSSignalRelay) deliver(ctx context.Context, msg types.Message) error {
	if msg.Body == nil {
		return nil
	}
	var sig signalMessage
	if err := json.Unmarshal([]byte(*msg.Body), &sig); err != nil {
		// Malformed messages can never succeed; report not-applicable so the
		// caller drops them instead of looping forever.
		log.Printf("signal relay: malformed message: %v", err)
		return ErrNotApplicable
	}
	if sig.OrderID == "" {
		return ErrNotApplicable
	}

	switch sig.Kind {
	case signalKindCancel:
		return r.sender.Signal(ctx, sig.OrderID, workflows.SignalCancelOrder, workflows.CancelOrderSignal{
			Reason:      sig.Reason,
			CancelledBy: sig.RequestedBy,
		})
	case signalKindUpdateAddress:
		if sig.Address == nil {
			return ErrNotApplicable
		}
		return r.sender.Signal(ctx, sig.OrderID, workflows.SignalUpdateAddress, workflows.UpdateAddressSignal{
			NewAddress: *sig.Address,
			UpdatedBy:  sig.RequestedBy,
		})
	default:
		return ErrNotApplicable
	}
}

func (r *SQSSignalRelay) delete(ctx context.Context, msg types.Message) {
	if msg.ReceiptHandle == nil {
		return
	}
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.Printf("signal relay: delete failed: %v", err)
	}
}
