package infrastructure

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-commerce/order-lifecycle/orders/workflows"
)

type capturedSignal struct {
	orderID string
	name    string
	payload interface{}
}

type fakeSender struct {
	err      error
	captured []capturedSignal
}

func (f *fakeSender) Signal(_ context.Context, orderID, name string, payload interface{}) error {
	f.captured = append(f.captured, capturedSignal{orderID: orderID, name: name, payload: payload})
	return f.err
}

func TestRelayDeliver(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		senderErr  error
		wantErr    error
		wantSignal string
	}{
		{
			name:       "cancel message",
			body:       `{"order_id":"order-1","kind":"cancel","reason":"oops","requested_by":"ops"}`,
			wantSignal: workflows.SignalCancelOrder,
		},
		{
			name:       "address message",
			body:       `{"order_id":"order-1","kind":"update_address","address":{"line1":"1 Main St","city":"Springfield","postal_code":"12345","country":"US"}}`,
			wantSignal: workflows.SignalUpdateAddress,
		},
		{
			name:    "address message without address is dropped",
			body:    `{"order_id":"order-1","kind":"update_address"}`,
			wantErr: ErrNotApplicable,
		},
		{
			name:    "unknown kind is dropped",
			body:    `{"order_id":"order-1","kind":"refund"}`,
			wantErr: ErrNotApplicable,
		},
		{
			name:    "missing order ID is dropped",
			body:    `{"kind":"cancel"}`,
			wantErr: ErrNotApplicable,
		},
		{
			name:    "malformed body is dropped rather than retried forever",
			body:    `{not json`,
			wantErr: ErrNotApplicable,
		},
		{
			name:      "finished saga propagates not-applicable",
			body:      `{"order_id":"order-1","kind":"cancel"}`,
			senderErr: ErrNotApplicable,
			wantErr:   ErrNotApplicable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{err: tt.senderErr}
			relay := NewSQSSignalRelay(nil, "https://sqs.test/queue", sender)

			err := relay.deliver(context.Background(), types.Message{Body: aws.String(tt.body)})

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			require.Len(t, sender.captured, 1)
			assert.Equal(t, "order-1", sender.captured[0].orderID)
			assert.Equal(t, tt.wantSignal, sender.captured[0].name)
		})
	}
}

func TestRelayDeliverMapsPayloads(t *testing.T) {
	sender := &fakeSender{}
	relay := NewSQSSignalRelay(nil, "https://sqs.test/queue", sender)

	body := `{"order_id":"order-9","kind":"cancel","reason":"fraud hold","requested_by":"risk"}`
	require.NoError(t, relay.deliver(context.Background(), types.Message{Body: aws.String(body)}))

	require.Len(t, sender.captured, 1)
	sig, ok := sender.captured[0].payload.(workflows.CancelOrderSignal)
	require.True(t, ok)
	assert.Equal(t, "fraud hold", sig.Reason)
	assert.Equal(t, "risk", sig.CancelledBy)
}
