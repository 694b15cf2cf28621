package events_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisense-io/agrisense/events"
)

type capturePublisher struct {
	published []events.Event
}

func (p *capturePublisher) Publish(ctx context.Context, event events.Event) error {
	p.published = append(p.published, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestPublishOrLogCarriesPayload(t *testing.T) {
	p := &capturePublisher{}
	events.PublishOrLog(context.Background(), p, events.Event{
		Resource:   "mobile",
		Operation:  events.OperationCreate,
		ResourceID: uuid.New(),
		Payload:    events.PayloadOf(map[string]string{"qr_code": "A1"}),
	})
	require.Len(t, p.published, 1)
	assert.JSONEq(t, `{"qr_code":"A1"}`, string(p.published[0].Payload))
}

func TestPayloadOfUnmarshallableResource(t *testing.T) {
	assert.Nil(t, events.PayloadOf(func() {}))
}

func TestPublishOrLogToleratesNilPublisher(t *testing.T) {
	events.PublishOrLog(context.Background(), nil, events.Event{Resource: "device"})
}
