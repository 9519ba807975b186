package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
)

type fakeBroker struct {
	mu           sync.Mutex
	connectErr   error
	published    map[string][][]byte
	disconnected bool
}

func (f *fakeBroker) Connect() error { return f.connectErr }

func (f *fakeBroker) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeBroker) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeBroker) messages(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published[topic]...)
}

func TestPublisher_ForwardsFireEvents(t *testing.T) {
	broker := &fakeBroker{}
	bus := service.NewEventBus(10)
	defer bus.Close()

	pub := NewPublisherWithBroker("firewatch/alerts", broker, logger.NewNopLogger())
	pub.SetEventBus(bus)
	require.NoError(t, pub.Start(context.Background()))

	bus.Publish(service.Event{
		Type:   service.EventTypePrediction,
		Source: "capture",
		Data:   map[string]interface{}{"label": "no_fire"},
	})
	bus.Publish(service.Event{
		Type:   service.EventTypeFireDetected,
		Source: "capture",
		Data: map[string]interface{}{
			"source": "live",
			"label":  "fire",
			"score":  0.92,
			"email":  "ops@example.com",
		},
	})

	require.Eventually(t, func() bool {
		return len(broker.messages("firewatch/alerts")) == 1
	}, time.Second, 5*time.Millisecond)

	var alert Alert
	require.NoError(t, json.Unmarshal(broker.messages("firewatch/alerts")[0], &alert))
	assert.Equal(t, "fire_detected", alert.Event)
	assert.Equal(t, "live", alert.Source)
	assert.InDelta(t, 0.92, alert.Score, 1e-9)
	assert.Equal(t, "ops@example.com", alert.Email)
	assert.False(t, alert.Timestamp.IsZero())

	require.NoError(t, pub.Stop(context.Background()))
	assert.True(t, broker.disconnected)
}

func TestPublisher_BrokerDownDoesNotFailStart(t *testing.T) {
	broker := &fakeBroker{connectErr: errors.New("connection refused")}
	pub := NewPublisherWithBroker("alerts", broker, logger.NewNopLogger())
	pub.SetEventBus(service.NewEventBus(1))

	assert.NoError(t, pub.Start(context.Background()))
	assert.NoError(t, pub.Stop(context.Background()))
}

func TestPublisher_RequiresEventBus(t *testing.T) {
	pub := NewPublisherWithBroker("alerts", &fakeBroker{}, logger.NewNopLogger())
	assert.Error(t, pub.Start(context.Background()))
}
