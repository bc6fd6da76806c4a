package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	b := NewInMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var received []Message

	unsub, err := b.Subscribe(context.Background(), "ops.panic", func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	})
	require.NoError(t, err)
	defer unsub()

	err = b.Publish(context.Background(), "ops.panic", map[string]interface{}{"action": "panic.freeze.agents"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "panic.freeze.agents", received[0].Payload["action"])
}

func TestInMemoryBusTopicIsolation(t *testing.T) {
	b := NewInMemoryBus()
	defer b.Close()

	var gotA, gotB int32
	unsubA, err := b.Subscribe(context.Background(), "ops.scan", func(msg Message) { gotA++ })
	require.NoError(t, err)
	defer unsubA()
	unsubB, err := b.Subscribe(context.Background(), "ops.maint", func(msg Message) { gotB++ })
	require.NoError(t, err)
	defer unsubB()

	require.NoError(t, b.Publish(context.Background(), "ops.scan", map[string]interface{}{}))

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, gotA)
	assert.EqualValues(t, 0, gotB)
}

func TestInMemoryBusHealthCheck(t *testing.T) {
	b := NewInMemoryBus()
	assert.NoError(t, b.HealthCheck(context.Background()))
	b.Close()
	assert.Error(t, b.HealthCheck(context.Background()))
}
