package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func collect(t *testing.T, b *MemoryEventBus, subject string) (<-chan *Event, Subscription) {
	ch := make(chan *Event, 16)
	sub, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch, sub
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	ch, _ := collect(t, b, "task.abc.log")

	evt := NewEvent("log", "state", map[string]interface{}{"chunk": "hello"})
	require.NoError(t, b.Publish(context.Background(), "task.abc.log", evt))

	got := waitEvent(t, ch)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, "log", got.Type)
	assert.Equal(t, "hello", got.Data["chunk"])
}

func TestMemoryBusNoCrossTalk(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	ch, _ := collect(t, b, "task.abc.log")

	require.NoError(t, b.Publish(context.Background(), "task.other.log", NewEvent("log", "state", nil)))

	select {
	case <-ch:
		t.Fatal("received event for a different subject")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	t.Run("star matches one token", func(t *testing.T) {
		ch, sub := collect(t, b, "task.abc.*")
		defer func() { _ = sub.Unsubscribe() }()

		require.NoError(t, b.Publish(context.Background(), "task.abc.diff", NewEvent("diff", "state", nil)))
		got := waitEvent(t, ch)
		assert.Equal(t, "diff", got.Type)
	})

	t.Run("arrow matches remaining tokens", func(t *testing.T) {
		ch, sub := collect(t, b, "task.>")
		defer func() { _ = sub.Unsubscribe() }()

		require.NoError(t, b.Publish(context.Background(), "task.xyz.state", NewEvent("state", "state", nil)))
		got := waitEvent(t, ch)
		assert.Equal(t, "state", got.Type)
	})
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	ch, sub := collect(t, b, "task.abc.log")
	require.True(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "task.abc.log", NewEvent("log", "state", nil)))

	select {
	case <-ch:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	const subscribers = 5
	var wg sync.WaitGroup
	wg.Add(subscribers)

	for i := 0; i < subscribers; i++ {
		_, err := b.Subscribe("task.abc.state", func(ctx context.Context, e *Event) error {
			wg.Done()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "task.abc.state", NewEvent("state", "state", nil)))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the event")
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "task.abc.log", NewEvent("log", "state", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("task.abc.log", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
