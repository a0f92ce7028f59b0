package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestStateTopicReplaysLastMessage(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	bus.Publish(TopicConnections, "idle")
	bus.Publish(TopicConnections, "live")

	sub, err := bus.Subscribe("", TopicConnections)
	require.NoError(t, err)
	defer sub.Cancel()

	msg := recv(t, sub.C)
	assert.Equal(t, "live", msg.Payload, "subscriber must see the latest state first")

	bus.Publish(TopicConnections, "max")
	msg = recv(t, sub.C)
	assert.Equal(t, "max", msg.Payload)
}

func TestEventTopicDoesNotReplay(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	bus.Publish(TopicQueueAdded, "job-1")

	sub, err := bus.Subscribe("", TopicQueueAdded)
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected replayed event %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Publish(TopicQueueAdded, "job-2")
	assert.Equal(t, "job-2", recv(t, sub.C).Payload)
}

func TestSubscriberOnlySeesItsTopics(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub, err := bus.Subscribe("", TopicQueueRemoved)
	require.NoError(t, err)
	defer sub.Cancel()

	bus.Publish(TopicQueueAdded, "other")
	bus.Publish(TopicQueueRemoved, "mine")

	assert.Equal(t, "mine", recv(t, sub.C).Payload)
}

func TestMessagesArriveInPublishOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub, err := bus.Subscribe("", TopicQueueStatus)
	require.NoError(t, err)
	defer sub.Cancel()

	for _, payload := range []string{"a", "b", "c", "d"} {
		bus.Publish(TopicQueueStatus, payload)
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, recv(t, sub.C).Payload)
	}
}

func TestSubscribeAuthRejection(t *testing.T) {
	bus := NewBus(func(credential string) error {
		if credential != "secret" {
			return errors.New("bad credential")
		}
		return nil
	})
	defer bus.Close()

	_, err := bus.Subscribe("wrong", TopicConnections)
	require.Error(t, err)

	sub, err := bus.Subscribe("secret", TopicConnections)
	require.NoError(t, err)
	sub.Cancel()
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub, err := bus.Subscribe("", TopicConnections)
	require.NoError(t, err)
	sub.Cancel()

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after cancel must not panic.
	bus.Publish(TopicConnections, "idle")
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub, err := bus.Subscribe("", TopicQueueProgress)
	require.NoError(t, err)
	defer sub.Cancel()

	d := NewDebouncer(bus, TopicQueueProgress)
	defer d.Stop()

	// First publish goes straight through.
	d.Publish("job|1", false)
	assert.Equal(t, "job|1", recv(t, sub.C).Payload)

	// A burst within the window collapses to the latest value.
	for i := 2; i <= 9; i++ {
		d.Publish("job|"+string(rune('0'+i)), false)
	}
	msg := recv(t, sub.C)
	assert.Equal(t, "job|9", msg.Payload)
}

func TestDebouncerTerminalFlushesImmediately(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub, err := bus.Subscribe("", TopicQueueProgress)
	require.NoError(t, err)
	defer sub.Cancel()

	d := NewDebouncer(bus, TopicQueueProgress)
	defer d.Stop()

	d.Publish("job|10", false)
	recv(t, sub.C)

	d.Publish("job|50", false) // pending, within the window
	d.Publish("job|100", true) // terminal overrides it

	msg := recv(t, sub.C)
	assert.Equal(t, "job|100", msg.Payload)

	// The stale pending value must not fire afterwards.
	select {
	case stale := <-sub.C:
		t.Fatalf("unexpected trailing message %q", stale.Payload)
	case <-time.After(3 * debounceInterval):
	}
}
