package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(nil, 4)

	a, cancelA := b.Subscribe(TopicIncidentsNew)
	defer cancelA()
	c, cancelC := b.Subscribe(TopicIncidentsNew)
	defer cancelC()

	b.Publish(TopicIncidentsNew, "payload")

	msgA := <-a
	msgC := <-c
	assert.Equal(t, "payload", msgA.Payload)
	assert.Equal(t, "payload", msgC.Payload)
	assert.Equal(t, TopicIncidentsNew, msgA.Topic)
}

func TestPublishIsTopicScoped(t *testing.T) {
	b := New(nil, 4)

	logs, cancel := b.Subscribe(TopicServiceLogs("svc-1"))
	defer cancel()

	b.Publish(TopicServiceLogs("svc-2"), "other")
	select {
	case <-logs:
		t.Fatal("message leaked across topics")
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New(nil, 1)

	ch, cancel := b.Subscribe(TopicRemediationActions)
	defer cancel()

	b.Publish(TopicRemediationActions, 1)
	b.Publish(TopicRemediationActions, 2)

	assert.Equal(t, uint64(1), b.Dropped())
	msg := <-ch
	assert.Equal(t, 1, msg.Payload, "oldest delivery survives, newest is dropped")
}

func TestCancelClosesChannelAndUnsubscribes(t *testing.T) {
	b := New(nil, 4)

	ch, cancel := b.Subscribe(TopicPolicyUpdated)
	require.Equal(t, 1, b.SubscriberCount(TopicPolicyUpdated))

	cancel()
	assert.Equal(t, 0, b.SubscriberCount(TopicPolicyUpdated))
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic or count a drop.
	b.Publish(TopicPolicyUpdated, "x")
	assert.Equal(t, uint64(0), b.Dropped())

	// Cancel is idempotent.
	cancel()
}
