// Package broker provides the in-process topic fan-out connecting the
// detector, notifier, coordinator, conversation manager, and telemetry.
package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Well-known topics used across the pipeline.
const (
	TopicIncidentsNew       = "incidents:new"
	TopicDashboardIncidents = "dashboard:incidents"
	TopicConversationEvents = "conversations:events"
	TopicRemediationActions = "remediation:actions"
	TopicPolicyUpdated      = "policies:updated"
)

// TopicServiceLogs names the per-service log topic.
func TopicServiceLogs(serviceID string) string {
	return "railway:logs:" + serviceID
}

// TopicProjectConnections names the per-project connection-state topic.
func TopicProjectConnections(projectID string) string {
	return "railway:connections:" + projectID
}

// Message is one published payload.
type Message struct {
	Topic   string
	Payload any
}

// Broker delivers published messages to topic subscribers at most once each.
// Every subscriber owns a buffered channel; a full buffer drops the message so
// a slow subscriber never blocks the publisher or its peers.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Message
	nextID  int
	bufSize int
	dropped atomic.Uint64
	logger  *slog.Logger
}

// New constructs a Broker with the given per-subscriber buffer size.
func New(logger *slog.Logger, bufSize int) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Broker{
		subs:    make(map[string]map[int]chan Message),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers for a topic and returns the delivery channel plus a
// cancel func. Cancelling closes the channel.
func (b *Broker) Subscribe(topic string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Message, b.bufSize)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Message)
	}
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers msg to every current subscriber of topic, best effort.
func (b *Broker) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- Message{Topic: topic, Payload: payload}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("broker subscriber buffer full, dropping message", slog.String("topic", topic))
		}
	}
}

// Dropped returns the count of messages discarded due to full buffers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount reports current subscribers on a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
