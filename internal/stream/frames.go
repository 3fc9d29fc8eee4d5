// Package stream owns the long-lived log subscriptions: one GraphQL-over-
// WebSocket connection per monitoring target, with reconnect, backoff,
// heartbeat, and drop-oldest backpressure toward the detector.
package stream

import "encoding/json"

// FrameType enumerates the graphql-transport-ws lifecycle messages.
type FrameType string

const (
	FrameConnectionInit FrameType = "connection_init"
	FrameConnectionAck  FrameType = "connection_ack"
	FramePing           FrameType = "ping"
	FramePong           FrameType = "pong"
	FrameSubscribe      FrameType = "subscribe"
	FrameNext           FrameType = "next"
	FrameData           FrameType = "data"
	FrameError          FrameType = "error"
	FrameComplete       FrameType = "complete"
)

// Frame is one message on the subscription transport.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload carries the GraphQL operation for a subscribe frame.
type SubscribePayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

func connectionInitFrame(token string) Frame {
	payload, _ := json.Marshal(map[string]string{"Authorization": "Bearer " + token})
	return Frame{Type: FrameConnectionInit, Payload: payload}
}

func subscribeFrame(id string, payload SubscribePayload) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: id, Type: FrameSubscribe, Payload: raw}, nil
}

func pongFrame() Frame {
	return Frame{Type: FramePong}
}

func completeFrame(id string) Frame {
	return Frame{ID: id, Type: FrameComplete}
}

const environmentLogsSubscription = `subscription environmentLogs($environmentId: String!, $filter: String!) {
  environmentLogs(environmentId: $environmentId, filter: $filter) {
    timestamp
    message
    severity
    tags { serviceId deploymentId }
  }
}`

// buildLogsSubscription renders the default environment-scoped subscription.
// When a service ID is present the filter narrows to that service.
func buildLogsSubscription(environmentID, serviceID, levelFilter string) SubscribePayload {
	if levelFilter == "" {
		levelFilter = "error"
	}
	filter := "level:" + levelFilter
	if serviceID != "" {
		filter = "service:" + serviceID + " " + filter
	}
	return SubscribePayload{
		Query: environmentLogsSubscription,
		Variables: map[string]any{
			"environmentId": environmentID,
			"filter":        filter,
		},
	}
}
