package api

import (
	"github.com/skobkin/resgov/internal/governor"
	"github.com/skobkin/resgov/internal/inference"
	"github.com/skobkin/resgov/internal/orchestrator"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Strategies []string        `json:"strategies"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, features map[string]bool) HelloMessage {
	strategies := orchestrator.Strategies()
	names := make([]string, 0, len(strategies))
	for _, s := range strategies {
		names = append(names, s.Name)
	}
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Strategies: names,
		Features:   features,
	}
}

// StateMessage wraps a governor snapshot for transport.
type StateMessage struct {
	Type string `json:"type"`
	governor.Snapshot
}

// NewStateMessage constructs a state payload.
func NewStateMessage(snapshot governor.Snapshot) StateMessage {
	return StateMessage{
		Type:     "state",
		Snapshot: snapshot,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// StrategyRequest selects an optimization strategy by name.
type StrategyRequest struct {
	Strategy string `json:"strategy"`
}

// LifecycleRequest delivers an OS lifecycle event by name.
type LifecycleRequest struct {
	Event string `json:"event"`
}

// LifecycleResponse reports the state after an event.
type LifecycleResponse struct {
	State string `json:"state"`
}

// InferenceRequest submits a prompt. With Wait set the response carries the
// completion instead of only the request ID.
type InferenceRequest struct {
	Prompt string           `json:"prompt"`
	Params inference.Params `json:"params"`
	Wait   bool             `json:"wait,omitempty"`
}

// InferenceResponse acknowledges a submission.
type InferenceResponse struct {
	RequestID  string                `json:"request_id"`
	Queued     bool                  `json:"queued"`
	Completion *inference.Completion `json:"completion,omitempty"`
}

// HistoryResponse carries the retained performance samples, oldest first.
type HistoryResponse struct {
	Capacity int                              `json:"capacity"`
	Samples  []orchestrator.PerformanceSample `json:"samples"`
}
