package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventInstanceAdded   EventType = "instance_added"
	EventInstanceRemoved EventType = "instance_removed"
	EventFlush           EventType = "flush"
	EventEchoSuppressed  EventType = "echo_suppressed"
	EventGetResolved     EventType = "get_resolved"
	EventError           EventType = "error"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Namespace string    `json:"namespace"`
}

// InstanceEvent reports a registration or unregistration.
// Remote is true when the change was triggered by another peer.
type InstanceEvent struct {
	EventBase
	ID     string `json:"id"`
	Remote bool   `json:"remote"`
}

// FlushEvent reports one flush cycle of the pending-change aggregator.
type FlushEvent struct {
	EventBase
	Entities     int           `json:"entities"`
	Transactions int           `json:"transactions"`
	Keys         int           `json:"keys"`
	Skipped      int           `json:"skipped"`
	Duration     time.Duration `json:"duration"`
}

// EchoEvent reports a batch discarded because it carried the manager's own origin.
type EchoEvent struct {
	EventBase
	Changes int `json:"changes"`
}

// GetEvent reports the outcome of a bounded GetInstance wait.
type GetEvent struct {
	EventBase
	ID       string        `json:"id"`
	Found    bool          `json:"found"`
	Waited   time.Duration `json:"waited"`
	TimedOut bool          `json:"timed_out"`
}

// ErrorEvent reports a failure that was logged instead of returned.
type ErrorEvent struct {
	EventBase
	ID  string `json:"id"`
	Op  string `json:"op"`
	Err error  `json:"-"`
}

// LifecycleHooks defines callbacks for replication observability.
// Every field is optional.
type LifecycleHooks struct {
	OnInstanceAdded   func(context.Context, *InstanceEvent)
	OnInstanceRemoved func(context.Context, *InstanceEvent)
	OnFlush           func(context.Context, *FlushEvent)
	OnEchoSuppressed  func(context.Context, *EchoEvent)
	OnGetResolved     func(context.Context, *GetEvent)
	OnError           func(context.Context, *ErrorEvent)
}

// NewEventBase stamps an event header with the current time.
func NewEventBase(t EventType, namespace string) EventBase {
	return EventBase{Timestamp: time.Now(), Type: t, Namespace: namespace}
}
