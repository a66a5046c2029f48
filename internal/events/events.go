// Package events carries protocol happenings out of the poll loop
// without blocking it. Sinks must return quickly; slow consumers
// belong behind a buffered transport such as NATS.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies an Event.
type Kind string

const (
	KindDeliveryFailed   Kind = "delivery_failed"
	KindSubscriberAdded  Kind = "subscriber_added"
	KindNotification     Kind = "notification"
	KindSubscriberPruned Kind = "subscriber_pruned"
	KindTransferStarted  Kind = "transfer_started"
	KindTransferDone     Kind = "transfer_done"
	KindTransferAborted  Kind = "transfer_aborted"
)

// Event is a single protocol happening.
type Event struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	// Optional context. Zero values mean not applicable.
	Addr      string `json:"addr,omitempty"`
	MessageID uint16 `json:"message_id,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Transfer  string `json:"transfer,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// New builds an Event with a fresh id and the current time.
func New(kind Kind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Time: time.Now()}
}

// Sink consumes events. Emit must not block.
type Sink interface {
	Emit(ev Event)
}

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Emit(Event) {}
