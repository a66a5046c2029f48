// Package observe tracks the subscribers of an observable resource
// and decides when to give up on them.
package observe

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	// MaxSubscribers bounds the registry. Registration fails closed
	// once the table is full.
	MaxSubscribers = 5

	// TimeoutThreshold is the number of consecutive delivery failures
	// after which a subscriber is considered gone.
	TimeoutThreshold = 3

	// IdleCeiling evicts subscribers that have not acknowledged
	// anything for a long time even without delivery failures.
	IdleCeiling = 3 * time.Hour

	// PruneInterval is how often the owning loop should call Prune.
	PruneInterval = 5 * time.Second
)

var ErrRegistryFull = errors.New("observe: subscriber table full")

// Subscriber is one registered observer.
type Subscriber struct {
	Addr  *net.UDPAddr
	Token string

	seq     uint32
	missed  int
	lastAck time.Time
}

// NextSeq advances and returns the notification sequence. It is per
// subscriber and strictly increasing.
func (s *Subscriber) NextSeq() uint32 {
	s.seq++
	return s.seq
}

// Seq returns the last sequence number handed out for this
// subscriber.
func (s *Subscriber) Seq() uint32 { return s.seq }

// Missed returns the current consecutive failure count.
func (s *Subscriber) Missed() int { return s.missed }

// LastAck returns the time of the last acknowledgment.
func (s *Subscriber) LastAck() time.Time { return s.lastAck }

// Registry is the subscriber table. Not safe for concurrent use; it
// belongs to a single loop.
type Registry struct {
	subs []*Subscriber
}

func NewRegistry() *Registry {
	return &Registry{subs: make([]*Subscriber, 0, MaxSubscribers)}
}

func (r *Registry) Len() int { return len(r.subs) }

// Register adds a subscriber or refreshes an existing one with the
// same address and token.
func (r *Registry) Register(addr *net.UDPAddr, token string, now time.Time) (*Subscriber, error) {
	if s := r.find(addr, token); s != nil {
		s.missed = 0
		s.lastAck = now
		return s, nil
	}
	if len(r.subs) >= MaxSubscribers {
		return nil, ErrRegistryFull
	}
	s := &Subscriber{Addr: addr, Token: token, lastAck: now}
	r.subs = append(r.subs, s)
	return s, nil
}

// Deregister removes the subscriber with the given address and token.
func (r *Registry) Deregister(addr *net.UDPAddr, token string) bool {
	for i, s := range r.subs {
		if sameAddr(s.Addr, addr) && s.Token == token {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// OnAck records a confirmed delivery to addr. The failure count
// resets and the idle clock restarts.
func (r *Registry) OnAck(addr *net.UDPAddr, now time.Time) {
	for _, s := range r.subs {
		if sameAddr(s.Addr, addr) {
			s.missed = 0
			s.lastAck = now
		}
	}
}

// OnFailure records an exhausted delivery to addr.
func (r *Registry) OnFailure(addr *net.UDPAddr) {
	for _, s := range r.subs {
		if sameAddr(s.Addr, addr) {
			s.missed++
		}
	}
}

// Prune drops subscribers that reached the failure threshold and
// returns them. Sitting idle past the ceiling counts as one failure
// and restarts the idle clock, so a silent subscriber still gets one
// more cycle before removal.
func (r *Registry) Prune(now time.Time) []*Subscriber {
	var gone []*Subscriber
	kept := r.subs[:0]
	for _, s := range r.subs {
		if s.missed >= TimeoutThreshold {
			gone = append(gone, s)
			continue
		}
		if now.Sub(s.lastAck) >= IdleCeiling {
			s.missed++
			s.lastAck = now
		}
		kept = append(kept, s)
	}
	r.subs = kept
	return gone
}

// SubscriberInfo is a copy of a subscriber's state for reporting.
type SubscriberInfo struct {
	Addr    string    `json:"addr"`
	Seq     uint32    `json:"seq"`
	Missed  int       `json:"missed"`
	LastAck time.Time `json:"last_ack"`
}

// Snapshot copies the table for the control surface.
func (r *Registry) Snapshot() []SubscriberInfo {
	out := make([]SubscriberInfo, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, SubscriberInfo{
			Addr:    s.Addr.String(),
			Seq:     s.seq,
			Missed:  s.missed,
			LastAck: s.lastAck,
		})
	}
	return out
}

// Subscribers returns the live table for a notification sweep. The
// slice is the registry's own; callers must not retain it across
// mutations.
func (r *Registry) Subscribers() []*Subscriber {
	return r.subs
}

func (r *Registry) find(addr *net.UDPAddr, token string) *Subscriber {
	for _, s := range r.subs {
		if sameAddr(s.Addr, addr) && s.Token == token {
			return s
		}
	}
	return nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
