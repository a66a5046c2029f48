// Package reliability tracks outstanding confirmable messages and
// retransmits them with exponential backoff until acknowledged or the
// retry budget runs out. It also provides the receive-side duplicate
// window. All state is owned by the host loop; nothing here is safe
// for concurrent use.
package reliability

import (
	"net"
	"time"
)

// 传输参数
const (
	AckTimeout    = 2 * time.Second
	MaxRetransmit = 4
	MaxPending    = 10
)

// Failure reports a message whose retry budget was exhausted.
type Failure struct {
	MessageID uint16
	Addr      *net.UDPAddr
}

type entry struct {
	active      bool
	messageID   uint16
	addr        *net.UDPAddr
	data        []byte
	retransmits int
	deadline    time.Time
}

// Queue is a fixed-capacity retransmission table. When the table is
// full Store fails and the caller decides whether to send unreliably.
type Queue struct {
	AckTimeout    time.Duration
	MaxRetransmit int

	entries [MaxPending]entry
}

func NewQueue() *Queue {
	return &Queue{
		AckTimeout:    AckTimeout,
		MaxRetransmit: MaxRetransmit,
	}
}

// Store registers an encoded confirmable message for retransmission.
// It returns false when no slot is free or the message ID is already
// pending.
func (q *Queue) Store(id uint16, addr *net.UDPAddr, data []byte, now time.Time) bool {
	slot := -1
	for i := range q.entries {
		if q.entries[i].active {
			if q.entries[i].messageID == id {
				return false
			}
			continue
		}
		if slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		return false
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	q.entries[slot] = entry{
		active:    true,
		messageID: id,
		addr:      addr,
		data:      buf,
		deadline:  now.Add(q.AckTimeout),
	}
	return true
}

// Clear removes the entry matching id, typically on ACK receipt.
// Clearing an absent id is a no-op.
func (q *Queue) Clear(id uint16) bool {
	for i := range q.entries {
		if q.entries[i].active && q.entries[i].messageID == id {
			q.entries[i] = entry{}
			return true
		}
	}
	return false
}

// Pending returns the number of active entries.
func (q *Queue) Pending() int {
	n := 0
	for i := range q.entries {
		if q.entries[i].active {
			n++
		}
	}
	return n
}

// Tick retransmits every entry whose deadline has passed, doubling its
// backoff, and returns the entries whose retry budget is exhausted.
// The host loop must call it periodically and act on the failures.
func (q *Queue) Tick(now time.Time, send func(data []byte, addr *net.UDPAddr)) []Failure {
	var failures []Failure
	for i := range q.entries {
		e := &q.entries[i]
		if !e.active || now.Before(e.deadline) {
			continue
		}
		if e.retransmits >= q.MaxRetransmit {
			failures = append(failures, Failure{MessageID: e.messageID, Addr: e.addr})
			q.entries[i] = entry{}
			continue
		}
		send(e.data, e.addr)
		e.retransmits++
		e.deadline = now.Add(q.AckTimeout << uint(e.retransmits))
	}
	return failures
}
