package websocket

import (
	"errors"
	"sync"
	"time"
)

// DeliveryState is the state of an outbound realtime message.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// ErrOutboxFull is recorded on entries rejected because too many are pending.
var ErrOutboxFull = errors.New("outbox is full")

// OutboundEntry tracks one outbound message by its client id.
type OutboundEntry struct {
	Message   OutboundMessage
	State     DeliveryState
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Outbox keeps outbound realtime messages keyed by client id so that sends
// made while offline can be flushed after reconnecting, and so callers can see
// whether each message is pending, sent or failed.
type Outbox struct {
	mu          sync.Mutex
	limit       int
	maxAttempts int
	now         func() time.Time
	entries     map[string]*OutboundEntry
	order       []string
}

// NewOutbox returns an outbox holding at most limit pending entries. An entry
// is marked failed after maxAttempts failed emits. Zero values disable the
// respective cap.
func NewOutbox(limit, maxAttempts int, now func() time.Time) *Outbox {
	if now == nil {
		now = time.Now
	}
	return &Outbox{
		limit:       limit,
		maxAttempts: maxAttempts,
		now:         now,
		entries:     make(map[string]*OutboundEntry),
	}
}

// enqueue records msg as pending. A message with a known client id keeps its
// existing entry, so retrying a send never duplicates it.
func (o *Outbox) enqueue(msg OutboundMessage) (OutboundEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.entries[msg.ClientID]; ok {
		if e.State == DeliveryFailed {
			e.State = DeliveryPending
			e.Attempts = 0
			e.LastError = ""
			e.UpdatedAt = o.now()
		}
		return *e, nil
	}

	e := &OutboundEntry{Message: msg, State: DeliveryPending, UpdatedAt: o.now()}
	if o.limit > 0 && o.pendingLocked() >= o.limit {
		e.State = DeliveryFailed
		e.LastError = ErrOutboxFull.Error()
		o.store(e)
		return *e, ErrOutboxFull
	}
	o.store(e)
	return *e, nil
}

func (o *Outbox) store(e *OutboundEntry) {
	o.entries[e.Message.ClientID] = e
	o.order = append(o.order, e.Message.ClientID)
	o.pruneLocked()
}

// pruneLocked drops the oldest settled entries once the outbox holds more
// than twice its limit.
func (o *Outbox) pruneLocked() {
	if o.limit <= 0 || len(o.order) <= 2*o.limit {
		return
	}
	kept := o.order[:0]
	excess := len(o.order) - 2*o.limit
	for _, id := range o.order {
		e := o.entries[id]
		if excess > 0 && e.State != DeliveryPending {
			delete(o.entries, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func (o *Outbox) pendingLocked() int {
	n := 0
	for _, e := range o.entries {
		if e.State == DeliveryPending {
			n++
		}
	}
	return n
}

// recordSent tracks a message that was emitted directly.
func (o *Outbox) recordSent(msg OutboundMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[msg.ClientID]; ok {
		e.State = DeliverySent
		e.Attempts++
		e.LastError = ""
		e.UpdatedAt = o.now()
		return
	}
	o.store(&OutboundEntry{
		Message:   msg,
		State:     DeliverySent,
		Attempts:  1,
		UpdatedAt: o.now(),
	})
}

func (o *Outbox) markSent(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[clientID]; ok {
		e.State = DeliverySent
		e.Attempts++
		e.LastError = ""
		e.UpdatedAt = o.now()
	}
}

// markAttemptFailed records a failed emit. The entry stays pending until the
// attempt cap is reached.
func (o *Outbox) markAttemptFailed(clientID string, err error) DeliveryState {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[clientID]
	if !ok {
		return ""
	}
	e.Attempts++
	e.LastError = err.Error()
	e.UpdatedAt = o.now()
	if o.maxAttempts > 0 && e.Attempts >= o.maxAttempts {
		e.State = DeliveryFailed
	}
	return e.State
}

// failPending marks every pending entry failed.
func (o *Outbox) failPending(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.entries {
		if e.State != DeliveryPending {
			continue
		}
		e.State = DeliveryFailed
		e.LastError = reason
		e.UpdatedAt = o.now()
		n++
	}
	return n
}

// Get returns the entry for a client id.
func (o *Outbox) Get(clientID string) (OutboundEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[clientID]
	if !ok {
		return OutboundEntry{}, false
	}
	return *e, true
}

// Pending returns pending entries in the order they were queued.
func (o *Outbox) Pending() []OutboundEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboundEntry
	for _, id := range o.order {
		if e := o.entries[id]; e.State == DeliveryPending {
			out = append(out, *e)
		}
	}
	return out
}

// Forget drops an entry, e.g. after the UI dismissed a failed send.
func (o *Outbox) Forget(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[clientID]; !ok {
		return
	}
	delete(o.entries, clientID)
	for i, id := range o.order {
		if id == clientID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}
