package websocket

import "sync"

// Listener receives published events.
type Listener func(Event)

// Subscription is the handle returned by AddEventListener. It is the only way
// to remove a listener, so removal always targets exactly what was added.
type Subscription struct {
	id    uint64
	event EventName
}

// Valid reports whether the handle refers to a registration.
func (s Subscription) Valid() bool { return s.id != 0 }

// Event returns the event name the subscription was registered for.
func (s Subscription) Event() EventName { return s.event }

type registration struct {
	id uint64
	fn Listener
}

// registry maps event names to listeners in registration order.
type registry struct {
	mu      sync.RWMutex
	nextID  uint64
	byEvent map[EventName][]registration
}

func newRegistry() *registry {
	return &registry{byEvent: make(map[EventName][]registration)}
}

func (r *registry) add(event EventName, fn Listener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.byEvent[event] = append(r.byEvent[event], registration{id: r.nextID, fn: fn})
	return Subscription{id: r.nextID, event: event}
}

// remove drops the registration. Unknown or already removed handles are a no-op.
func (r *registry) remove(sub Subscription) bool {
	if !sub.Valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byEvent[sub.event]
	for i, reg := range regs {
		if reg.id != sub.id {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(r.byEvent, sub.event)
		} else {
			r.byEvent[sub.event] = next
		}
		return true
	}
	return false
}

// snapshot returns the listeners an event with the given name must reach:
// direct listeners first, then wildcard listeners.
func (r *registry) snapshot(event EventName) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	direct := r.byEvent[event]
	wildcard := r.byEvent[EventAll]
	out := make([]Listener, 0, len(direct)+len(wildcard))
	for _, reg := range direct {
		out = append(out, reg.fn)
	}
	if event != EventAll {
		for _, reg := range wildcard {
			out = append(out, reg.fn)
		}
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, regs := range r.byEvent {
		n += len(regs)
	}
	return n
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent = make(map[EventName][]registration)
}
