package notify

import (
	"errors"
	"sync"
)

// ErrDelivery reports that at least one channel could not accept a message.
var ErrDelivery = errors.New("notify: delivery dropped")

// channelBuffer bounds how far a slow client may fall behind before
// messages are dropped for that session.
const channelBuffer = 16

// Registry maps user ids to their live delivery channels. A user may hold
// several sessions at once. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]map[chan Message]struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]map[chan Message]struct{})}
}

// Register opens a delivery channel for the user and returns it together
// with an unregister function. The caller owns draining the channel.
func (r *Registry) Register(userID int64) (<-chan Message, func()) {
	ch := make(chan Message, channelBuffer)
	r.mu.Lock()
	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[chan Message]struct{})
		r.sessions[userID] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	unregister := func() {
		once.Do(func() {
			r.mu.Lock()
			if set, ok := r.sessions[userID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(r.sessions, userID)
				}
			}
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, unregister
}

// Deliver sends to every channel the user currently has open. Users with no
// sessions drop the message silently. A full channel drops the message for
// that session rather than blocking, and ErrDelivery is returned so the
// caller can count the drop.
func (r *Registry) Deliver(userID int64, msg Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var dropped bool
	for ch := range r.sessions[userID] {
		select {
		case ch <- msg:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrDelivery
	}
	return nil
}

// BroadcastDeliver sends to every registered channel across all users.
func (r *Registry) BroadcastDeliver(msg Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var dropped bool
	for _, set := range r.sessions {
		for ch := range set {
			select {
			case ch <- msg:
			default:
				dropped = true
			}
		}
	}
	if dropped {
		return ErrDelivery
	}
	return nil
}

// Sessions reports the number of open channels for a user.
func (r *Registry) Sessions(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}
