package engine

import (
	"sync"

	"github.com/robertpelloni/picard/internal/protocol"
)

const subscriptionBuffer = 128

// Event is a notification fanned out to a session's subscribers.
type Event interface {
	isEvent()
}

// SearchResultsEvent delivers a batch of search results to the session that
// issued the search.
type SearchResultsEvent struct {
	SessionID string
	Results   []protocol.SearchResult
}

// TransferUpdateEvent delivers a transfer snapshot after a state or match
// change.
type TransferUpdateEvent struct {
	Transfer Transfer
}

func (SearchResultsEvent) isEvent()  {}
func (TransferUpdateEvent) isEvent() {}

// Subscription is one subscriber's handle on a session's event stream.
// Events are read from C. Close is idempotent and safe after the session
// already ended.
type Subscription struct {
	C chan Event

	sessionID string
	router    *Router
	once      sync.Once
}

// SessionID returns the session this subscription is registered for.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.router.remove(s)
		close(s.C)
	})
}

// Router fans session-tagged events out to the subscribers registered for
// exactly that session. Events tagged with one session are never delivered
// to another session's subscribers; that is the whole isolation mechanism.
type Router struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewRouter() *Router {
	return &Router{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber for sessionID.
func (r *Router) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		C:         make(chan Event, subscriptionBuffer),
		sessionID: sessionID,
		router:    r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.subs[sessionID] = set
	}

	set[sub] = struct{}{}

	return sub
}

// Publish fans the event out to sessionID's current subscribers. Zero
// subscribers is a no-op: the caller may have closed its window while a
// lingering search or download still completes. A slow subscriber's full
// buffer drops the event rather than blocking the publisher.
func (r *Router) Publish(sessionID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.subs[sessionID] {
		select {
		case sub.C <- ev:
		default:
		}
	}
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[sub.sessionID]
	if !ok {
		return
	}

	delete(set, sub)

	if len(set) == 0 {
		delete(r.subs, sub.sessionID)
	}
}
