package engine

import (
	"sync"
)

// record is the registry's mutable backing entry for one transfer. The
// Destination rides along so the matcher can find it after completion; it is
// never part of the snapshots handed to readers.
type record struct {
	transfer Transfer
	dest     Destination
}

// Registry is the process-wide table of every transfer ever started. It is
// append-mostly: entries are only marked terminal, never rewound, and reads
// always see consistent snapshots. A configurable bound evicts the oldest
// terminal entries so long sessions do not grow without limit.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*record
	active   map[string]*record // peer|path -> non-terminal record, for event correlation
	order    []*record          // creation order
	capacity int
}

// NewRegistry creates a registry bounded to capacity entries. A capacity of
// zero or less means unbounded.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		byID:     make(map[string]*record),
		active:   make(map[string]*record),
		capacity: capacity,
	}
}

func (r *Registry) add(t Transfer, dest Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &record{transfer: t, dest: dest}
	r.byID[t.ID] = rec
	r.active[transferKey(t.Peer, t.RemotePath)] = rec
	r.order = append(r.order, rec)

	r.evictLocked()
}

// Get returns a snapshot of the transfer, if known.
func (r *Registry) Get(id string) (Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return Transfer{}, false
	}

	return rec.transfer, true
}

// ListAll returns a snapshot of every tracked transfer, ordered by creation
// time. The snapshot is independent of later mutations.
func (r *Registry) ListAll() []Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Transfer, 0, len(r.order))
	for _, rec := range r.order {
		out = append(out, rec.transfer)
	}

	return out
}

// ListBySession returns the snapshot filtered to one session, in creation
// order. The registry outlives subscriptions, so a session's transfers stay
// visible after its subscriber has gone away.
func (r *Registry) ListBySession(sessionID string) []Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Transfer

	for _, rec := range r.order {
		if rec.transfer.SessionID == sessionID {
			out = append(out, rec.transfer)
		}
	}

	return out
}

// lookupActive resolves a protocol event's (peer, remote path) back to the
// transfer it belongs to.
func (r *Registry) lookupActive(peer, remotePath string) (Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.active[transferKey(peer, remotePath)]
	if !ok {
		return Transfer{}, false
	}

	return rec.transfer, true
}

// update applies fn to the transfer under the write lock and returns the
// resulting snapshot. fn must not attempt a transition out of a terminal
// state; use transition for state changes.
func (r *Registry) update(id string, fn func(*Transfer)) (Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return Transfer{}, false
	}

	fn(&rec.transfer)

	return rec.transfer, true
}

// transition moves a transfer to next if the monotonic state machine allows
// it. It reports false (and changes nothing) for a transfer already terminal
// or for a backwards transition; a lost race with a competing terminal event
// is a no-op, never a double transition.
func (r *Registry) transition(id string, next State, fn func(*Transfer)) (Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return Transfer{}, false
	}

	cur := rec.transfer.State
	if cur.Terminal() || next.rank() <= cur.rank() {
		return rec.transfer, false
	}

	rec.transfer.State = next
	if fn != nil {
		fn(&rec.transfer)
	}

	if next.Terminal() {
		key := transferKey(rec.transfer.Peer, rec.transfer.RemotePath)
		if r.active[key] == rec {
			delete(r.active, key)
		}
	}

	return rec.transfer, true
}

// destination returns the caller-supplied destination for a transfer.
func (r *Registry) destination(id string) Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.byID[id]; ok {
		return rec.dest
	}

	return nil
}

// evictLocked drops the oldest terminal entries once the bound is exceeded.
// Non-terminal entries are never evicted.
func (r *Registry) evictLocked() {
	if r.capacity <= 0 || len(r.order) <= r.capacity {
		return
	}

	excess := len(r.order) - r.capacity
	kept := make([]*record, 0, len(r.order))

	for _, rec := range r.order {
		if excess > 0 && rec.transfer.State.Terminal() {
			delete(r.byID, rec.transfer.ID)

			excess--

			continue
		}

		kept = append(kept, rec)
	}

	r.order = kept
}

func transferKey(peer, remotePath string) string {
	return peer + "|" + remotePath
}
