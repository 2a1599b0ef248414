package engine

import (
	"sort"
	"sync"

	"github.com/robertpelloni/picard/internal/protocol"
)

// Quality is a presentation tier for a search result. It drives ordering and
// coloring in the caller's UI, never selection logic.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// QualityOf classifies a result: lossless or >=320 kbps is High, 192-319 kbps
// is Medium, anything below is Low.
func QualityOf(r protocol.SearchResult) Quality {
	switch {
	case r.Lossless || r.BitrateKbps >= 320:
		return QualityHigh
	case r.BitrateKbps >= 192:
		return QualityMedium
	default:
		return QualityLow
	}
}

func (q Quality) rank() int {
	switch q {
	case QualityHigh:
		return 0
	case QualityMedium:
		return 1
	default:
		return 2
	}
}

// SortKey selects the sort order for a session's result view.
type SortKey string

const (
	SortByArrival SortKey = "arrival"
	SortBySize    SortKey = "size"
	SortBySpeed   SortKey = "speed"
	SortByQuality SortKey = "quality"
	SortByQueue   SortKey = "queue"
)

// Session represents one caller-initiated search. Results accumulate in
// arrival order; sorted views are computed over a copy, never by reordering
// the buffer.
type Session struct {
	ID    string
	Query string

	mu      sync.Mutex
	results []protocol.SearchResult
}

func newSession(id, query string) *Session {
	return &Session{ID: id, Query: query}
}

// sessionTable tracks open search sessions by id.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*Session)}
}

func (t *sessionTable) put(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions[s.ID] = s
}

func (t *sessionTable) get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[id]

	return s, ok
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sessions, id)
}

func (s *Session) add(results ...protocol.SearchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, results...)
}

// Results returns the accumulated buffer in arrival order.
func (s *Session) Results() []protocol.SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.SearchResult, len(s.results))
	copy(out, s.results)

	return out
}

// Sorted returns a stably sorted view of the buffer. Ties keep arrival
// order. The buffer itself is untouched, so the view can be re-applied as
// more results arrive.
func (s *Session) Sorted(by SortKey) []protocol.SearchResult {
	out := s.Results()

	switch by {
	case SortBySize:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].SizeBytes > out[j].SizeBytes
		})
	case SortBySpeed:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].UploadSpeed > out[j].UploadSpeed
		})
	case SortByQuality:
		sort.SliceStable(out, func(i, j int) bool {
			return QualityOf(out[i]).rank() < QualityOf(out[j]).rank()
		})
	case SortByQueue:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].QueueLength < out[j].QueueLength
		})
	}

	return out
}
