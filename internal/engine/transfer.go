package engine

import (
	"time"
)

// State is a transfer's download lifecycle state. Transitions are monotonic:
// Queued -> InProgress -> {Completed | Failed | Cancelled}. There is no way
// out of a terminal state.
type State string

const (
	StateQueued     State = "queued"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further state transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}

	return false
}

// rank orders states along the allowed transition path.
func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateInProgress:
		return 1
	default:
		return 2
	}
}

// MatchStatus tracks catalog attachment independently of download success.
// A completed download keeps StateCompleted no matter how matching went.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchSucceeded MatchStatus = "succeeded"
	MatchFailed    MatchStatus = "failed"
	MatchSkipped   MatchStatus = "skipped"
)

// Transfer is one file's download lifecycle from request to terminal state.
// Values handed out by the registry are snapshots; only the engine mutates
// the backing record.
type Transfer struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id"`
	GroupID       string      `json:"group_id,omitempty"`
	Peer          string      `json:"peer"`
	RemotePath    string      `json:"remote_path"`
	LocalPath     string      `json:"local_path,omitempty"`
	SizeBytes     int64       `json:"size_bytes"`
	BytesReceived int64       `json:"bytes_received"`
	State         State       `json:"state"`
	MatchStatus   MatchStatus `json:"match_status"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// FolderFile is one entry of a folder download manifest.
type FolderFile struct {
	RemotePath string `json:"remote_path"`
	SizeBytes  int64  `json:"size_bytes"`
}
