package protocol

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by the disabled client when no peer-to-peer
// daemon is configured.
var ErrUnavailable = errors.New("peer-to-peer support is not configured")

// SearchResult is one file offered by a peer in answer to a search.
type SearchResult struct {
	SearchID    string
	Peer        string
	FilePath    string
	SizeBytes   int64
	BitrateKbps int
	Lossless    bool
	QueueLength int
	UploadSpeed int64
}

// Event is one notification from the peer-to-peer session. Exactly one
// implementation per event kind; the engine switches on the concrete type.
type Event interface {
	isEvent()
}

// SearchResultsEvent carries a batch of results answering a search.
type SearchResultsEvent struct {
	SearchID string
	Results  []SearchResult
}

// TransferEvent identifies the remote file an event belongs to. The engine
// correlates it back to a transfer by (peer, remote path).
type TransferEvent struct {
	Peer       string
	RemotePath string
}

// ProgressEvent reports bytes received for an active download.
type ProgressEvent struct {
	TransferEvent
	BytesReceived int64
	SizeBytes     int64
}

// CompletedEvent reports a finished download and where it landed on disk.
type CompletedEvent struct {
	TransferEvent
	LocalPath string
	SizeBytes int64
}

// FailedEvent reports a download that the peer or the network aborted.
type FailedEvent struct {
	TransferEvent
	Reason string
}

// CancelledEvent acknowledges a cancellation.
type CancelledEvent struct {
	TransferEvent
}

// ConnectionLostEvent reports that the session to the network dropped.
type ConnectionLostEvent struct {
	Reason string
}

func (SearchResultsEvent) isEvent()  {}
func (ProgressEvent) isEvent()       {}
func (CompletedEvent) isEvent()      {}
func (FailedEvent) isEvent()         {}
func (CancelledEvent) isEvent()      {}
func (ConnectionLostEvent) isEvent() {}

// Client is the peer-to-peer capability the engine orchestrates. The wire
// protocol itself lives behind this boundary; implementations talk to an
// external daemon or do nothing at all.
type Client interface {
	// Connect establishes (or re-establishes) the network session.
	Connect(ctx context.Context) error

	// Search issues a network-wide file search. Results arrive asynchronously
	// as SearchResultsEvents tagged with searchID.
	Search(ctx context.Context, searchID, query string) error

	// StopSearch stops collecting results for a search. Stopping an unknown
	// or already stopped search is a no-op.
	StopSearch(ctx context.Context, searchID string) error

	// RequestDownload enqueues a download of a remote file. Progress and the
	// terminal outcome arrive asynchronously as transfer events.
	RequestDownload(ctx context.Context, peer, remotePath string) error

	// Cancel requests a best-effort cancellation of a download.
	Cancel(ctx context.Context, peer, remotePath string) error

	// Events returns the stream of session notifications. The channel is
	// closed by Close.
	Events() <-chan Event

	// Close tears down the session and releases background resources.
	Close() error
}
