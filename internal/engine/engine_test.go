package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/robertpelloni/picard/internal/protocol"
	"github.com/stretchr/testify/require"
)

// fakeProtocolClient implements protocol.Client for testing. Tests push
// events through emit and inspect the calls the engine made.
type fakeProtocolClient struct {
	mu sync.Mutex

	events chan protocol.Event

	connectErr  error
	downloadErr error

	// when set, RequestDownload blocks until the gate closes
	downloadGate chan struct{}

	connectCalls  int
	searchCalls   []string
	stopCalls     []string
	downloadCalls []string
	cancelCalls   []string
}

func newFakeProtocolClient() *fakeProtocolClient {
	return &fakeProtocolClient{events: make(chan protocol.Event, 256)}
}

func (f *fakeProtocolClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connectCalls++

	return f.connectErr
}

func (f *fakeProtocolClient) Search(ctx context.Context, searchID, query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.searchCalls = append(f.searchCalls, query)

	return nil
}

func (f *fakeProtocolClient) StopSearch(ctx context.Context, searchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopCalls = append(f.stopCalls, searchID)

	return nil
}

func (f *fakeProtocolClient) RequestDownload(ctx context.Context, peer, remotePath string) error {
	f.mu.Lock()
	gate := f.downloadGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloadCalls = append(f.downloadCalls, peer+"|"+remotePath)

	return f.downloadErr
}

func (f *fakeProtocolClient) Cancel(ctx context.Context, peer, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelCalls = append(f.cancelCalls, peer+"|"+remotePath)

	return nil
}

func (f *fakeProtocolClient) Events() <-chan protocol.Event {
	return f.events
}

func (f *fakeProtocolClient) Close() error {
	close(f.events)

	return nil
}

func (f *fakeProtocolClient) emit(ev protocol.Event) {
	f.events <- ev
}

func (f *fakeProtocolClient) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.downloadCalls)
}

func (f *fakeProtocolClient) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.stopCalls)
}

// fakeDestination implements Destination with scripted AttachFile outcomes.
type fakeDestination struct {
	mu       sync.Mutex
	outcomes []error // consumed per call; last one repeats
	calls    int
	analyzed int
}

func (d *fakeDestination) AttachFile(ctx context.Context, localPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++

	if len(d.outcomes) == 0 {
		return nil
	}

	out := d.outcomes[0]
	if len(d.outcomes) > 1 {
		d.outcomes = d.outcomes[1:]
	}

	return out
}

func (d *fakeDestination) TriggerAnalysis(localPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.analyzed++
}

func (d *fakeDestination) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}

func startEngine(t *testing.T, client protocol.Client, opts Options) *Engine {
	t.Helper()

	if opts.MatchMaxAttempts == 0 {
		opts.MatchMaxAttempts = 5
	}

	if opts.MatchBaseDelay == 0 {
		opts.MatchBaseDelay = time.Millisecond
	}

	eng := NewEngine(client, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-eng.Done()
	})

	go eng.Run(ctx)

	return eng
}

func transferEvent(peer, path string) protocol.TransferEvent {
	return protocol.TransferEvent{Peer: peer, RemotePath: path}
}

func TestRequestDownloadLifecycle(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	id, err := eng.RequestDownload(context.Background(), "session-1", "peer-a", "Music\\song.flac", 1000, nil)
	require.NoError(t, err)

	// registry entry is visible immediately
	tr, ok := eng.Registry().Get(id)
	require.True(t, ok)
	require.Equal(t, StateQueued, tr.State)
	require.Equal(t, MatchSkipped, tr.MatchStatus)

	require.Eventually(t, func() bool {
		return client.downloadCount() == 1
	}, time.Second, time.Millisecond)

	client.emit(protocol.ProgressEvent{TransferEvent: transferEvent("peer-a", "Music\\song.flac"), BytesReceived: 500, SizeBytes: 1000})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.State == StateInProgress && tr.BytesReceived == 500
	}, time.Second, time.Millisecond)

	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "Music\\song.flac"), LocalPath: "/tmp/song.flac", SizeBytes: 1000})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.State == StateCompleted
	}, time.Second, time.Millisecond)

	tr, _ = eng.Registry().Get(id)
	require.NotNil(t, tr.CompletedAt)
	require.Equal(t, "/tmp/song.flac", tr.LocalPath)
}

func TestRequestDownloadValidation(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	tests := []struct {
		name string
		peer string
		path string
	}{
		{name: "empty peer", peer: "", path: "Music\\song.flac"},
		{name: "empty path", peer: "peer-a", path: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.RequestDownload(context.Background(), "s", tt.peer, tt.path, 0, nil)

			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}

	// no state was created for rejected requests
	require.Empty(t, eng.Registry().ListAll())
}

func TestStartSearchValidation(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	_, err := eng.StartSearch(context.Background(), "")

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestSearchSessionIsolation(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	s1, err := eng.StartSearch(context.Background(), "artist one album")
	require.NoError(t, err)

	s2, err := eng.StartSearch(context.Background(), "artist two album")
	require.NoError(t, err)

	sub1 := eng.Subscribe(s1)
	defer sub1.Close()

	sub2 := eng.Subscribe(s2)
	defer sub2.Close()

	client.emit(protocol.SearchResultsEvent{SearchID: s1, Results: []protocol.SearchResult{
		{SearchID: s1, Peer: "p1", FilePath: "one.flac"},
	}})
	client.emit(protocol.SearchResultsEvent{SearchID: s2, Results: []protocol.SearchResult{
		{SearchID: s2, Peer: "p2", FilePath: "two.flac"},
	}})

	select {
	case ev := <-sub1.C:
		res, ok := ev.(SearchResultsEvent)
		require.True(t, ok)
		require.Equal(t, s1, res.SessionID)
		require.Equal(t, "one.flac", res.Results[0].FilePath)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 received nothing")
	}

	select {
	case ev := <-sub2.C:
		res, ok := ev.(SearchResultsEvent)
		require.True(t, ok)
		require.Equal(t, s2, res.SessionID)
		require.Equal(t, "two.flac", res.Results[0].FilePath)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 received nothing")
	}

	// neither subscriber got the other's batch
	select {
	case ev := <-sub1.C:
		t.Fatalf("subscriber 1 received unexpected event: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSearchResultsForEndedSessionAreDropped(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	sessionID, err := eng.StartSearch(context.Background(), "some album")
	require.NoError(t, err)

	eng.EndSearch(sessionID)

	client.emit(protocol.SearchResultsEvent{SearchID: sessionID, Results: []protocol.SearchResult{
		{SearchID: sessionID, FilePath: "late.flac"},
	}})

	// the session is gone; the lingering result must not resurrect it
	require.Eventually(t, func() bool {
		_, ok := eng.Session(sessionID)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestEndSearchStopsProtocolSearch(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	sessionID, err := eng.StartSearch(context.Background(), "some album")
	require.NoError(t, err)

	eng.EndSearch(sessionID)

	// ending the session must also tear the search down at the protocol side
	require.Eventually(t, func() bool {
		return client.stopCount() == 1
	}, time.Second, time.Millisecond)

	client.mu.Lock()
	stopped := client.stopCalls[0]
	client.mu.Unlock()

	require.Equal(t, sessionID, stopped)

	// ending again is harmless; the client treats unknown ids as a no-op
	eng.EndSearch(sessionID)
}

func TestCancelIdempotent(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	id, err := eng.RequestDownload(context.Background(), "s", "peer-a", "a.flac", 0, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(context.Background(), id))
	require.NoError(t, eng.Cancel(context.Background(), id))

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.State == StateCancelled
	}, time.Second, time.Millisecond)

	// cancelling after the terminal state is a no-op
	require.NoError(t, eng.Cancel(context.Background(), id))

	tr, _ := eng.Registry().Get(id)
	require.Equal(t, StateCancelled, tr.State)
}

func TestCancelAfterCompletionIsNoOp(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	id, err := eng.RequestDownload(context.Background(), "s", "peer-a", "a.flac", 0, nil)
	require.NoError(t, err)

	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "a.flac"), LocalPath: "/tmp/a.flac"})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.State == StateCompleted
	}, time.Second, time.Millisecond)

	require.NoError(t, eng.Cancel(context.Background(), id))

	tr, _ := eng.Registry().Get(id)
	require.Equal(t, StateCompleted, tr.State)
}

func TestCancelUnknownTransfer(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	err := eng.Cancel(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestFolderDownloadPartialFailure(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	manifest := []FolderFile{
		{RemotePath: "Album\\01.flac", SizeBytes: 10},
		{RemotePath: "Album\\02.flac", SizeBytes: 20},
		{RemotePath: "Album\\03.flac", SizeBytes: 30},
		{RemotePath: "Album\\04.flac", SizeBytes: 40},
	}

	groupID, err := eng.RequestFolderDownload(context.Background(), "s", "peer-a", manifest, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return client.downloadCount() == 4
	}, time.Second, time.Millisecond)

	// three finish, number three dies mid-transfer
	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "Album\\01.flac"), LocalPath: "/tmp/01.flac"})
	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "Album\\02.flac"), LocalPath: "/tmp/02.flac"})
	client.emit(protocol.FailedEvent{TransferEvent: transferEvent("peer-a", "Album\\03.flac"), Reason: "peer gone"})
	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "Album\\04.flac"), LocalPath: "/tmp/04.flac"})

	require.Eventually(t, func() bool {
		completed, failed := 0, 0

		for _, tr := range eng.Registry().ListAll() {
			switch tr.State {
			case StateCompleted:
				completed++
			case StateFailed:
				failed++
			}
		}

		return completed == 3 && failed == 1
	}, time.Second, time.Millisecond)

	transfers := eng.Registry().ListAll()
	require.Len(t, transfers, 4)

	for _, tr := range transfers {
		require.Equal(t, groupID, tr.GroupID)
	}
}

func TestFolderDownloadValidation(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	_, err := eng.RequestFolderDownload(context.Background(), "s", "peer-a", nil, nil)

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = eng.RequestFolderDownload(context.Background(), "s", "peer-a",
		[]FolderFile{{RemotePath: ""}}, nil)
	require.ErrorAs(t, err, &validation)
}

func TestFolderDispatchDoesNotStallEventLoop(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	// a single transfer already in flight before the folder arrives
	id, err := eng.RequestDownload(context.Background(), "s", "peer-b", "solo.flac", 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return client.downloadCount() == 1
	}, time.Second, time.Millisecond)

	// every folder dispatch now hangs inside the protocol client
	gate := make(chan struct{})

	client.mu.Lock()
	client.downloadGate = gate
	client.mu.Unlock()

	manifest := make([]FolderFile, 0, 8)
	for i := 0; i < 8; i++ {
		manifest = append(manifest, FolderFile{RemotePath: fmt.Sprintf("Album\\%02d.flac", i)})
	}

	_, err = eng.RequestFolderDownload(context.Background(), "s", "peer-a", manifest, nil)
	require.NoError(t, err)

	// the loop must keep consuming events while the dispatch is stuck
	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-b", "solo.flac"), LocalPath: "/tmp/solo.flac"})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.State == StateCompleted
	}, time.Second, time.Millisecond)

	close(gate)

	require.Eventually(t, func() bool {
		return client.downloadCount() == 9
	}, time.Second, time.Millisecond)
}

func TestAutoMatchRetryThenSuccess(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{MatchMaxAttempts: 5, MatchBaseDelay: time.Millisecond})

	dest := &fakeDestination{outcomes: []error{
		&DestinationNotReadyError{Reason: "album still loading"},
		&DestinationNotReadyError{Reason: "album still loading"},
		nil,
	}}

	id, err := eng.RequestDownload(context.Background(), "s", "peer-a", "a.flac", 0, dest)
	require.NoError(t, err)

	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "a.flac"), LocalPath: "/tmp/a.flac"})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.MatchStatus == MatchSucceeded
	}, time.Second, time.Millisecond)

	require.Equal(t, 3, dest.callCount())

	tr, _ := eng.Registry().Get(id)
	require.Equal(t, StateCompleted, tr.State)
}

func TestAutoMatchExhaustsAttempts(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{MatchMaxAttempts: 5, MatchBaseDelay: time.Millisecond})

	dest := &fakeDestination{outcomes: []error{
		&DestinationNotReadyError{Reason: "never ready"},
	}}

	id, err := eng.RequestDownload(context.Background(), "s", "peer-a", "a.flac", 0, dest)
	require.NoError(t, err)

	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "a.flac"), LocalPath: "/tmp/a.flac"})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.MatchStatus == MatchFailed
	}, time.Second, time.Millisecond)

	require.Equal(t, 5, dest.callCount())

	// download success is never undone by a matching failure
	tr, _ := eng.Registry().Get(id)
	require.Equal(t, StateCompleted, tr.State)
}

func TestAutoMatchFatalFailureSkipsRetries(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{MatchMaxAttempts: 5, MatchBaseDelay: time.Millisecond})

	dest := &fakeDestination{outcomes: []error{
		&DestinationGoneError{Reason: "album removed"},
	}}

	id, err := eng.RequestDownload(context.Background(), "s", "peer-a", "a.flac", 0, dest)
	require.NoError(t, err)

	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "a.flac"), LocalPath: "/tmp/a.flac"})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.MatchStatus == MatchFailed
	}, time.Second, time.Millisecond)

	require.Equal(t, 1, dest.callCount())
}

func TestMatchFailureDoesNotBlockOtherTransfers(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{MatchMaxAttempts: 5, MatchBaseDelay: 50 * time.Millisecond})

	slow := &fakeDestination{outcomes: []error{&DestinationNotReadyError{Reason: "slow"}}}

	first, err := eng.RequestDownload(context.Background(), "s", "peer-a", "slow.flac", 0, slow)
	require.NoError(t, err)

	second, err := eng.RequestDownload(context.Background(), "s", "peer-a", "fast.flac", 0, nil)
	require.NoError(t, err)

	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "slow.flac"), LocalPath: "/tmp/slow.flac"})
	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "fast.flac"), LocalPath: "/tmp/fast.flac"})

	// the second transfer completes while the first is still inside its
	// match backoff
	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(second)
		return tr.State == StateCompleted
	}, time.Second, time.Millisecond)

	tr, _ := eng.Registry().Get(first)
	require.Equal(t, StateCompleted, tr.State)
}

func TestConnectionLostFailsInProgressAndReconnects(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	inProgress, err := eng.RequestDownload(context.Background(), "s", "peer-a", "a.flac", 0, nil)
	require.NoError(t, err)

	queued, err := eng.RequestDownload(context.Background(), "s", "peer-a", "b.flac", 0, nil)
	require.NoError(t, err)

	client.emit(protocol.ProgressEvent{TransferEvent: transferEvent("peer-a", "a.flac"), BytesReceived: 1})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(inProgress)
		return tr.State == StateInProgress
	}, time.Second, time.Millisecond)

	client.emit(protocol.ConnectionLostEvent{Reason: "socket closed"})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(inProgress)
		return tr.State == StateFailed
	}, time.Second, time.Millisecond)

	// queued work is untouched and requests are still accepted after a
	// successful reconnect
	tr, _ := eng.Registry().Get(queued)
	require.Equal(t, StateQueued, tr.State)

	_, err = eng.RequestDownload(context.Background(), "s", "peer-a", "c.flac", 0, nil)
	require.NoError(t, err)
}

func TestFailedReconnectRejectsNewRequests(t *testing.T) {
	client := newFakeProtocolClient()
	client.connectErr = errors.New("no route")

	eng := startEngine(t, client, Options{})

	client.emit(protocol.ConnectionLostEvent{Reason: "socket closed"})

	require.Eventually(t, func() bool {
		_, err := eng.RequestDownload(context.Background(), "s", "peer-a", "a.flac", 0, nil)
		return errors.Is(err, ErrRejecting)
	}, time.Second, time.Millisecond)

	_, err := eng.StartSearch(context.Background(), "query")
	require.ErrorIs(t, err, ErrRejecting)
}

func TestRegistryOutlivesSubscriptions(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	sessionID, err := eng.StartSearch(context.Background(), "album")
	require.NoError(t, err)

	sub := eng.Subscribe(sessionID)

	id, err := eng.RequestDownload(context.Background(), sessionID, "peer-a", "a.flac", 0, nil)
	require.NoError(t, err)

	sub.Close()
	eng.EndSearch(sessionID)

	client.emit(protocol.CompletedEvent{TransferEvent: transferEvent("peer-a", "a.flac"), LocalPath: "/tmp/a.flac"})

	require.Eventually(t, func() bool {
		tr, _ := eng.Registry().Get(id)
		return tr.State == StateCompleted
	}, time.Second, time.Millisecond)

	bySession := eng.Registry().ListBySession(sessionID)
	require.Len(t, bySession, 1)
	require.Equal(t, id, bySession[0].ID)
}

// TestStateSequencesUnderRandomInterleavings drives many transfers with
// shuffled event orders, including events arriving after a terminal state,
// and asserts no transfer ever leaves a terminal state.
func TestStateSequencesUnderRandomInterleavings(t *testing.T) {
	client := newFakeProtocolClient()
	eng := startEngine(t, client, Options{})

	rng := rand.New(rand.NewSource(42))

	const transferCount = 30

	type scripted struct {
		id       string
		path     string
		terminal State
	}

	var all []scripted

	terminals := []State{StateCompleted, StateFailed, StateCancelled}

	for i := 0; i < transferCount; i++ {
		path := "file-" + string(rune('a'+i%26)) + string(rune('0'+i/26)) + ".flac"

		id, err := eng.RequestDownload(context.Background(), "s", "peer-a", path, 0, nil)
		require.NoError(t, err)

		all = append(all, scripted{id: id, path: path, terminal: terminals[rng.Intn(len(terminals))]})
	}

	var events []protocol.Event

	for _, sc := range all {
		te := transferEvent("peer-a", sc.path)

		events = append(events, protocol.ProgressEvent{TransferEvent: te, BytesReceived: 1})

		switch sc.terminal {
		case StateCompleted:
			events = append(events, protocol.CompletedEvent{TransferEvent: te, LocalPath: "/tmp/x"})
		case StateFailed:
			events = append(events, protocol.FailedEvent{TransferEvent: te, Reason: "x"})
		case StateCancelled:
			events = append(events, protocol.CancelledEvent{TransferEvent: te})
		}

		// duplicate terminal and stale progress events that must be ignored
		events = append(events,
			protocol.ProgressEvent{TransferEvent: te, BytesReceived: 2},
			protocol.FailedEvent{TransferEvent: te, Reason: "stale"},
		)
	}

	// interleave transfers; per-transfer order is preserved by the shuffle
	// below only across different transfers, so shuffle in chunks
	rng.Shuffle(transferCount, func(i, j int) {
		const chunk = 4

		for k := 0; k < chunk; k++ {
			events[i*chunk+k], events[j*chunk+k] = events[j*chunk+k], events[i*chunk+k]
		}
	})

	for _, ev := range events {
		client.emit(ev)
	}

	require.Eventually(t, func() bool {
		for _, sc := range all {
			tr, _ := eng.Registry().Get(sc.id)
			if !tr.State.Terminal() {
				return false
			}
		}

		return true
	}, 2*time.Second, time.Millisecond)

	for _, sc := range all {
		tr, _ := eng.Registry().Get(sc.id)
		require.Equal(t, sc.terminal, tr.State, "transfer %s revisited or skipped its terminal state", sc.id)
	}
}
