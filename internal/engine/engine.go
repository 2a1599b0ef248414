package engine

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/robertpelloni/picard/internal/logctx"
	"github.com/robertpelloni/picard/internal/protocol"
	"github.com/robertpelloni/picard/internal/storage"
	"github.com/robertpelloni/picard/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	commandBuffer  = 256
	finishedBuffer = 64

	// concurrent dispatches when expanding a folder manifest
	folderDispatchLimit = 4
)

// Options tune the engine.
type Options struct {
	MaxTrackedTransfers int
	MatchMaxAttempts    int
	MatchBaseDelay      time.Duration
	Fingerprint         bool
}

// Engine is the concurrent transfer orchestration core. One background loop
// owns the protocol session: it is the single consumer of protocol events and
// the only place that calls into the network. Caller-facing operations are
// validated synchronously, then handed off to the loop without blocking.
type Engine struct {
	client   protocol.Client
	registry *Registry
	router   *Router
	matcher  *Matcher
	history  storage.HistoryRepository
	tel      *telemetry.Telemetry

	sessions *sessionTable

	cmds      chan func(context.Context)
	rejecting chan struct{} // closed after a failed reconnect

	// bg tracks goroutines spawned off the loop (auto-matchers, folder
	// dispatch); Run waits for them before shutting down.
	bg errgroup.Group

	// OnTransferFinished receives a snapshot for every transfer reaching a
	// terminal state. Non-blocking sends; consumers that fall behind miss
	// notifications, not state.
	OnTransferFinished chan Transfer

	done chan struct{}
}

// NewEngine creates the engine. history and tel may be nil.
func NewEngine(client protocol.Client, history storage.HistoryRepository, tel *telemetry.Telemetry, opts Options) *Engine {
	return &Engine{
		client:             client,
		registry:           NewRegistry(opts.MaxTrackedTransfers),
		router:             NewRouter(),
		matcher:            NewMatcher(opts.MatchMaxAttempts, opts.MatchBaseDelay, opts.Fingerprint),
		history:            history,
		tel:                tel,
		sessions:           newSessionTable(),
		cmds:               make(chan func(context.Context), commandBuffer),
		rejecting:          make(chan struct{}),
		OnTransferFinished: make(chan Transfer, finishedBuffer),
		done:               make(chan struct{}),
	}
}

// Registry exposes the global queue view.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Subscribe registers a subscriber for a session's events.
func (e *Engine) Subscribe(sessionID string) *Subscription {
	return e.router.Subscribe(sessionID)
}

// Run drives the orchestration loop until ctx is cancelled or the protocol
// event stream closes. It must be called exactly once.
func (e *Engine) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("transfer orchestrator running")

	defer func() {
		e.bg.Wait()
		close(e.OnTransferFinished)
		close(e.done)
		logger.Info("transfer orchestrator stopped")
	}()

	events := e.client.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			cmd(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}

			e.handleEvent(ctx, ev)
		}
	}
}

// Done is closed once Run has fully drained.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) isRejecting() bool {
	select {
	case <-e.rejecting:
		return true
	default:
		return false
	}
}

// StartSearch opens a search session and issues the query. The returned
// session id tags every result so concurrent sessions never see each other's
// hits.
func (e *Engine) StartSearch(ctx context.Context, query string) (string, error) {
	if query == "" {
		return "", &ValidationError{Field: "query", Reason: "must not be empty"}
	}

	if e.isRejecting() {
		return "", ErrRejecting
	}

	sessionID := uuid.New().String()
	e.sessions.put(newSession(sessionID, query))

	if e.tel != nil {
		e.tel.RecordSearch()
	}

	e.cmds <- func(ctx context.Context) {
		if err := e.client.Search(ctx, sessionID, query); err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to issue search",
				"session_id", sessionID, "err", err)
		}
	}

	return sessionID, nil
}

// Session returns the search session, if it is still open.
func (e *Engine) Session(sessionID string) (*Session, bool) {
	return e.sessions.get(sessionID)
}

// EndSearch drops the session's result buffer and stops the protocol-side
// search, so the client neither polls for nor delivers results for it anymore.
// Lingering results already in flight are discarded on arrival.
func (e *Engine) EndSearch(sessionID string) {
	e.sessions.remove(sessionID)

	e.cmds <- func(ctx context.Context) {
		if err := e.client.StopSearch(ctx, sessionID); err != nil {
			logctx.LoggerFromContext(ctx).Debug("failed to stop search",
				"session_id", sessionID, "err", err)
		}
	}
}

// RequestDownload allocates a transfer and hands the download request to the
// orchestration loop. The registry entry is visible to the global queue view
// before this returns.
func (e *Engine) RequestDownload(ctx context.Context, sessionID, peer, remotePath string, sizeBytes int64, dest Destination) (string, error) {
	if peer == "" {
		return "", &ValidationError{Field: "peer", Reason: "must not be empty"}
	}

	if remotePath == "" {
		return "", &ValidationError{Field: "remote_path", Reason: "must not be empty"}
	}

	if e.isRejecting() {
		return "", ErrRejecting
	}

	t := e.newTransfer(sessionID, "", peer, remotePath, sizeBytes, dest)

	e.cmds <- func(ctx context.Context) {
		e.dispatch(ctx, t)
	}

	return t.ID, nil
}

// RequestFolderDownload expands a folder manifest into one transfer per file,
// all sharing a group id. A file that fails to dispatch does not cancel its
// siblings.
func (e *Engine) RequestFolderDownload(ctx context.Context, sessionID, peer string, manifest []FolderFile, dest Destination) (string, error) {
	if peer == "" {
		return "", &ValidationError{Field: "peer", Reason: "must not be empty"}
	}

	if len(manifest) == 0 {
		return "", &ValidationError{Field: "manifest", Reason: "must contain at least one file"}
	}

	for _, f := range manifest {
		if f.RemotePath == "" {
			return "", &ValidationError{Field: "manifest", Reason: "every file needs a remote path"}
		}
	}

	if e.isRejecting() {
		return "", ErrRejecting
	}

	groupID := uuid.New().String()
	transfers := make([]Transfer, 0, len(manifest))

	for _, f := range manifest {
		transfers = append(transfers, e.newTransfer(sessionID, groupID, peer, f.RemotePath, f.SizeBytes, dest))
	}

	e.cmds <- func(ctx context.Context) {
		// dispatch off the loop; a slow daemon must not stall event consumption
		e.bg.Go(func() error {
			var g errgroup.Group

			g.SetLimit(folderDispatchLimit)

			for _, t := range transfers {
				g.Go(func() error {
					e.dispatch(ctx, t)

					return nil
				})
			}

			return g.Wait()
		})
	}

	return groupID, nil
}

// Cancel requests a best-effort cancellation. It is idempotent: cancelling a
// terminal transfer, or cancelling twice, is a no-op.
func (e *Engine) Cancel(ctx context.Context, transferID string) error {
	t, ok := e.registry.Get(transferID)
	if !ok {
		return ErrUnknownTransfer
	}

	if t.State.Terminal() {
		return nil
	}

	e.cmds <- func(ctx context.Context) {
		logger := logctx.LoggerFromContext(ctx).With("transfer_id", transferID)

		cur, ok := e.registry.Get(transferID)
		if !ok || cur.State.Terminal() {
			return
		}

		// Queued work has nothing in flight; cancel locally right away.
		// An InProgress transfer waits for the protocol's acknowledgement,
		// and a racing completion event wins if it arrives first.
		if cur.State == StateQueued {
			if snap, moved := e.registry.transition(transferID, StateCancelled, stampCompleted); moved {
				e.finishTransfer(ctx, snap)
			}
		}

		if err := e.client.Cancel(ctx, cur.Peer, cur.RemotePath); err != nil {
			logger.Debug("protocol cancel failed", "err", err)
		}
	}

	return nil
}

func (e *Engine) newTransfer(sessionID, groupID, peer, remotePath string, sizeBytes int64, dest Destination) Transfer {
	t := Transfer{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		GroupID:     groupID,
		Peer:        peer,
		RemotePath:  remotePath,
		SizeBytes:   sizeBytes,
		State:       StateQueued,
		MatchStatus: MatchPending,
		CreatedAt:   time.Now(),
	}

	if dest == nil {
		t.MatchStatus = MatchSkipped
	}

	e.registry.add(t, dest)

	if e.tel != nil {
		e.tel.IncrementActiveTransfers()
	}

	e.track(t)

	return t
}

// dispatch forwards a queued transfer to the protocol client. Runs on the
// orchestration loop (or a folder expansion worker).
func (e *Engine) dispatch(ctx context.Context, t Transfer) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", t.ID, "peer", t.Peer)

	logger.Debug("dispatching download", "remote_path", t.RemotePath,
		"size", humanize.Bytes(uint64(max64(t.SizeBytes, 0))))

	if err := e.client.RequestDownload(ctx, t.Peer, t.RemotePath); err != nil {
		logger.Error("failed to request download", "err", err)

		if snap, moved := e.registry.transition(t.ID, StateFailed, stampCompleted); moved {
			e.finishTransfer(ctx, snap)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.SearchResultsEvent:
		e.handleSearchResults(ev)
	case protocol.ProgressEvent:
		e.handleProgress(ev)
	case protocol.CompletedEvent:
		e.handleCompleted(ctx, ev)
	case protocol.FailedEvent:
		e.handleTerminal(ctx, ev.TransferEvent, StateFailed)
	case protocol.CancelledEvent:
		e.handleTerminal(ctx, ev.TransferEvent, StateCancelled)
	case protocol.ConnectionLostEvent:
		e.handleConnectionLost(ctx, ev)
	}
}

func (e *Engine) handleSearchResults(ev protocol.SearchResultsEvent) {
	session, ok := e.sessions.get(ev.SearchID)
	if !ok {
		// session ended while the search was still answering; drop
		return
	}

	session.add(ev.Results...)

	if e.tel != nil {
		e.tel.RecordSearchResults(len(ev.Results))
	}

	e.router.Publish(session.ID, SearchResultsEvent{SessionID: session.ID, Results: ev.Results})
}

func (e *Engine) handleProgress(ev protocol.ProgressEvent) {
	t, ok := e.registry.lookupActive(ev.Peer, ev.RemotePath)
	if !ok {
		return
	}

	// first progress promotes Queued to InProgress; later ones only update counters
	snap, moved := e.registry.transition(t.ID, StateInProgress, func(tr *Transfer) {
		tr.BytesReceived = ev.BytesReceived
		if ev.SizeBytes > 0 {
			tr.SizeBytes = ev.SizeBytes
		}
	})

	if !moved {
		snap, moved = e.registry.update(t.ID, func(tr *Transfer) {
			tr.BytesReceived = ev.BytesReceived
		})
		if !moved {
			return
		}
	}

	e.router.Publish(snap.SessionID, TransferUpdateEvent{Transfer: snap})
}

func (e *Engine) handleCompleted(ctx context.Context, ev protocol.CompletedEvent) {
	t, ok := e.registry.lookupActive(ev.Peer, ev.RemotePath)
	if !ok {
		return
	}

	snap, moved := e.registry.transition(t.ID, StateCompleted, func(tr *Transfer) {
		now := time.Now()
		tr.CompletedAt = &now
		tr.LocalPath = ev.LocalPath

		if ev.SizeBytes > 0 {
			tr.SizeBytes = ev.SizeBytes
			tr.BytesReceived = ev.SizeBytes
		}
	})
	if !moved {
		// lost the race against cancel/failure; the earlier event was authoritative
		return
	}

	e.finishTransfer(ctx, snap)

	dest := e.registry.destination(snap.ID)
	if dest == nil {
		return
	}

	// matching retries are scheduled off the loop so one slow destination
	// never stalls other transfers' events
	e.bg.Go(func() error {
		e.runMatch(ctx, snap.ID, dest, snap.LocalPath)

		return nil
	})
}

func (e *Engine) handleTerminal(ctx context.Context, ev protocol.TransferEvent, state State) {
	t, ok := e.registry.lookupActive(ev.Peer, ev.RemotePath)
	if !ok {
		return
	}

	if snap, moved := e.registry.transition(t.ID, state, stampCompleted); moved {
		e.finishTransfer(ctx, snap)
	}
}

// handleConnectionLost fails everything in flight and tries one reconnect.
// If that fails the engine rejects further requests.
func (e *Engine) handleConnectionLost(ctx context.Context, ev protocol.ConnectionLostEvent) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Error("protocol session lost", "reason", ev.Reason)

	for _, t := range e.registry.ListAll() {
		if t.State != StateInProgress {
			continue
		}

		if snap, moved := e.registry.transition(t.ID, StateFailed, stampCompleted); moved {
			e.finishTransfer(ctx, snap)
		}
	}

	if e.isRejecting() {
		return
	}

	if err := e.client.Connect(ctx); err != nil {
		logger.Error("reconnect failed, rejecting further requests", "err", err)
		close(e.rejecting)

		return
	}

	logger.Info("protocol session re-established")
}

// finishTransfer records a terminal snapshot everywhere interested: session
// subscribers, the history store, metrics, and the finished-transfers channel.
func (e *Engine) finishTransfer(ctx context.Context, snap Transfer) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("transfer finished",
		"transfer_id", snap.ID,
		"state", string(snap.State),
		"peer", snap.Peer,
		"size", humanize.Bytes(uint64(max64(snap.SizeBytes, 0))))

	if e.tel != nil {
		e.tel.DecrementActiveTransfers()
		e.tel.RecordTransfer(string(snap.State))
	}

	e.recordState(ctx, snap)

	e.router.Publish(snap.SessionID, TransferUpdateEvent{Transfer: snap})

	select {
	case e.OnTransferFinished <- snap:
	default:
	}
}

func (e *Engine) runMatch(ctx context.Context, transferID string, dest Destination, localPath string) {
	ctx = logctx.WithAttrs(ctx, "transfer_id", transferID)
	logger := logctx.LoggerFromContext(ctx)

	attempts, err := e.matcher.Match(ctx, dest, localPath)

	status := MatchSucceeded
	if err != nil {
		status = MatchFailed
	}

	if e.tel != nil {
		e.tel.RecordMatch(string(status), attempts)
	}

	snap, ok := e.registry.update(transferID, func(tr *Transfer) {
		tr.MatchStatus = status
	})
	if !ok {
		return
	}

	if e.history != nil {
		if herr := e.history.UpdateMatchStatus(transferID, string(status)); herr != nil {
			logger.Error("failed to record match status", "err", herr)
		}
	}

	logger.Info("auto-matching finished", "outcome", string(status), "attempts", attempts)

	e.router.Publish(snap.SessionID, TransferUpdateEvent{Transfer: snap})
}

func (e *Engine) track(t Transfer) {
	if e.history == nil {
		return
	}

	rec := storage.TransferRecord{
		TransferID:  t.ID,
		SessionID:   t.SessionID,
		GroupID:     t.GroupID,
		Peer:        t.Peer,
		RemotePath:  t.RemotePath,
		SizeBytes:   t.SizeBytes,
		State:       string(t.State),
		MatchStatus: string(t.MatchStatus),
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}

	if err := e.history.TrackTransfer(rec); err != nil {
		// history is best-effort; the registry stays authoritative
		logctx.LoggerFromContext(context.Background()).Error("failed to track transfer", "err", err)
	}
}

func (e *Engine) recordState(ctx context.Context, snap Transfer) {
	if e.history == nil {
		return
	}

	completedAt := ""
	if snap.CompletedAt != nil {
		completedAt = snap.CompletedAt.Format(time.RFC3339)
	}

	if err := e.history.UpdateTransferState(snap.ID, string(snap.State), snap.LocalPath, completedAt); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to record transfer state", "err", err)
	}
}

func stampCompleted(tr *Transfer) {
	now := time.Now()
	tr.CompletedAt = &now
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}

	return v
}
