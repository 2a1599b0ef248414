package slskd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robertpelloni/picard/internal/logctx"
	"github.com/robertpelloni/picard/internal/protocol"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// consecutive poll failures before the session is declared lost
	maxPollFailures = 3

	eventBuffer = 256
)

// Client talks to a slskd-style Soulseek daemon over its HTTP API. The wire
// protocol is the daemon's problem; this client authenticates, issues searches
// and downloads, and polls daemon state into protocol events.
type Client struct {
	baseURL      string
	username     string
	password     string
	downloadDir  string
	pollInterval time.Duration
	httpClient   *http.Client

	token string // session token, set by Connect

	mu       sync.Mutex
	polling  bool
	searches map[string]*trackedSearch   // our search id -> daemon search state
	tracked  map[string]*trackedDownload // peer|path -> last observed state

	events chan protocol.Event
	stop   chan struct{}
	done   chan struct{}
}

type trackedDownload struct {
	peer       string
	remotePath string
	state      string
	bytes      int64
}

// trackedSearch remembers which results have already been delivered. The
// daemon reports the cumulative response set on every poll; the seen set keeps
// re-polls from re-emitting it. Only the poll loop touches seen.
type trackedSearch struct {
	daemonID string
	seen     map[string]struct{} // peer|path already emitted
}

func NewClient(baseURL, username, password, downloadDir string, pollInterval time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		username:     username,
		password:     password,
		downloadDir:  downloadDir,
		pollInterval: pollInterval,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		searches: make(map[string]*trackedSearch),
		tracked:  make(map[string]*trackedDownload),
		events:   make(chan protocol.Event, eventBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

var _ protocol.Client = (*Client)(nil)

// Connect logs into the daemon and starts the polling loop. Calling it again
// after a connection loss re-authenticates; the poll loop is started once.
func (c *Client) Connect(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "session.login")

	payload := map[string]string{
		"username": c.username,
		"password": c.password,
	}

	var session struct {
		Token string `json:"token"`
	}

	if err := c.do(ctx, http.MethodPost, "/api/v0/session", payload, &session); err != nil {
		logger.Error("login failed", "err", err)

		return fmt.Errorf("daemon login failed: %w", err)
	}

	c.mu.Lock()
	started := c.polling
	c.polling = true
	c.token = session.Token
	c.mu.Unlock()

	if !started {
		go c.pollLoop(ctx)
	}

	logger.Debug("connected to soulseek daemon")

	return nil
}

// Search registers a search with the daemon. Responses are collected by the
// poll loop and emitted as SearchResultsEvents tagged with searchID.
func (c *Client) Search(ctx context.Context, searchID, query string) error {
	payload := map[string]string{
		"id":         searchID,
		"searchText": query,
	}

	var created struct {
		ID string `json:"id"`
	}

	if err := c.do(ctx, http.MethodPost, "/api/v0/searches", payload, &created); err != nil {
		return fmt.Errorf("failed to start search: %w", err)
	}

	c.mu.Lock()
	c.searches[searchID] = &trackedSearch{
		daemonID: created.ID,
		seen:     make(map[string]struct{}),
	}
	c.mu.Unlock()

	return nil
}

// StopSearch stops polling for a search and removes it from the daemon.
// Unknown ids are a no-op.
func (c *Client) StopSearch(ctx context.Context, searchID string) error {
	c.mu.Lock()
	search, ok := c.searches[searchID]
	delete(c.searches, searchID)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	endpoint := "/api/v0/searches/" + url.PathEscape(search.daemonID)
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("failed to remove search: %w", err)
	}

	return nil
}

// RequestDownload enqueues a download with the daemon. The terminal outcome
// arrives later through the poll loop.
func (c *Client) RequestDownload(ctx context.Context, peer, remotePath string) error {
	payload := []map[string]any{
		{"filename": remotePath},
	}

	endpoint := "/api/v0/transfers/downloads/" + url.PathEscape(peer)
	if err := c.do(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		return fmt.Errorf("failed to enqueue download: %w", err)
	}

	c.mu.Lock()
	c.tracked[downloadKey(peer, remotePath)] = &trackedDownload{
		peer:       peer,
		remotePath: remotePath,
	}
	c.mu.Unlock()

	return nil
}

// Cancel asks the daemon to abort a download. Best effort: the poll loop
// reports whichever terminal state the daemon lands on.
func (c *Client) Cancel(ctx context.Context, peer, remotePath string) error {
	endpoint := fmt.Sprintf("/api/v0/transfers/downloads/%s/%s",
		url.PathEscape(peer), url.PathEscape(remotePath))

	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel download: %w", err)
	}

	return nil
}

func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

func (c *Client) Close() error {
	close(c.stop)

	c.mu.Lock()
	polling := c.polling
	c.mu.Unlock()

	if polling {
		<-c.done
	}

	close(c.events)

	return nil
}

func (c *Client) pollLoop(ctx context.Context) {
	defer close(c.done)

	logger := logctx.LoggerFromContext(ctx)
	ticker := time.NewTicker(c.pollInterval)

	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.poll(ctx); err != nil {
				failures++
				logger.Warn("daemon poll failed", "failures", failures, "err", err)

				if failures >= maxPollFailures {
					c.emit(protocol.ConnectionLostEvent{Reason: err.Error()})

					failures = 0
				}

				continue
			}

			failures = 0
		}
	}
}

func (c *Client) poll(ctx context.Context) error {
	if err := c.pollSearches(ctx); err != nil {
		return err
	}

	return c.pollDownloads(ctx)
}

type searchResponse struct {
	Username    string `json:"username"`
	QueueLength int    `json:"queueLength"`
	UploadSpeed int64  `json:"uploadSpeed"`
	Files       []struct {
		Filename  string `json:"filename"`
		Size      int64  `json:"size"`
		BitRate   int    `json:"bitRate"`
		IsVBR     bool   `json:"isVariableBitRate"`
		Extension string `json:"extension"`
	} `json:"files"`
}

func (c *Client) pollSearches(ctx context.Context) error {
	c.mu.Lock()
	pending := make(map[string]*trackedSearch, len(c.searches))
	for id, search := range c.searches {
		pending[id] = search
	}
	c.mu.Unlock()

	for searchID, search := range pending {
		var responses []searchResponse

		endpoint := "/api/v0/searches/" + url.PathEscape(search.daemonID) + "/responses"
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &responses); err != nil {
			return err
		}

		// emit only results the previous polls have not delivered
		var fresh []protocol.SearchResult

		for _, resp := range responses {
			for _, f := range resp.Files {
				key := resp.Username + "|" + f.Filename
				if _, delivered := search.seen[key]; delivered {
					continue
				}

				search.seen[key] = struct{}{}

				fresh = append(fresh, protocol.SearchResult{
					SearchID:    searchID,
					Peer:        resp.Username,
					FilePath:    f.Filename,
					SizeBytes:   f.Size,
					BitrateKbps: f.BitRate,
					Lossless:    isLossless(f.Extension, f.Filename),
					QueueLength: resp.QueueLength,
					UploadSpeed: resp.UploadSpeed,
				})
			}
		}

		if len(fresh) > 0 {
			c.emit(protocol.SearchResultsEvent{SearchID: searchID, Results: fresh})
		}
	}

	return nil
}

type downloadState struct {
	Username string `json:"username"`
	Files    []struct {
		Filename         string `json:"filename"`
		State            string `json:"state"`
		Size             int64  `json:"size"`
		BytesTransferred int64  `json:"bytesTransferred"`
		Error            string `json:"error,omitempty"`
	} `json:"files"`
}

func (c *Client) pollDownloads(ctx context.Context) error {
	var states []downloadState

	if err := c.do(ctx, http.MethodGet, "/api/v0/transfers/downloads", nil, &states); err != nil {
		return err
	}

	for _, peer := range states {
		for _, f := range peer.Files {
			c.observe(peer.Username, f.Filename, f.State, f.Size, f.BytesTransferred, f.Error)
		}
	}

	return nil
}

// observe diffs a polled download state against the last one seen and emits
// the corresponding events. Terminal states are emitted once.
func (c *Client) observe(peer, remotePath, state string, size, transferred int64, reason string) {
	key := downloadKey(peer, remotePath)

	c.mu.Lock()

	t, ok := c.tracked[key]
	if !ok || t.state == state {
		// untracked (someone else's download) or no change
		if ok && state == "InProgress" && transferred != t.bytes {
			t.bytes = transferred
			c.mu.Unlock()
			c.emit(protocol.ProgressEvent{
				TransferEvent: protocol.TransferEvent{Peer: peer, RemotePath: remotePath},
				BytesReceived: transferred,
				SizeBytes:     size,
			})

			return
		}

		c.mu.Unlock()

		return
	}

	t.state = state
	t.bytes = transferred

	if isTerminalState(state) {
		delete(c.tracked, key)
	}

	c.mu.Unlock()

	ev := protocol.TransferEvent{Peer: peer, RemotePath: remotePath}

	switch {
	case state == "InProgress":
		c.emit(protocol.ProgressEvent{TransferEvent: ev, BytesReceived: transferred, SizeBytes: size})
	case strings.Contains(state, "Succeeded"):
		c.emit(protocol.CompletedEvent{TransferEvent: ev, LocalPath: c.localPath(remotePath), SizeBytes: size})
	case strings.Contains(state, "Cancelled"):
		c.emit(protocol.CancelledEvent{TransferEvent: ev})
	case isTerminalState(state):
		if reason == "" {
			reason = state
		}

		c.emit(protocol.FailedEvent{TransferEvent: ev, Reason: reason})
	}
}

func (c *Client) emit(ev protocol.Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// localPath maps a remote path to where the daemon drops the file locally.
// Soulseek remote paths are backslash separated.
func (c *Client) localPath(remotePath string) string {
	unix := strings.ReplaceAll(remotePath, "\\", "/")

	return filepath.Join(c.downloadDir, path.Base(unix))
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)

		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}

	return nil
}

func downloadKey(peer, remotePath string) string {
	return peer + "|" + remotePath
}

func isTerminalState(state string) bool {
	return strings.HasPrefix(state, "Completed")
}

func isLossless(ext, filename string) bool {
	if ext == "" {
		ext = strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	}

	switch strings.ToLower(ext) {
	case "flac", "wav", "aiff", "ape", "alac":
		return true
	}

	return false
}
