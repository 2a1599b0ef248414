package noop

import (
	"context"

	"github.com/robertpelloni/picard/internal/protocol"
)

// Client is the disabled protocol variant, selected when no daemon URL is
// configured. Every operation reports protocol.ErrUnavailable; the engine's
// logic is identical either way.
type Client struct {
	events chan protocol.Event
}

func NewClient() *Client {
	return &Client{events: make(chan protocol.Event)}
}

var _ protocol.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	return protocol.ErrUnavailable
}

func (c *Client) Search(ctx context.Context, searchID, query string) error {
	return protocol.ErrUnavailable
}

func (c *Client) StopSearch(ctx context.Context, searchID string) error {
	return nil
}

func (c *Client) RequestDownload(ctx context.Context, peer, remotePath string) error {
	return protocol.ErrUnavailable
}

func (c *Client) Cancel(ctx context.Context, peer, remotePath string) error {
	return protocol.ErrUnavailable
}

// Events returns a channel that never delivers; the engine loop simply idles.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

func (c *Client) Close() error {
	close(c.events)
	return nil
}
