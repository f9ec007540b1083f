package wstransport

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/expkit/experimenter/channel"
	"github.com/expkit/experimenter/experiment"
)

// Client is a view-side connection to a websocket transport. Messages are
// read one at a time with Next; the caller decides how to fold snapshots,
// broadcasts, and conflict replies into its local state.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to a transport endpoint and reads the attach snapshot.
func Dial(ctx context.Context, url string) (*Client, experiment.Set, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, experiment.Set{}, fmt.Errorf("failed to dial transport: %w", err)
	}

	c := &Client{conn: conn}
	env, err := c.Next()
	if err != nil {
		_ = conn.Close()

		return nil, experiment.Set{}, fmt.Errorf("failed to read attach snapshot: %w", err)
	}
	if env.Type != channel.MessageSnapshot {
		_ = conn.Close()

		return nil, experiment.Set{}, fmt.Errorf("expected snapshot message on attach, got %s", env.Type)
	}
	set, err := env.Set()
	if err != nil {
		_ = conn.Close()

		return nil, experiment.Set{}, err
	}

	return c, set, nil
}

// Mutate sends a patch proposal. The outcome arrives as a later message: a
// changed broadcast when accepted, a conflict or error reply when not.
func (c *Client) Mutate(p experiment.Patch) error {
	return c.conn.WriteJSON(channel.MutateEnvelope(p))
}

// Next blocks until the server sends the next message.
func (c *Client) Next() (channel.Envelope, error) {
	var env channel.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return channel.Envelope{}, err
	}

	return env, nil
}

// Close detaches from the transport.
func (c *Client) Close() error {
	return c.conn.Close()
}
