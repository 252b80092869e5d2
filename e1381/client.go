package e1381

import (
	"context"

	"github.com/labcomm/go-astm/astm"
)

// Client is the sending side of a data exchange: it dials the peer and
// uploads complete messages, one transaction each.
//
// The underlying Connection is full duplex at the application level, so a
// Client still receives messages the peer initiates; register a handler
// with AddMessageHandler to observe them.
type Client struct {
	conn *Connection
}

// NewClient creates a client connection from cfg. The configuration is
// forced to active mode unless it targets a serial device.
func NewClient(ctx context.Context, cfg *ConnectionConfig) (*Client, error) {
	if !cfg.IsSerial() {
		cfg.isActive = true
	}

	conn, err := NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

// Open connects to the peer. When waitOpened is true it blocks until the
// link is usable.
func (cl *Client) Open(waitOpened bool) error {
	return cl.conn.Open(waitOpened)
}

// Close shuts the connection down.
func (cl *Client) Close() error {
	return cl.conn.Close()
}

// Send transmits one complete message and waits for the transaction to
// finish.
func (cl *Client) Send(ctx context.Context, msg astm.Message) (*SendResult, error) {
	return cl.conn.SendMessage(ctx, msg)
}

// AddMessageHandler registers a handler for messages the peer initiates.
// Call before Open.
func (cl *Client) AddMessageHandler(handlers ...MessageHandler) {
	cl.conn.AddMessageHandler(handlers...)
}

// Connection exposes the underlying connection for state inspection and
// metrics.
func (cl *Client) Connection() *Connection {
	return cl.conn
}
