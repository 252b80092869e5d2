package e1381

import (
	"context"

	"github.com/labcomm/go-astm/astm"
)

// Server is the receiving side of a data exchange: it listens for a peer
// and hands every complete message to the registered handlers.
//
// Like Client, a Server can also originate transactions with Send, for
// example to push query responses back to an instrument.
type Server struct {
	conn *Connection
}

// NewServer creates a server connection from cfg. The configuration is
// forced to passive mode unless it targets a serial device.
func NewServer(ctx context.Context, cfg *ConnectionConfig) (*Server, error) {
	if !cfg.IsSerial() {
		cfg.isActive = false
	}

	conn, err := NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Server{conn: conn}, nil
}

// Open starts listening (or opens the serial device).
func (sv *Server) Open(waitOpened bool) error {
	return sv.conn.Open(waitOpened)
}

// Close shuts the connection down.
func (sv *Server) Close() error {
	return sv.conn.Close()
}

// AddMessageHandler registers handlers for received messages. Call before
// Open.
func (sv *Server) AddMessageHandler(handlers ...MessageHandler) {
	sv.conn.AddMessageHandler(handlers...)
}

// Send transmits one complete message to the connected peer.
func (sv *Server) Send(ctx context.Context, msg astm.Message) (*SendResult, error) {
	return sv.conn.SendMessage(ctx, msg)
}

// Connection exposes the underlying connection for state inspection and
// metrics.
func (sv *Server) Connection() *Connection {
	return sv.conn
}
