package e1381

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// passiveConnStateHandler handles connection state transitions for passive
// (listening) mode.
//
// State flow:
//
//	IdleState (from NotConnected) → start protocol loop
//	ActiveState                   → transaction in progress (no-op)
//	NotConnectedState             → close link; if not shutdown, resume accepting
func (c *Connection) passiveConnStateHandler(_ *Connection, prevState ConnState, curState ConnState) {
	c.logger.Debug("passive: state change", "prev", prevState, "state", curState)

	switch curState {
	case IdleState:
		if !prevState.IsNotConnected() {
			// Back to neutral after a transaction; the loop keeps running.
			return
		}

		if err := c.startProtocolLoop(); err != nil {
			c.logger.Error("failed to start protocol loop", "error", err)
			c.stateMgr.ToNotConnectedAsync()

			return
		}

	case ActiveState:
		// Transaction in progress.

	case NotConnectedState:
		isShutdown := c.shutdown.Load()

		if isShutdown {
			_ = c.closeListener()
		}

		_ = c.closeConn(c.cfg.closeTimeout)

		if !isShutdown {
			go c.reopenPassive()
		}
	}
}

// reopenPassive resumes accepting after the previous peer disconnected.
func (c *Connection) reopenPassive() {
	if !c.opState.ToOpening() {
		return
	}

	c.createContext()

	if err := c.openPassive(); err != nil {
		c.logger.Error("passive: failed to resume accepting", "error", err)
		c.opState.Set(closedState)
	}
}

// openPassive starts the TCP listener (if needed) and begins accepting connections.
func (c *Connection) openPassive() error {
	c.connCount.Store(0)

	if err := c.ensureListener(); err != nil {
		return err
	}

	c.logger.Debug("passive: listening", "address", c.listener.Addr())

	return c.taskMgr.Start("acceptConn", c.acceptConnTask)
}

// ensureListener creates the TCP listener if one doesn't already exist.
func (c *Connection) ensureListener() error {
	c.listenerMutex.Lock()
	defer c.listenerMutex.Unlock()

	if c.listener != nil {
		return nil
	}

	address := net.JoinHostPort(c.cfg.host, strconv.Itoa(c.cfg.port))

	var lc net.ListenConfig

	listener, err := lc.Listen(c.ctx, "tcp", address)
	if err != nil {
		c.logger.Error("passive: failed to listen", "address", address, "error", err)

		return err
	}

	c.listener = listener

	return nil
}

// acceptConnTask blocks on Accept() in a loop. It returns false (stop) once
// a connection is accepted, or when shutdown/context cancellation occurs.
func (c *Connection) acceptConnTask() bool {
	tcpListener := c.getTCPListener()
	if tcpListener == nil {
		return false
	}

	if c.shutdown.Load() {
		return false
	}

	conn, err := tcpListener.Accept()
	if err != nil {
		return c.handleAcceptError(err)
	}

	// Only allow one connection at a time; the line protocol is point-to-point.
	if c.connCount.Load() > 0 {
		c.logger.Warn("passive: rejecting duplicate connection",
			"remoteAddr", conn.RemoteAddr())
		_ = conn.Close()

		return true
	}

	c.setupLinkConn(conn)

	if !c.opState.ToOpened() {
		c.logger.Warn("passive: failed to set state to opened",
			"opState", c.opState.String())
	}

	c.connCount.Add(1)

	c.logger.Debug("passive: connection accepted",
		"remoteAddr", conn.RemoteAddr())

	c.stateMgr.ToIdleAsync()

	return false // stop accept loop, one connection at a time
}

// handleAcceptError handles errors from Accept(). Returns true to retry,
// false to stop the accept loop.
func (c *Connection) handleAcceptError(err error) bool {
	// Accept timeout: check context and retry.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		select {
		case <-c.ctx.Done():
			return false
		default:
			return true
		}
	}

	// Shutdown: stop.
	if c.shutdown.Load() {
		return false
	}

	// Closed listener (e.g. during shutdown) is not worth an error entry.
	if !isNetOpError(err) {
		c.logger.Error("passive: accept failed", "error", err)
	}

	return true
}

// getTCPListener retrieves the listener and sets the accept deadline.
func (c *Connection) getTCPListener() *net.TCPListener {
	c.listenerMutex.Lock()
	defer c.listenerMutex.Unlock()

	if c.listener == nil {
		return nil
	}

	tcpListener, ok := c.listener.(*net.TCPListener)
	if !ok {
		return nil
	}

	if err := tcpListener.SetDeadline(time.Now().Add(c.cfg.acceptTimeout)); err != nil {
		c.logger.Error("passive: failed to set accept deadline", "error", err)

		return nil
	}

	return tcpListener
}

// closeListener closes the TCP listener.
func (c *Connection) closeListener() error {
	c.listenerMutex.Lock()
	defer c.listenerMutex.Unlock()

	if c.listener != nil {
		err := c.listener.Close()
		c.listener = nil

		return err
	}

	return nil
}

func isNetOpError(err error) bool {
	opErr := &net.OpError{}

	return errors.As(err, &opErr)
}
