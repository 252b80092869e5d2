package e1381

import (
	"context"
	"net"
	"strconv"
	"time"
)

const (
	initialRetryDelay = 100 * time.Millisecond
	retryDelayFactor  = 2
	maxRetryDelay     = 30 * time.Second
)

// activeConnStateHandler handles connection state transitions for active
// (dialing) mode.
//
// State flow:
//
//	IdleState (from NotConnected) → start protocol loop
//	ActiveState                   → transaction in progress (no-op)
//	NotConnectedState             → close link, restart connect loop for auto-reconnect
func (c *Connection) activeConnStateHandler(_ *Connection, prevState ConnState, curState ConnState) {
	c.logger.Debug("active: state change", "prev", prevState, "state", curState)

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
		_ = c.closeConn(c.cfg.closeTimeout)

		// Restart the connect loop for auto-reconnect.
		if !c.shutdown.Load() {
			c.startConnectLoop()
		}
	}
}

// openActive initiates the TCP connection for active mode.
//
// It tries a synchronous dial first so that callers using waitOpened=true
// can immediately block on WaitState. On failure, it starts the background
// connect loop for retries.
func (c *Connection) openActive() error {
	if err := c.tryConnect(c.ctx); err == nil {
		return nil // connected on first attempt
	}

	if c.shutdown.Load() {
		c.stateMgr.ToNotConnectedAsync()

		return nil
	}

	// Start the background connect loop for retries.
	c.startConnectLoop()

	return nil
}

// startConnectLoop launches the background connect-retry goroutine.
// Only one loop runs at a time (guarded by connectLoopRunning CAS).
func (c *Connection) startConnectLoop() {
	if !c.connectLoopRunning.CompareAndSwap(false, true) {
		return
	}

	gen := c.reconnectGen.Load()
	loopCtx := c.loopCtx

	go c.connectLoop(loopCtx, gen)
}

// connectLoop is the core retry loop for active mode. It uses a local
// retryDelay variable (no shared atomic needed) and exits when:
//   - loopCtx is cancelled (Close() was called),
//   - shutdown is set, or
//   - reconnectGen changes (Close() was called).
func (c *Connection) connectLoop(loopCtx context.Context, gen uint64) {
	defer c.connectLoopRunning.Store(false)

	delay := initialRetryDelay

	for {
		c.metrics.incConnRetryGauge()

		timer := time.NewTimer(delay)

		select {
		case <-loopCtx.Done():
			timer.Stop()

			return

		case <-timer.C:
		}

		// Check guards after waking up.
		if c.reconnectGen.Load() != gen || c.shutdown.Load() {
			return
		}

		// Prepare opState for the dial attempt. After closeConn the state
		// is Closed with the per-connection context cancelled.
		if c.opState.IsClosed() {
			if !c.opState.ToOpening() {
				continue
			}

			c.createContext()
		}

		if err := c.tryConnect(c.ctx); err != nil {
			// Revert so the next iteration can transition Closed → Opening.
			c.opState.Set(closedState)

			// Exponential backoff.
			delay *= retryDelayFactor
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}

			continue
		}

		// Connected. Reset metrics and exit. Future disconnects trigger
		// NotConnected → closeConn → startConnectLoop for a fresh loop.
		c.metrics.resetConnRetryGauge()

		return
	}
}

// tryConnect performs the TCP dial and transitions to Idle on success.
func (c *Connection) tryConnect(ctx context.Context) error {
	address := net.JoinHostPort(c.cfg.host, strconv.Itoa(c.cfg.port))
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		c.logger.Debug("active: dial failed", "address", address, "error", err)

		return err
	}

	c.setupLinkConn(conn)

	if !c.opState.ToOpened() {
		c.logger.Warn("active: failed to set state to opened",
			"opState", c.opState.String())
	}

	c.logger.Debug("active: connected",
		"localAddr", conn.LocalAddr(),
		"remoteAddr", conn.RemoteAddr())

	c.stateMgr.ToIdleAsync()

	return nil
}
