package e1381

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labcomm/go-astm/astm"
	"github.com/labcomm/go-astm/internal/pool"
	"github.com/labcomm/go-astm/logger"
)

const (
	// pollTimeout is the timeout for polling incoming bytes when the
	// protocol loop is idle. It trades off between CPU usage and latency
	// for outgoing messages.
	pollTimeout = 50 * time.Millisecond

	// closeCheckInterval is the interval for checking close status in Close().
	closeCheckInterval = 5 * time.Millisecond
)

// SendResult reports the outcome of a message transmission.
type SendResult struct {
	// FramesSent is the number of frames the peer acknowledged.
	FramesSent int
	// FramesTotal is the number of frames the message was split into.
	FramesTotal int
}

// Connection represents an E1381 link to a single peer, over TCP or a
// serial device.
//
// It manages the half-duplex ENQ/ACK/EOT line protocol, frame-level
// retransmission, message assembly, and connection state transitions. All
// wire I/O happens on a single protocol-loop goroutine, consistent with the
// half-duplex nature of the protocol.
type Connection struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *ConnectionConfig
	logger    logger.Logger

	// TCP state (passive mode).
	listener      net.Listener
	listenerMutex sync.Mutex

	opState   atomicOpState
	connCount atomic.Int32 // passive mode only

	// Link resources.
	connMutex sync.RWMutex
	linkConn  net.Conn

	// State management.
	stateMgr *connStateMgr
	taskMgr  *TaskManager
	shutdown atomic.Bool

	// Reconnect (active mode).
	connectLoopRunning atomic.Bool
	reconnectGen       atomic.Uint64
	loopCtx            context.Context    // cancelled on Close to wake the connect loop
	loopCancel         context.CancelFunc // cancels loopCtx

	// Application-level messaging.
	//
	// senderMsgChan is read by the protocol loop; producers write
	// sendRequests into it via queueSendRequest. It is created once in
	// NewConnection and never closed.
	senderMsgChan chan *sendRequest
	recvMsgChan   chan astm.Message

	handlerMutex sync.Mutex
	handlers     []MessageHandler
	handlerTasks atomic.Bool

	metrics ConnectionMetrics
}

// sendRequest wraps an outgoing message with its completion notification.
//
// The protocol loop signals resultChan after the transaction finishes, with
// the number of acknowledged frames and nil on success or the failure error.
type sendRequest struct {
	msg        astm.Message
	resultChan chan sendOutcome
}

type sendOutcome struct {
	confirmed int
	total     int
	err       error
}

// NewConnection creates a new E1381 Connection with the given context and
// configuration.
//
// It initializes the connection state, task manager, and other necessary
// components. The connection does not touch the wire until Open is called.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, errors.New("e1381: connection config is nil")
	}

	c := &Connection{
		pctx:    ctx,
		cfg:     cfg,
		logger:  cfg.logger,
		taskMgr: NewTaskManager(ctx, cfg.logger),
	}

	c.senderMsgChan = make(chan *sendRequest, cfg.senderQueueSize)
	c.recvMsgChan = make(chan astm.Message, cfg.recvMsgQueueSize)
	c.opState.Set(closedState)
	c.createContext()

	if cfg.IsSerial() {
		c.stateMgr = newConnStateMgr(ctx, c)
	} else if cfg.isActive {
		c.stateMgr = newConnStateMgr(ctx, c, c.activeConnStateHandler)
	} else {
		c.stateMgr = newConnStateMgr(ctx, c, c.passiveConnStateHandler)
	}

	return c, nil
}

// Open establishes the E1381 connection.
//
// If waitOpened is true, it blocks until the link reaches the Idle state or
// an error occurs. If false, it initiates the connection process and returns
// immediately. Calling Open on a connection that is not closed returns
// ErrConnOpened.
func (c *Connection) Open(waitOpened bool) error {
	if !c.opState.ToOpening() {
		return fmt.Errorf("%w: state is %s", ErrConnOpened, c.opState.String())
	}

	c.shutdown.Store(false)
	c.loopCtx, c.loopCancel = context.WithCancel(c.pctx)

	c.createContext()

	if c.cfg.IsSerial() {
		return c.openSerial()
	}

	if c.cfg.isActive {
		if err := c.openActive(); err != nil {
			return err
		}

		if waitOpened {
			return c.stateMgr.WaitState(c.ctx, IdleState)
		}

		return nil
	}

	return c.openPassive()
}

// Close closes the E1381 connection gracefully.
//
// It terminates all running tasks, closes the underlying link, and resets
// the connection state.
func (c *Connection) Close() error {
	c.reconnectGen.Add(1)
	c.shutdown.Store(true)

	// Cancel loopCtx to wake the connect loop immediately.
	if c.loopCancel != nil {
		c.loopCancel()
	}

	c.logger.Debug("start to close connection", "opState", c.opState.String())

	if !c.opState.IsClosed() {
		c.stateMgr.ToNotConnected()
	}

	closeTimer := pool.GetTimer(c.cfg.closeTimeout)
	defer pool.PutTimer(closeTimer)

	checkTicker := time.NewTicker(closeCheckInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-closeTimer.C:
			if c.opState.IsClosed() {
				return nil
			}

			c.logger.Error("close connection timeout",
				"timeout", c.cfg.closeTimeout,
				"opState", c.opState.String())

			return errors.New("e1381: close connection timeout")

		case <-checkTicker.C:
			if c.opState.IsClosed() {
				return nil
			}
		}
	}
}

// AddMessageHandler registers a handler invoked for every complete message
// received on this connection. Handlers run on a dedicated task, not on the
// protocol loop.
//
// IMPORTANT: This method is NOT thread-safe with Open and should be called
// before Open().
func (c *Connection) AddMessageHandler(handlers ...MessageHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()

	c.handlers = append(c.handlers, handlers...)
}

// State returns the link-level connection state.
func (c *Connection) State() ConnState {
	return c.stateMgr.State()
}

// WaitState blocks until the connection reaches the given state or the
// context is done.
func (c *Connection) WaitState(ctx context.Context, state ConnState) error {
	return c.stateMgr.WaitState(ctx, state)
}

// AddConnStateHandler registers handlers invoked on link state changes.
func (c *Connection) AddConnStateHandler(handlers ...ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// GetLogger returns the logger associated with the connection.
func (c *Connection) GetLogger() logger.Logger {
	return c.logger
}

// GetMetrics returns the metrics associated with the connection.
func (c *Connection) GetMetrics() *ConnectionMetrics {
	return &c.metrics
}

// --- Connection lifecycle ---

func (c *Connection) createContext() {
	c.ctx, c.ctxCancel = context.WithCancel(c.pctx)
}

// --- Link resource management ---

func (c *Connection) setupLinkConn(conn net.Conn) {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	c.linkConn = conn
}

func (c *Connection) getLinkConn() net.Conn {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	return c.linkConn
}

// closeLink closes the underlying link and returns the remote address.
func (c *Connection) closeLink(timeout time.Duration) string {
	c.connMutex.Lock()
	conn := c.linkConn
	if conn == nil {
		c.connMutex.Unlock()

		return ""
	}

	// Nil the reference under the write lock so subsequent calls are no-ops.
	c.linkConn = nil
	c.connMutex.Unlock()

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		linger := int(timeout.Seconds())
		if linger > 0 {
			_ = tcp.SetLinger(linger)
		} else {
			_ = tcp.SetLinger(0)
		}
	}

	if !c.cfg.isActive {
		c.connCount.Add(-1)
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Error("failed to close link", "error", err)
	}

	return remote
}

// closeConn performs the full connection closing sequence: drains the sender
// channel, cancels the context, closes the link, and waits for all tasks.
func (c *Connection) closeConn(timeout time.Duration) error {
	if !c.opState.ToClosing() {
		if c.opState.IsClosed() {
			return nil
		}

		c.logger.Warn("failed to set connection to closing state",
			"opState", c.opState.String())

		return fmt.Errorf("e1381: failed to set connection to closing state: %s", c.opState.String())
	}

	closeCtx, closeCtxCancel := context.WithTimeout(context.Background(), timeout)
	defer closeCtxCancel()

	// Drain pending outgoing messages.
	c.drainSenderMsgChan(closeCtx)

	// Cancel per-connection context.
	if c.ctxCancel != nil {
		c.ctxCancel()
	}

	// Close the link to unblock the protocol loop.
	remoteAddr := c.closeLink(timeout)

	// Stop all tasks. The dispatch task goes down with them, so it must be
	// restarted on the next link.
	c.taskMgr.Stop()
	c.handlerTasks.Store(false)

	// Wait for task termination with timeout.
	go func() {
		c.taskMgr.Wait()
		closeCtxCancel()
	}()

	<-closeCtx.Done()

	var closeErr error
	if !errors.Is(closeCtx.Err(), context.Canceled) {
		c.logger.Error("close timeout", "error", closeCtx.Err(), "timeout", timeout)
		closeErr = fmt.Errorf("e1381: close timeout: %w", closeCtx.Err())
	}

	if !c.opState.ToClosed() {
		c.logger.Warn("failed to set connection to closed state",
			"opState", c.opState.String())

		return fmt.Errorf("e1381: failed to set connection to closed state: %s", c.opState.String())
	}

	c.logger.Debug("connection closed", "remoteAddr", remoteAddr)

	return closeErr
}

func (c *Connection) drainSenderMsgChan(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.senderMsgChan:
			if !ok {
				return
			}
			if req != nil && req.resultChan != nil {
				req.resultChan <- sendOutcome{err: ErrConnClosed}
			}
		default:
			return
		}
	}
}

// --- Protocol loop ---

// startProtocolLoop starts the half-duplex E1381 protocol loop as a managed
// task.
//
// The protocol loop alternates between sending outgoing messages and polling
// for incoming ENQ bytes.
func (c *Connection) startProtocolLoop() error {
	conn := c.getLinkConn()
	if conn == nil {
		return ErrConnClosed
	}

	ft := newFrameTransport(conn, c.cfg, c.logger)
	sess := newSession(ft, c.cfg, c.logger)
	sess.onRetry = c.metrics.incFrameRetryCount
	sess.onNak = c.metrics.incFrameNakCount
	sess.onFrameRecv = c.metrics.incFrameRecvCount
	sess.onYieldMessage = func(msg astm.Message) {
		c.metrics.incContentionCount()
		c.deliverMessage(msg)
	}

	if err := c.startHandlerTasks(); err != nil {
		return err
	}

	return c.taskMgr.Start("protocolLoop", func() bool {
		return c.protocolLoopIteration(sess)
	})
}

// startHandlerTasks starts the message dispatch task once per connection.
func (c *Connection) startHandlerTasks() error {
	if !c.handlerTasks.CompareAndSwap(false, true) {
		return nil
	}

	return c.taskMgr.StartRecvMessage("recvMsgDispatch", func(msg astm.Message, conn *Connection) {
		c.handlerMutex.Lock()
		handlers := make([]MessageHandler, len(c.handlers))
		copy(handlers, c.handlers)
		c.handlerMutex.Unlock()

		for _, handler := range handlers {
			handler(msg, conn)
		}
	}, c, c.recvMsgChan)
}

// protocolLoopIteration performs a single iteration of the protocol loop.
//
// It checks for outgoing messages first (non-blocking), then polls for an
// incoming ENQ if there is nothing to send.
func (c *Connection) protocolLoopIteration(sess *session) bool {
	// Priority: check for outgoing messages first.
	select {
	case <-c.ctx.Done():
		return false

	case req := <-c.senderMsgChan:
		if req == nil {
			return true
		}

		c.handleOutgoingMessage(sess, req)

		return true

	default:
		// No outgoing message, poll for incoming traffic.
	}

	return c.pollForIncoming(sess)
}

// handleOutgoingMessage splits a message into frames and runs a complete
// send transaction for it.
func (c *Connection) handleOutgoingMessage(sess *session, req *sendRequest) {
	frames, err := SplitMessage(req.msg, c.cfg.delimiters, c.cfg.maxPayload, c.cfg.transferMode)
	if err != nil {
		c.metrics.incMsgErrCount()
		req.resultChan <- sendOutcome{err: err}

		return
	}

	confirmed, err := sess.sendFrames(c.ctx, frames)

	c.metrics.FrameSendCount.Add(uint64(confirmed))

	if err != nil {
		c.logger.Error("message send failed",
			"confirmedFrames", confirmed,
			"totalFrames", len(frames),
			"error", err)

		c.metrics.incMsgErrCount()
		req.resultChan <- sendOutcome{confirmed: confirmed, total: len(frames), err: err}

		if isConnClosedError(err) || isConnResetError(err) {
			c.stateMgr.ToNotConnectedAsync()
		}

		return
	}

	c.metrics.incMsgSendCount()
	req.resultChan <- sendOutcome{confirmed: confirmed, total: len(frames)}
}

// pollForIncoming reads a single byte from the link with a short timeout.
// If ENQ is received, it acknowledges with ACK and runs the receive flow.
func (c *Connection) pollForIncoming(sess *session) bool {
	b, err := sess.ft.readByte(pollTimeout)
	if err != nil {
		// Timeout or context cancellation, normal in idle state.
		if isConnClosedError(err) || isConnResetError(err) {
			c.logger.Debug("connection closed during poll")
			c.stateMgr.ToNotConnectedAsync()

			return false
		}

		return true // timeout, continue polling
	}

	if b != ENQ {
		// Ignore unexpected bytes in idle state.
		c.logger.Debug("unexpected byte in idle state", "byte", fmt.Sprintf("0x%02X", b))

		return true
	}

	// Remote wants to send. Accept with ACK and receive the transaction.
	if err := sess.ft.writeByte(ACK); err != nil {
		c.logger.Error("failed to accept ENQ", "error", err)
		c.stateMgr.ToNotConnectedAsync()

		return false
	}

	c.stateMgr.ToActiveAsync()

	msgs, err := sess.receiveFrames(c.ctx)
	if err != nil {
		c.logger.Debug("receive transaction failed", "error", err)
		c.metrics.incMsgErrCount()
	}

	for _, msg := range msgs {
		c.deliverMessage(msg)
	}

	c.stateMgr.ToIdleAsync()

	return true
}

// deliverMessage hands a complete received message to the dispatch task.
func (c *Connection) deliverMessage(msg astm.Message) {
	c.metrics.incMsgRecvCount()

	select {
	case c.recvMsgChan <- msg:
	default:
		c.logger.Warn("receive queue full, dropping message")
		c.metrics.incMsgErrCount()
	}
}

// --- Message sending ---

// SendMessage queues msg for transmission and waits until the transaction
// finishes or ctx is done. It returns how many frames the peer confirmed.
//
// Delivery is all-or-nothing from the receiver's point of view: a failed
// transaction leaves nothing delivered even when some frames were
// acknowledged.
func (c *Connection) SendMessage(ctx context.Context, msg astm.Message) (*SendResult, error) {
	if len(msg) == 0 {
		return nil, ErrEmptyMessage
	}

	if c.stateMgr.IsNotConnected() {
		return nil, ErrNotConnected
	}

	req := &sendRequest{
		msg:        msg,
		resultChan: make(chan sendOutcome, 1),
	}

	if err := c.queueSendRequest(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-c.ctx.Done():
		return nil, ErrConnClosed

	case outcome := <-req.resultChan:
		result := &SendResult{FramesSent: outcome.confirmed, FramesTotal: outcome.total}
		if outcome.err != nil {
			return result, outcome.err
		}

		return result, nil
	}
}

// queueSendRequest puts a sendRequest onto the protocol loop's channel.
func (c *Connection) queueSendRequest(req *sendRequest) error {
	timer := pool.GetTimer(c.cfg.sendTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-timer.C:
		return ErrSendBufferFull
	case c.senderMsgChan <- req:
		return nil
	}
}

// --- Helpers ---

func isConnClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

func isConnResetError(err error) bool {
	return strings.Contains(err.Error(), "connection reset by peer")
}
