package e1381

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/labcomm/go-astm/logger"
)

// ConnState represents the link-level state of an E1381 connection.
type ConnState uint32

// IsNotConnected returns if the physical link is down.
func (cs ConnState) IsNotConnected() bool { return cs == NotConnectedState }

// IsIdle returns if the link is up with no transaction in progress.
func (cs ConnState) IsIdle() bool { return cs == IdleState }

// IsActive returns if a transaction currently holds line control.
func (cs ConnState) IsActive() bool { return cs == ActiveState }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case NotConnectedState:
		return "not-connected"
	case IdleState:
		return "idle"
	case ActiveState:
		return "active"
	default:
		return "unknown"
	}
}

// E1381 link states.
const (
	// NotConnectedState indicates that the underlying link (TCP or serial) is not established.
	NotConnectedState ConnState = iota
	// IdleState indicates that the link is established and the line is in the neutral state.
	IdleState
	// ActiveState indicates that a transaction is in progress and one side holds line control.
	ActiveState
)

// ConnStateChangeHandler is a function type invoked when the link state of a
// connection changes.
//
// Note: the handler is invoked in blocking mode. Take care with long-running
// implementations.
//
// The handler function receives the previous and the new connection state.
type ConnStateChangeHandler func(conn *Connection, prevState ConnState, newState ConnState)

// connStateMgr manages the link state of an E1381 connection.
//
// It provides methods for managing state transitions and notifying listeners
// of state changes. The state transitions are safe in concurrent
// environments.
type connStateMgr struct {
	mu               sync.Mutex
	ctx              context.Context
	cond             *sync.Cond
	state            atomic.Uint32
	conn             *Connection
	logger           logger.Logger
	asyncStateChange chan ConnState
	handlers         []ConnStateChangeHandler
}

// newConnStateMgr creates a connStateMgr initialized to NotConnectedState.
//
// It accepts optional ConnStateChangeHandler functions that will be invoked
// when the connection state changes.
func newConnStateMgr(ctx context.Context, conn *Connection, handlers ...ConnStateChangeHandler) *connStateMgr {
	connState := &connStateMgr{
		ctx:              ctx,
		conn:             conn,
		asyncStateChange: make(chan ConnState, 10),
		handlers:         make([]ConnStateChangeHandler, 0, len(handlers)),
	}

	connState.handlers = append(connState.handlers, handlers...)

	if conn != nil {
		connState.logger = conn.logger
	} else {
		connState.logger = logger.GetLogger()
	}

	connState.state.Store(uint32(NotConnectedState))
	connState.cond = sync.NewCond(&connState.mu)

	go connState.asyncStateChangeTask()

	return connState
}

// State returns the current connection state.
func (cs *connStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds one or more ConnStateChangeHandler functions to be invoked on state changes.
func (cs *connStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits for the connection state to reach the specified state or until the context is done.
// It returns nil if the desired state is reached, or an error if the context is canceled or times out.
func (cs *connStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.logger.Debug("wait connection state", "cur_state", cs.State(), "desired_state", state)
	if cs.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for cs.State() != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			cs.cond.Wait()
		}
	}

	return nil
}

// ToNotConnected transitions the connection state to NotConnectedState.
// This transition is allowed from any state and represents a disconnection or a reset of the link.
func (cs *connStateMgr) ToNotConnected() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState == NotConnectedState {
		return
	}

	// change state to not connected BEFORE all handlers finished
	cs.setState(NotConnectedState)

	cs.invokeHandlers(curState, NotConnectedState)
}

// ToIdle transitions the connection state to IdleState.
//
// This transition is allowed from NotConnectedState (link came up) or
// ActiveState (transaction ended). If the state is already IdleState, the
// function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition otherwise.
func (cs *connStateMgr) ToIdle() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsIdle() {
		return nil
	}

	if !curState.IsNotConnected() && !curState.IsActive() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, IdleState)
	// change state after all handlers finished
	cs.setState(IdleState)

	return nil
}

// ToActive transitions the connection state to ActiveState.
//
// This transition is only allowed from IdleState and indicates that a
// transaction acquired line control. If the state is already ActiveState,
// the function is a no-op.
//
// Returns nil on success, or ErrInvalidTransition if the current state is not IdleState.
func (cs *connStateMgr) ToActive() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()

	if curState.IsActive() {
		return nil
	}

	if !curState.IsIdle() {
		return ErrInvalidTransition
	}

	cs.invokeHandlers(curState, ActiveState)
	// change state after all handlers finished
	cs.setState(ActiveState)

	return nil
}

// ToNotConnectedAsync transitions connection state to NotConnectedState asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *connStateMgr) ToNotConnectedAsync() {
	cs.changeStateAsync(NotConnectedState)
}

// ToIdleAsync transitions connection state to IdleState asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *connStateMgr) ToIdleAsync() {
	cs.changeStateAsync(IdleState)
}

// ToActiveAsync transitions connection state to ActiveState asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *connStateMgr) ToActiveAsync() {
	cs.changeStateAsync(ActiveState)
}

// IsNotConnected returns if the current state is not connected.
func (cs *connStateMgr) IsNotConnected() bool {
	return cs.State().IsNotConnected()
}

// IsIdle returns if the current state is idle.
func (cs *connStateMgr) IsIdle() bool {
	return cs.State().IsIdle()
}

// IsActive returns if the current state is active.
func (cs *connStateMgr) IsActive() bool {
	return cs.State().IsActive()
}

// setState atomically sets current state to the newState. It also broadcasts a signal to any waiting goroutines.
func (cs *connStateMgr) setState(newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()
}

// invokeHandlers invokes all registered ConnStateChangeHandler functions with the previous and new states.
func (cs *connStateMgr) invokeHandlers(prevState ConnState, newState ConnState) {
	for _, handler := range cs.handlers {
		if handler != nil {
			handler(cs.conn, prevState, newState)
		}
	}
}

// changeStateAsync transitions the desired connection state asynchronously.
//
// If the state is the same as the current state, the function is a no-op.
func (cs *connStateMgr) changeStateAsync(state ConnState) {
	if cs.State() == state {
		return
	}

	cs.asyncStateChange <- state
}

// asyncStateChangeTask handles state changing in the background.
func (cs *connStateMgr) asyncStateChangeTask() {
	defer cs.logger.Debug("asyncStateChangeTask terminated")

	for {
		select {
		case <-cs.ctx.Done():
			return

		case desiredState := <-cs.asyncStateChange:
			prevState := cs.State()

			if desiredState == prevState {
				break
			}

			var err error
			switch desiredState {
			case NotConnectedState:
				cs.ToNotConnected()
			case IdleState:
				err = cs.ToIdle()
			case ActiveState:
				err = cs.ToActive()
			}

			if err != nil {
				cs.logger.Error("async connection state change failed",
					"prevState", prevState, "curState", cs.State(), "desiredState", desiredState,
					"error", err,
				)
				if errors.Is(err, ErrInvalidTransition) {
					cs.asyncStateChange <- NotConnectedState
				}
			}
		}
	}
}
