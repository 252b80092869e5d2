package e1381

import "errors"

var (
	// ErrMalformedFrame indicates a frame that is structurally broken and
	// cannot be parsed (missing STX, terminator, or checksum bytes).
	ErrMalformedFrame = errors.New("e1381: malformed frame")

	// ErrOutOfSequence indicates a frame whose number is neither the
	// expected next one nor a retransmission of the previous one.
	ErrOutOfSequence = errors.New("e1381: frame out of sequence")

	// ErrFrameTooLarge indicates an inbound frame that ran past the wire
	// buffer limit without a terminator.
	ErrFrameTooLarge = errors.New("e1381: frame exceeds wire limit")

	// ErrEstablishmentFailed indicates the ENQ handshake was refused or
	// ignored for the full retry budget.
	ErrEstablishmentFailed = errors.New("e1381: establishment failed")

	// ErrContention indicates the peer sent ENQ while we were trying to
	// establish; the local side yielded line control.
	ErrContention = errors.New("e1381: line contention")

	// ErrTransferFailed indicates a frame exhausted its retransmission
	// budget mid-message; the sender terminated the transaction with EOT.
	ErrTransferFailed = errors.New("e1381: transfer failed")

	// ErrTransferAborted indicates the receiver gave up on a transaction
	// after too many corrupt frames.
	ErrTransferAborted = errors.New("e1381: transfer aborted")

	// ErrIncompleteMessage indicates the transaction ended (EOT or timeout)
	// before the message's final frame arrived. No partial message is
	// delivered.
	ErrIncompleteMessage = errors.New("e1381: incomplete message")

	// ErrTimeout indicates a protocol timer (T1, T2 or T3) expired.
	ErrTimeout = errors.New("e1381: timeout")

	// ErrConnClosed indicates an operation on a closed connection.
	ErrConnClosed = errors.New("e1381: connection closed")

	// ErrNotConnected indicates an operation that requires an established
	// link while the connection is down.
	ErrNotConnected = errors.New("e1381: not connected")

	// ErrInvalidTransition indicates a connection state change that the
	// state machine does not permit.
	ErrInvalidTransition = errors.New("e1381: invalid state transition")

	// ErrConnOpened indicates Open on a connection that is already open or
	// in the middle of opening.
	ErrConnOpened = errors.New("e1381: connection already opened")

	// ErrSendBufferFull indicates the outbound queue is full.
	ErrSendBufferFull = errors.New("e1381: send buffer full")

	// ErrEmptyMessage indicates an attempt to send a message with no
	// records.
	ErrEmptyMessage = errors.New("e1381: empty message")
)
