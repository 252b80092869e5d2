package e1381

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/labcomm/go-astm/astm"
	"github.com/labcomm/go-astm/internal/pool"
	"github.com/labcomm/go-astm/logger"
)

// SessionState reflects the phase of the E1381 line protocol on one link.
type SessionState uint32

const (
	// SessionIdle means the line is in the neutral state.
	SessionIdle SessionState = iota
	// SessionEstablishing means an ENQ has been sent and the reply is pending.
	SessionEstablishing
	// SessionTransferring means frames are moving in either direction.
	SessionTransferring
	// SessionClosing means an EOT is being exchanged to release the line.
	SessionClosing
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionEstablishing:
		return "establishing"
	case SessionTransferring:
		return "transferring"
	case SessionClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// establishResult classifies the outcome of a single ENQ attempt so the
// retry loop can decide whether to retry, yield, or abort.
type establishResult int

const (
	establishOK         establishResult = iota // ENQ accepted with ACK.
	establishRetry                             // NAK or T1 timeout.
	establishContention                        // Peer sent ENQ at the same time.
	establishAbort                             // Write error or context cancelled.
)

// session drives one E1381 transaction at a time over a frameTransport.
// It owns the establishment handshake, the frame transfer loop with
// retransmission, and the receive loop with NAK-based recovery.
//
// Not goroutine-safe; the protocol loop is its only caller.
type session struct {
	ft        *frameTransport
	cfg       *ConnectionConfig
	logger    logger.Logger
	assembler *messageAssembler
	state     SessionState

	// onYieldMessage is called with each message received while yielding
	// line control during contention.
	onYieldMessage func(astm.Message)

	// onRetry is called for each frame retransmission, onNak for each NAK
	// sent while receiving, onFrameRecv for each newly accepted frame. Used
	// for metrics collection.
	onRetry     func()
	onNak       func()
	onFrameRecv func()
}

func newSession(ft *frameTransport, cfg *ConnectionConfig, l logger.Logger) *session {
	return &session{
		ft:        ft,
		cfg:       cfg,
		logger:    l,
		assembler: newMessageAssembler(),
		state:     SessionIdle,
	}
}

// State returns the current protocol phase.
func (s *session) State() SessionState {
	return s.state
}

// --- Sending ---

// sendFrames runs a complete send transaction: establish line control,
// transfer every frame with per-frame acknowledgment, release with EOT.
//
// It returns the number of frames the peer confirmed. On a mid-message
// failure the line is released with EOT before the error is returned, so
// the peer discards the partial message.
func (s *session) sendFrames(ctx context.Context, frames []*Frame) (int, error) {
	if len(frames) == 0 {
		return 0, ErrEmptyMessage
	}

	if err := s.establish(ctx); err != nil {
		return 0, err
	}

	s.state = SessionTransferring

	confirmed := 0
	for _, frame := range frames {
		if err := s.sendFrame(ctx, frame); err != nil {
			s.release()

			return confirmed, err
		}
		confirmed++
	}

	s.release()

	return confirmed, nil
}

// establish acquires line control: send ENQ, wait T1 for the reply, retry
// on NAK or silence with a linearly growing delay.
//
// On contention (both ends sent ENQ) this end yields: it acknowledges the
// peer's ENQ, receives the peer's complete message, waits a short random
// interval and starts over with a fresh attempt budget.
func (s *session) establish(ctx context.Context) error {
	s.state = SessionEstablishing
	defer func() {
		if s.state == SessionEstablishing {
			s.state = SessionIdle
		}
	}()

	attempt := 0
	for attempt < s.cfg.enqRetryLimit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := s.tryEnq(ctx)

		switch result {
		case establishOK:
			return nil

		case establishContention:
			s.logger.Debug("line contention, yielded to peer")

			if err := s.yieldToPeer(ctx); err != nil {
				s.logger.Debug("receive during contention yield failed", "error", err)
			}

			// the postponed send starts over as a fresh transaction
			attempt = 0

			s.sleep(ctx, s.contentionBackoff())

			continue

		case establishRetry:
			attempt++
			s.logger.Debug("establishment retry",
				"attempt", attempt,
				"limit", s.cfg.enqRetryLimit,
				"error", err,
			)

			if attempt < s.cfg.enqRetryLimit {
				s.sleep(ctx, time.Duration(attempt)*s.cfg.retryDelay)
			}

			continue

		case establishAbort:
			return err
		}
	}

	return fmt.Errorf("%w: no ACK after %d ENQ attempts", ErrEstablishmentFailed, s.cfg.enqRetryLimit)
}

// tryEnq performs one ENQ attempt and classifies the reply.
func (s *session) tryEnq(ctx context.Context) (establishResult, error) {
	if err := s.ft.writeByte(ENQ); err != nil {
		return establishAbort, fmt.Errorf("e1381: send ENQ: %w", err)
	}

	deadline := time.Now().Add(s.cfg.t1Timeout)

	for {
		select {
		case <-ctx.Done():
			return establishAbort, ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return establishRetry, fmt.Errorf("%w: waiting for ENQ reply", ErrTimeout)
		}

		b, err := s.ft.readByte(remaining)
		if err != nil {
			if isTimeoutError(err) {
				return establishRetry, fmt.Errorf("%w: waiting for ENQ reply", ErrTimeout)
			}

			return establishAbort, err
		}

		switch b {
		case ACK:
			return establishOK, nil
		case NAK:
			return establishRetry, errors.New("e1381: ENQ refused with NAK")
		case ENQ:
			return establishContention, ErrContention
		default:
			// Ignore stray bytes while the reply is pending.
			continue
		}
	}
}

// yieldToPeer accepts the peer's ENQ that collided with ours and receives
// the peer's transaction before retrying the postponed send.
func (s *session) yieldToPeer(ctx context.Context) error {
	if err := s.ft.writeByte(ACK); err != nil {
		return fmt.Errorf("e1381: accept contention ENQ: %w", err)
	}

	msgs, err := s.receiveFrames(ctx)
	for _, msg := range msgs {
		if s.onYieldMessage != nil {
			s.onYieldMessage(msg)
		}
	}

	return err
}

func (s *session) contentionBackoff() time.Duration {
	if s.cfg.retryDelay <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(s.cfg.retryDelay)))
}

// sendFrame transmits one frame and waits for its acknowledgment, resending
// on NAK or T2 silence until the per-frame budget runs out.
func (s *session) sendFrame(ctx context.Context, frame *Frame) error {
	transmissions := 0

	for transmissions < s.cfg.frameRetryLimit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.ft.writeFrame(frame); err != nil {
			return fmt.Errorf("e1381: write frame %d: %w", frame.Seq, err)
		}

		transmissions++

		b, err := s.ft.readByte(s.cfg.t2Timeout)
		if err != nil {
			if !isTimeoutError(err) {
				return err
			}

			s.logger.Debug("no acknowledgment for frame",
				"seq", frame.Seq,
				"transmissions", transmissions,
			)
			s.noteRetry(transmissions)

			continue
		}

		switch b {
		case ACK:
			return nil

		case EOT:
			// Receiver interrupt request: stop sending immediately.
			return fmt.Errorf("%w: receiver requested interrupt", ErrTransferAborted)

		case NAK:
			s.logger.Debug("frame rejected with NAK",
				"seq", frame.Seq,
				"transmissions", transmissions,
			)
			s.noteRetry(transmissions)

		default:
			// Any other byte counts as a failed acknowledgment.
			s.logger.Debug("unexpected acknowledgment byte",
				"seq", frame.Seq,
				"byte", fmt.Sprintf("0x%02X", b),
			)
			s.noteRetry(transmissions)
		}
	}

	return fmt.Errorf("%w: frame %d not accepted after %d transmissions",
		ErrTransferFailed, frame.Seq, s.cfg.frameRetryLimit)
}

func (s *session) noteRetry(transmissions int) {
	if transmissions < s.cfg.frameRetryLimit && s.onRetry != nil {
		s.onRetry()
	}
}

// release returns the line to the neutral state with EOT.
func (s *session) release() {
	s.state = SessionClosing
	if err := s.ft.writeByte(EOT); err != nil {
		s.logger.Debug("failed to send EOT", "error", err)
	}
	s.state = SessionIdle
}

// --- Receiving ---

// receiveFrames runs the receive side of a transaction. The caller must
// already have acknowledged the peer's ENQ with ACK.
//
// It collects frames until the peer releases the line with EOT and returns
// every complete message received. Corrupt and out-of-sequence frames are
// rejected with NAK; the peer's retransmission budget bounds how often that
// can happen before the peer gives up. A partial message pending when the
// transaction ends is discarded and reported as ErrIncompleteMessage.
func (s *session) receiveFrames(ctx context.Context) ([]astm.Message, error) {
	s.state = SessionTransferring
	defer func() { s.state = SessionIdle }()

	s.assembler.Reset()

	var msgs []astm.Message
	// consecutive rejections; an accepted frame resets the count, so the
	// receiver tolerance mirrors the sender's per-frame budget
	naks := 0
	maxNaks := s.cfg.frameRetryLimit

	for {
		select {
		case <-ctx.Done():
			return msgs, ctx.Err()
		default:
		}

		raw, err := s.waitFrameOrEOT(ctx)
		if err != nil {
			if errors.Is(err, errGotEOT) {
				if s.assembler.Pending() {
					s.assembler.Reset()

					return msgs, fmt.Errorf("%w: transaction ended mid-message", ErrIncompleteMessage)
				}

				return msgs, nil
			}
			if errors.Is(err, ErrTimeout) {
				s.assembler.Reset()

				return msgs, fmt.Errorf("%w: no frame within receiver timeout", ErrTimeout)
			}

			return msgs, err
		}

		frame, flags, err := DecodeFrame(raw)
		if err != nil {
			s.logger.Warn("discarding unparsable frame", "error", err)
			if err := s.nak(&naks, maxNaks); err != nil {
				return msgs, err
			}

			continue
		}

		if !flags.ChecksumOK {
			s.logger.Warn("frame checksum mismatch",
				"seq", frame.Seq,
				"payload", string(frame.Payload),
			)
			if err := s.nak(&naks, maxNaks); err != nil {
				return msgs, err
			}

			continue
		}

		if flags.SeqMissing {
			s.logger.Warn("frame number missing, assuming continuation")
		}

		result, err := s.assembler.Feed(&frame)
		if err != nil {
			s.logger.Warn("rejecting frame", "error", err)
			if err := s.nak(&naks, maxNaks); err != nil {
				return msgs, err
			}

			continue
		}

		if err := s.ft.writeByte(ACK); err != nil {
			return msgs, fmt.Errorf("e1381: send ACK: %w", err)
		}

		naks = 0

		if result != feedDuplicate && s.onFrameRecv != nil {
			s.onFrameRecv()
		}

		if result == feedComplete {
			msg, err := s.assembler.Message(s.cfg.delimiters)
			if err != nil {
				s.logger.Error("received message failed to decode", "error", err)

				continue
			}

			msgs = append(msgs, msg)
		}
	}
}

// errGotEOT is an internal signal: the peer released the line.
var errGotEOT = errors.New("e1381: got EOT")

// waitFrameOrEOT waits up to T3 for either the start of a frame or an EOT.
func (s *session) waitFrameOrEOT(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(s.cfg.t3Timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		b, err := s.ft.readByte(remaining)
		if err != nil {
			if isTimeoutError(err) {
				return nil, ErrTimeout
			}

			return nil, err
		}

		switch b {
		case EOT:
			return nil, errGotEOT

		case STX:
			// Push back into frame context: read the rest of the frame.
			raw, err := s.readFrameBody(remaining)
			if err != nil {
				return nil, err
			}

			return raw, nil

		default:
			// Noise between frames; keep waiting.
			continue
		}
	}
}

// readFrameBody reads the remainder of a frame whose STX was already
// consumed by waitFrameOrEOT.
func (s *session) readFrameBody(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	buf := make([]byte, 0, 64)
	buf = append(buf, STX)
	termSeen := false
	tailLen := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		b, err := s.ft.readByte(remaining)
		if err != nil {
			if isTimeoutError(err) {
				return nil, ErrTimeout
			}

			return nil, err
		}

		buf = append(buf, b)
		if len(buf) > maxWireFrame {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrFrameTooLarge, maxWireFrame)
		}

		if !termSeen {
			if b == ETX || b == ETB {
				termSeen = true
			}

			continue
		}

		tailLen++
		if tailLen >= checksumSize+1 && b == CR {
			s.ft.consumeOptionalLF()

			return buf, nil
		}
		if tailLen > checksumSize+1 {
			return nil, fmt.Errorf("%w: no CR after checksum", ErrMalformedFrame)
		}
	}
}

// nak rejects the current frame, giving up once the budget is spent.
func (s *session) nak(naks *int, maxNaks int) error {
	*naks++
	if s.onNak != nil {
		s.onNak()
	}

	if *naks > maxNaks {
		s.assembler.Reset()
		// stop responding; the peer's retry budget will end the transaction
		return fmt.Errorf("%w: %d consecutive corrupt frames", ErrTransferAborted, *naks)
	}

	return s.ft.writeByte(NAK)
}

// sleep waits for d or until the context is cancelled.
func (s *session) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
