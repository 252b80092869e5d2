package e1381

import (
	"fmt"

	"github.com/labcomm/go-astm/astm"
)

// messageAssembler collects frame payloads across a transaction and decodes
// the complete message once the final frame arrives. One assembler serves
// one transaction; Reset prepares it for the next.
type messageAssembler struct {
	expectedSeq int
	lastSeq     int
	buf         []byte
	started     bool
}

func newMessageAssembler() *messageAssembler {
	a := &messageAssembler{}
	a.Reset()

	return a
}

// Reset discards any buffered payload and rewinds sequence tracking to the
// start of a transaction.
func (a *messageAssembler) Reset() {
	a.expectedSeq = FirstFrameSeq
	a.lastSeq = -1
	a.buf = a.buf[:0]
	a.started = false
}

// feedResult tells the session loop how to respond to a stored frame.
type feedResult int

const (
	// feedStored means the frame was accepted; ACK it.
	feedStored feedResult = iota

	// feedDuplicate means the frame repeats the previously accepted one;
	// ACK it but nothing new was stored.
	feedDuplicate

	// feedComplete means the frame was the message's final frame; ACK it
	// and collect the message with Message.
	feedComplete
)

// Feed offers a decoded frame to the assembler. A frame numbered like the
// previously accepted one is treated as a retransmission and ignored. A
// frame with any other unexpected number fails with ErrOutOfSequence; the
// caller should NAK it.
//
// SeqMissing frames (Seq < 0) are accepted as implicit continuations using
// the expected number.
//
// Between messages of one transaction the first frame of the next message
// may either continue the running sequence or restart at FirstFrameSeq;
// peers differ on which they do.
func (a *messageAssembler) Feed(frame *Frame) (feedResult, error) {
	seq := frame.Seq
	if seq < 0 {
		seq = a.expectedSeq
	}

	if a.started && seq == a.lastSeq {
		return feedDuplicate, nil
	}

	if seq != a.expectedSeq {
		if a.started || seq != FirstFrameSeq {
			return 0, fmt.Errorf("%w: got %d, want %d", ErrOutOfSequence, seq, a.expectedSeq)
		}
	}

	a.buf = append(a.buf, frame.Payload...)
	a.lastSeq = seq
	a.expectedSeq = NextSeq(seq)
	a.started = true

	if frame.Final {
		return feedComplete, nil
	}

	return feedStored, nil
}

// Pending reports whether the assembler holds payload from an unfinished
// message.
func (a *messageAssembler) Pending() bool {
	return a.started
}

// Message decodes the buffered payload into records and clears the buffer
// for the next message. Call it after Feed returns feedComplete. The
// sequence counter keeps running so a peer that numbers frames continuously
// through the transaction stays in sync.
func (a *messageAssembler) Message(d astm.Delimiters) (astm.Message, error) {
	defer func() {
		a.buf = a.buf[:0]
		a.started = false
	}()

	msg, err := astm.DecodeText(a.buf, d)
	if err != nil {
		return nil, err
	}
	if len(msg) == 0 {
		return nil, ErrEmptyMessage
	}

	return msg, nil
}
