package e1381

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcomm/go-astm/astm"
)

func TestSession_SendFrames_HappyPath(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), ChunkedTransfer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		assert.Equal(t, ENQ, readOneByte(t, remote))
		writeByteTo(t, remote, ACK)

		for range frames {
			raw := readWireFrame(t, remote)
			_, flags, err := DecodeFrame(raw[:len(raw)-1]) // strip LF for decode
			assert.NoError(t, err)
			assert.True(t, flags.ChecksumOK)
			writeByteTo(t, remote, ACK)
		}

		assert.Equal(t, EOT, readOneByte(t, remote))
	}()

	confirmed, err := sess.sendFrames(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, len(frames), confirmed)
	assert.Equal(t, SessionIdle, sess.State())

	<-done
}

func TestSession_SendFrames_NakThenRetransmit(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	var retries atomic.Int32
	sess.onRetry = func() { retries.Add(1) }

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), BulkTransfer)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)

		assert.Equal(t, ENQ, readOneByte(t, remote))
		writeByteTo(t, remote, ACK)

		// reject the first transmission, accept the second
		first := readWireFrame(t, remote)
		writeByteTo(t, remote, NAK)

		second := readWireFrame(t, remote)
		assert.Equal(t, first, second)
		writeByteTo(t, remote, ACK)

		assert.Equal(t, EOT, readOneByte(t, remote))
	}()

	confirmed, err := sess.sendFrames(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, int32(1), retries.Load())

	<-done
}

func TestSession_SendFrames_FrameRetryExhaustion(t *testing.T) {
	cfg := newTestConfig(t, WithFrameRetryLimit(2))
	sess, remote := newTestSession(t, cfg)

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), BulkTransfer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		assert.Equal(t, ENQ, readOneByte(t, remote))
		writeByteTo(t, remote, ACK)

		// every transmission gets a NAK until the sender gives up
		readWireFrame(t, remote)
		writeByteTo(t, remote, NAK)
		readWireFrame(t, remote)
		writeByteTo(t, remote, NAK)

		assert.Equal(t, EOT, readOneByte(t, remote))
	}()

	confirmed, err := sess.sendFrames(context.Background(), frames)
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, 0, confirmed)

	<-done
}

func TestSession_SendFrames_ReceiverInterrupt(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), ChunkedTransfer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		assert.Equal(t, ENQ, readOneByte(t, remote))
		writeByteTo(t, remote, ACK)

		readWireFrame(t, remote)
		writeByteTo(t, remote, EOT)

		assert.Equal(t, EOT, readOneByte(t, remote))
	}()

	confirmed, err := sess.sendFrames(context.Background(), frames)
	require.ErrorIs(t, err, ErrTransferAborted)
	assert.Equal(t, 0, confirmed)

	<-done
}

func TestSession_Establish_NakExhaustion(t *testing.T) {
	cfg := newTestConfig(t, WithEnqRetryLimit(2))
	sess, remote := newTestSession(t, cfg)

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), BulkTransfer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		for i := 0; i < 2; i++ {
			assert.Equal(t, ENQ, readOneByte(t, remote))
			writeByteTo(t, remote, NAK)
		}
	}()

	confirmed, err := sess.sendFrames(context.Background(), frames)
	require.ErrorIs(t, err, ErrEstablishmentFailed)
	assert.Equal(t, 0, confirmed)

	<-done
}

func TestSession_Establish_SilenceExhaustion(t *testing.T) {
	cfg := newTestConfig(t, WithEnqRetryLimit(2))
	sess, remote := newTestSession(t, cfg)

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), BulkTransfer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		// swallow the ENQ attempts but never reply
		readOneByte(t, remote)
		readOneByte(t, remote)
	}()

	start := time.Now()
	_, err = sess.sendFrames(context.Background(), frames)
	require.ErrorIs(t, err, ErrEstablishmentFailed)

	// two T1 expirations must have elapsed
	assert.GreaterOrEqual(t, time.Since(start), 2*cfg.T1Timeout())

	<-done
}

func TestSession_Establish_ContentionYields(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	var yielded []astm.Message
	sess.onYieldMessage = func(msg astm.Message) { yielded = append(yielded, msg) }

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), BulkTransfer)
	require.NoError(t, err)

	peerMsg := astm.Message{
		astm.NewRecord(astm.TypeHeader, astm.F("\\^&")),
		astm.NewRecord(astm.TypeTerminator, astm.F("1"), astm.F("N")),
	}
	peerFrames, err := SplitMessage(peerMsg, cfg.Delimiters(), cfg.MaxPayload(), BulkTransfer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		// collide: answer the ENQ with our own ENQ
		assert.Equal(t, ENQ, readOneByte(t, remote))
		writeByteTo(t, remote, ENQ)

		// the local end yields and acknowledges our ENQ
		assert.Equal(t, ACK, readOneByte(t, remote))
		for _, frame := range peerFrames {
			mustWrite(t, remote, frame.Encode())
			assert.Equal(t, ACK, readOneByte(t, remote))
		}
		writeByteTo(t, remote, EOT)

		// the postponed send starts over
		assert.Equal(t, ENQ, readOneByte(t, remote))
		writeByteTo(t, remote, ACK)
		for range frames {
			readWireFrame(t, remote)
			writeByteTo(t, remote, ACK)
		}
		assert.Equal(t, EOT, readOneByte(t, remote))
	}()

	confirmed, err := sess.sendFrames(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, len(frames), confirmed)

	require.Len(t, yielded, 1)
	assert.Equal(t, astm.TypeHeader, yielded[0][0].Type())

	<-done
}

func TestSession_TryEnq_ClassifiesContention(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)

		assert.Equal(t, ENQ, readOneByte(t, remote))
		writeByteTo(t, remote, ENQ)
	}()

	result, err := sess.tryEnq(context.Background())
	assert.Equal(t, establishContention, result)
	require.ErrorIs(t, err, ErrContention)

	<-done
}

func TestSession_ReceiveFrames_SingleMessage(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), ChunkedTransfer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)

		for _, frame := range frames {
			mustWrite(t, remote, frame.Encode())
			assert.Equal(t, ACK, readOneByte(t, remote))
		}
		writeByteTo(t, remote, EOT)
	}()

	msgs, err := sess.receiveFrames(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].Validate())
	assert.Len(t, msgs[0], len(testMessage()))

	<-done
}

func TestSession_ReceiveFrames_NakRecovery(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	var naks atomic.Int32
	sess.onNak = func() { naks.Add(1) }

	good := &Frame{Seq: 1, Payload: []byte("H|\\^&\rL|1|N\r"), Final: true}
	corrupt := good.Encode()
	corrupt[3] ^= 0x01

	done := make(chan struct{})
	go func() {
		defer close(done)

		mustWrite(t, remote, corrupt)
		assert.Equal(t, NAK, readOneByte(t, remote))

		mustWrite(t, remote, good.Encode())
		assert.Equal(t, ACK, readOneByte(t, remote))

		writeByteTo(t, remote, EOT)
	}()

	msgs, err := sess.receiveFrames(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int32(1), naks.Load())

	<-done
}

func TestSession_ReceiveFrames_IsolatedCorruptionLongTransfer(t *testing.T) {
	cfg := newTestConfig(t, WithFrameRetryLimit(3))
	sess, remote := newTestSession(t, cfg)

	var naks atomic.Int32
	sess.onNak = func() { naks.Add(1) }

	frames, err := SplitMessage(testMessage(), cfg.Delimiters(), cfg.MaxPayload(), ChunkedTransfer)
	require.NoError(t, err)
	require.Greater(t, len(frames), cfg.FrameRetryLimit())

	done := make(chan struct{})
	go func() {
		defer close(done)

		// every frame arrives corrupted once before its clean retransmission
		for _, frame := range frames {
			corrupt := frame.Encode()
			corrupt[3] ^= 0x01
			mustWrite(t, remote, corrupt)
			assert.Equal(t, NAK, readOneByte(t, remote))

			mustWrite(t, remote, frame.Encode())
			assert.Equal(t, ACK, readOneByte(t, remote))
		}
		writeByteTo(t, remote, EOT)
	}()

	msgs, err := sess.receiveFrames(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0], len(testMessage()))
	assert.Equal(t, int32(len(frames)), naks.Load())

	<-done
}

func TestSession_ReceiveFrames_OutOfSequenceNak(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	wrongSeq := &Frame{Seq: 3, Payload: []byte("P|1\r"), Final: false}
	good := &Frame{Seq: 1, Payload: []byte("H|\\^&\rL|1|N\r"), Final: true}

	done := make(chan struct{})
	go func() {
		defer close(done)

		mustWrite(t, remote, wrongSeq.Encode())
		assert.Equal(t, NAK, readOneByte(t, remote))

		mustWrite(t, remote, good.Encode())
		assert.Equal(t, ACK, readOneByte(t, remote))

		writeByteTo(t, remote, EOT)
	}()

	msgs, err := sess.receiveFrames(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	<-done
}

func TestSession_ReceiveFrames_RunawayFrame(t *testing.T) {
	cfg := newTestConfig(t, WithT3Timeout(5*time.Second))
	sess, remote := newTestSession(t, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)

		// STX with no terminator, padded past the wire buffer limit
		runaway := make([]byte, maxWireFrame+1)
		runaway[0] = STX
		runaway[1] = '1'
		for i := 2; i < len(runaway); i++ {
			runaway[i] = 'A'
		}
		mustWrite(t, remote, runaway)
	}()

	msgs, err := sess.receiveFrames(context.Background())
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Empty(t, msgs)

	<-done
}

func TestSession_ReceiveFrames_IncompleteMessage(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	partial := &Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false}

	done := make(chan struct{})
	go func() {
		defer close(done)

		mustWrite(t, remote, partial.Encode())
		assert.Equal(t, ACK, readOneByte(t, remote))

		// give up mid-message
		writeByteTo(t, remote, EOT)
	}()

	msgs, err := sess.receiveFrames(context.Background())
	require.ErrorIs(t, err, ErrIncompleteMessage)
	assert.Empty(t, msgs)
	assert.False(t, sess.assembler.Pending())

	<-done
}

func TestSession_ReceiveFrames_MultipleMessagesPerTransaction(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	first := &Frame{Seq: 1, Payload: []byte("H|\\^&\rL|1|N\r"), Final: true}
	second := &Frame{Seq: 1, Payload: []byte("H|\\^&|||Other\rL|1|N\r"), Final: true}

	done := make(chan struct{})
	go func() {
		defer close(done)

		mustWrite(t, remote, first.Encode())
		assert.Equal(t, ACK, readOneByte(t, remote))

		mustWrite(t, remote, second.Encode())
		assert.Equal(t, ACK, readOneByte(t, remote))

		writeByteTo(t, remote, EOT)
	}()

	msgs, err := sess.receiveFrames(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	<-done
}

func TestSession_ReceiveFrames_ContinuedNumberingAcrossMessages(t *testing.T) {
	cfg := newTestConfig(t)
	sess, remote := newTestSession(t, cfg)

	var naks atomic.Int32
	sess.onNak = func() { naks.Add(1) }

	first := &Frame{Seq: 1, Payload: []byte("H|\\^&\rL|1|N\r"), Final: true}
	second := &Frame{Seq: 2, Payload: []byte("H|\\^&|||Other\rL|1|N\r"), Final: true}

	done := make(chan struct{})
	go func() {
		defer close(done)

		mustWrite(t, remote, first.Encode())
		assert.Equal(t, ACK, readOneByte(t, remote))

		mustWrite(t, remote, second.Encode())
		assert.Equal(t, ACK, readOneByte(t, remote))

		writeByteTo(t, remote, EOT)
	}()

	msgs, err := sess.receiveFrames(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Zero(t, naks.Load())

	<-done
}

func TestSession_ReceiveFrames_Timeout(t *testing.T) {
	cfg := newTestConfig(t)
	sess, _ := newTestSession(t, cfg)

	start := time.Now()
	msgs, err := sess.receiveFrames(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), cfg.T3Timeout())
}

func TestSession_SendFrames_Empty(t *testing.T) {
	cfg := newTestConfig(t)
	sess, _ := newTestSession(t, cfg)

	_, err := sess.sendFrames(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyMessage)
}
