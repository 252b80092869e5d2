package e1381

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcomm/go-astm/astm"
)

func TestAssembler_SingleFrameMessage(t *testing.T) {
	a := newMessageAssembler()

	res, err := a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\rL|1|N\r"), Final: true})
	require.NoError(t, err)
	require.Equal(t, feedComplete, res)

	msg, err := a.Message(astm.DefaultDelimiters())
	require.NoError(t, err)
	require.Len(t, msg, 2)
	assert.Equal(t, astm.TypeHeader, msg[0].Type())
	assert.Equal(t, astm.TypeTerminator, msg[1].Type())

	// Message clears the buffer for the next message
	assert.False(t, a.Pending())
}

func TestAssembler_ContinuedNumberingAcrossMessages(t *testing.T) {
	a := newMessageAssembler()

	_, err := a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\rL|1|N\r"), Final: true})
	require.NoError(t, err)
	_, err = a.Message(astm.DefaultDelimiters())
	require.NoError(t, err)

	// peer keeps the frame counter running into the next message
	res, err := a.Feed(&Frame{Seq: 2, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)
	assert.Equal(t, feedStored, res)

	res, err = a.Feed(&Frame{Seq: 3, Payload: []byte("L|1|N\r"), Final: true})
	require.NoError(t, err)
	assert.Equal(t, feedComplete, res)

	msg, err := a.Message(astm.DefaultDelimiters())
	require.NoError(t, err)
	assert.Len(t, msg, 2)
}

func TestAssembler_RestartNumberingAcrossMessages(t *testing.T) {
	a := newMessageAssembler()

	_, err := a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)
	_, err = a.Feed(&Frame{Seq: 2, Payload: []byte("L|1|N\r"), Final: true})
	require.NoError(t, err)
	_, err = a.Message(astm.DefaultDelimiters())
	require.NoError(t, err)

	// peer renumbers from the first sequence for the next message
	res, err := a.Feed(&Frame{Seq: FirstFrameSeq, Payload: []byte("H|\\^&\rL|1|N\r"), Final: true})
	require.NoError(t, err)
	assert.Equal(t, feedComplete, res)

	msg, err := a.Message(astm.DefaultDelimiters())
	require.NoError(t, err)
	assert.Len(t, msg, 2)

	// mid-message a wrong number is still rejected
	_, err = a.Feed(&Frame{Seq: 2, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)
	_, err = a.Feed(&Frame{Seq: 1, Payload: []byte("P|1\r"), Final: false})
	require.ErrorIs(t, err, ErrOutOfSequence)
}

func TestAssembler_MultiFrameMessage(t *testing.T) {
	a := newMessageAssembler()

	res, err := a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)
	assert.Equal(t, feedStored, res)
	assert.True(t, a.Pending())

	res, err = a.Feed(&Frame{Seq: 2, Payload: []byte("P|1\r"), Final: false})
	require.NoError(t, err)
	assert.Equal(t, feedStored, res)

	res, err = a.Feed(&Frame{Seq: 3, Payload: []byte("L|1|N\r"), Final: true})
	require.NoError(t, err)
	assert.Equal(t, feedComplete, res)

	msg, err := a.Message(astm.DefaultDelimiters())
	require.NoError(t, err)
	assert.Len(t, msg, 3)
}

func TestAssembler_DuplicateFrameIgnored(t *testing.T) {
	a := newMessageAssembler()

	_, err := a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)

	// retransmission of the frame just accepted
	res, err := a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)
	assert.Equal(t, feedDuplicate, res)

	res, err = a.Feed(&Frame{Seq: 2, Payload: []byte("L|1|N\r"), Final: true})
	require.NoError(t, err)
	assert.Equal(t, feedComplete, res)

	msg, err := a.Message(astm.DefaultDelimiters())
	require.NoError(t, err)
	assert.Len(t, msg, 2)
}

func TestAssembler_OutOfSequence(t *testing.T) {
	a := newMessageAssembler()

	_, err := a.Feed(&Frame{Seq: 2, Payload: []byte("P|1\r"), Final: false})
	require.ErrorIs(t, err, ErrOutOfSequence)

	_, err = a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)

	_, err = a.Feed(&Frame{Seq: 4, Payload: []byte("L|1|N\r"), Final: true})
	require.ErrorIs(t, err, ErrOutOfSequence)
}

func TestAssembler_MissingSeqContinuation(t *testing.T) {
	a := newMessageAssembler()

	_, err := a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)

	// a frame with no sequence digit is accepted at the expected number
	res, err := a.Feed(&Frame{Seq: -1, Payload: []byte("L|1|N\r"), Final: true})
	require.NoError(t, err)
	assert.Equal(t, feedComplete, res)
}

func TestAssembler_Reset(t *testing.T) {
	a := newMessageAssembler()

	_, err := a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)
	require.True(t, a.Pending())

	a.Reset()
	assert.False(t, a.Pending())

	_, err = a.Feed(&Frame{Seq: 1, Payload: []byte("H|\\^&\r"), Final: false})
	require.NoError(t, err)
}

func TestAssembler_EmptyBufferedMessage(t *testing.T) {
	a := newMessageAssembler()

	_, err := a.Feed(&Frame{Seq: 1, Payload: nil, Final: true})
	require.NoError(t, err)

	_, err = a.Message(astm.DefaultDelimiters())
	require.ErrorIs(t, err, ErrEmptyMessage)
}
