package e1381

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcomm/go-astm/astm"
)

func testMessage() astm.Message {
	return astm.Message{
		astm.NewRecord(astm.TypeHeader, astm.F("\\^&"), astm.F(), astm.F(), astm.F("Analyzer", "1.0")),
		astm.NewRecord(astm.TypePatient, astm.F("1"), astm.F(), astm.F(), astm.F("PID-1")),
		astm.NewRecord(astm.TypeResult, astm.F("1"), astm.F("", "", "", "GLU"), astm.F("5.4")),
		astm.NewRecord(astm.TypeTerminator, astm.F("1"), astm.F("N")),
	}
}

func TestSplitMessage_ChunkedOneRecordPerFrame(t *testing.T) {
	msg := testMessage()

	frames, err := SplitMessage(msg, astm.DefaultDelimiters(), DefaultMaxPayload, ChunkedTransfer)
	require.NoError(t, err)
	require.Len(t, frames, len(msg))

	for i, frame := range frames {
		assert.Equal(t, i == len(frames)-1, frame.Final, "frame %d", i)
		assert.True(t, frame.Payload[len(frame.Payload)-1] == CR, "frame %d ends with CR", i)
	}

	assert.Equal(t, 1, frames[0].Seq)
	assert.Equal(t, 2, frames[1].Seq)
	assert.Equal(t, 3, frames[2].Seq)
	assert.Equal(t, 4, frames[3].Seq)
}

func TestSplitMessage_BulkPacksWholeRecords(t *testing.T) {
	msg := testMessage()

	frames, err := SplitMessage(msg, astm.DefaultDelimiters(), DefaultMaxPayload, BulkTransfer)
	require.NoError(t, err)

	// the whole test message fits in one default-sized frame
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Final)
	assert.Equal(t, FirstFrameSeq, frames[0].Seq)
}

func TestSplitMessage_ModesCarrySamePayloadBytes(t *testing.T) {
	msg := testMessage()
	d := astm.DefaultDelimiters()

	chunked, err := SplitMessage(msg, d, DefaultMaxPayload, ChunkedTransfer)
	require.NoError(t, err)
	bulk, err := SplitMessage(msg, d, DefaultMaxPayload, BulkTransfer)
	require.NoError(t, err)

	assert.Equal(t, joinPayloads(chunked), joinPayloads(bulk))
}

func TestSplitMessage_OversizedRecordSplitsAtFieldBoundary(t *testing.T) {
	long := strings.Repeat("x", 40)
	msg := astm.Message{
		astm.NewRecord(astm.TypeHeader, astm.F("\\^&")),
		astm.NewRecord(astm.TypeComment, astm.F("1"), astm.F(long), astm.F(long), astm.F(long)),
		astm.NewRecord(astm.TypeTerminator, astm.F("1"), astm.F("N")),
	}

	frames, err := SplitMessage(msg, astm.DefaultDelimiters(), 64, ChunkedTransfer)
	require.NoError(t, err)
	require.Greater(t, len(frames), 3)

	for i, frame := range frames[:len(frames)-1] {
		assert.False(t, frame.Final, "frame %d", i)
		assert.LessOrEqual(t, len(frame.Payload), 64, "frame %d", i)
	}
	assert.True(t, frames[len(frames)-1].Final)

	// continuation pieces of the comment record resume at a field boundary
	for _, frame := range frames[2 : len(frames)-1] {
		assert.Equal(t, byte('|'), frame.Payload[0])
	}
}

func TestSplitMessage_SeqWrapsAfterSeven(t *testing.T) {
	long := strings.Repeat("z", 30)
	fields := make([]astm.Field, 0, 12)
	fields = append(fields, astm.F("1"))
	for i := 0; i < 11; i++ {
		fields = append(fields, astm.F(long))
	}
	msg := astm.Message{
		astm.NewRecord(astm.TypeHeader, astm.F("\\^&")),
		astm.NewRecord(astm.TypeComment, fields...),
		astm.NewRecord(astm.TypeTerminator, astm.F("1"), astm.F("N")),
	}

	frames, err := SplitMessage(msg, astm.DefaultDelimiters(), 32, ChunkedTransfer)
	require.NoError(t, err)
	require.Greater(t, len(frames), 8)

	seq := FirstFrameSeq
	for i, frame := range frames {
		assert.Equal(t, seq, frame.Seq, "frame %d", i)
		seq = NextSeq(seq)
	}
	assert.Equal(t, 0, frames[7].Seq)
	assert.Equal(t, 1, frames[8].Seq)
}

func TestSplitMessage_Empty(t *testing.T) {
	_, err := SplitMessage(nil, astm.DefaultDelimiters(), DefaultMaxPayload, ChunkedTransfer)
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func joinPayloads(frames []*Frame) []byte {
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f.Payload...)
	}

	return buf
}
