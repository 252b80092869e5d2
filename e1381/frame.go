package e1381

import (
	"fmt"
)

// ASTM E1381 control bytes. These single-byte ASCII characters drive the
// half-duplex handshake and delimit frames on the wire.
const (
	// ENQ (Enquiry) requests line control to start a transaction.
	ENQ byte = 0x05

	// ACK (Acknowledge) accepts an ENQ or confirms a valid frame.
	ACK byte = 0x06

	// NAK (Negative Acknowledge) rejects an ENQ or a corrupt frame.
	NAK byte = 0x15

	// EOT (End of Transmission) ends a transaction. It is never acknowledged.
	EOT byte = 0x04

	// STX starts a frame.
	STX byte = 0x02

	// ETX terminates the final frame of a message.
	ETX byte = 0x03

	// ETB terminates an intermediate frame of a multi-frame message.
	ETB byte = 0x17

	// CR ends a frame trailer, optionally followed by LF.
	CR byte = 0x0D

	// LF optionally follows the trailing CR.
	LF byte = 0x0A
)

// Frame numbers occupy a single decimal digit, cycling 1,2,...,7,0,1,...
// The first frame of every transaction is numbered 1.
const (
	FirstFrameSeq = 1
	frameSeqMod   = 8
)

// checksumSize is the size of the hex checksum in the frame trailer.
const checksumSize = 2

// NextSeq returns the frame number that follows seq, wrapping 7 to 0.
func NextSeq(seq int) int {
	return (seq + 1) % frameSeqMod
}

// Frame is one STX...CR transmission unit carrying part or all of a message.
//
// A frame on the wire is:
//
//	STX <seq digit> <payload> (ETX|ETB) <checksum: 2 hex digits> CR [LF]
//
// Frames are built for a single send and consumed immediately; they are not
// persisted.
type Frame struct {
	// Seq is the frame number digit (0-7). DecodeFrame reports -1 when the
	// digit is missing or unparsable.
	Seq int

	// Payload is the frame's record text, including record terminators.
	Payload []byte

	// Final marks the last frame of a message (ETX rather than ETB).
	Final bool
}

// terminator returns the frame's terminator byte.
func (f *Frame) terminator() byte {
	if f.Final {
		return ETX
	}

	return ETB
}

// Checksum computes the frame checksum: the arithmetic sum of every byte
// from the frame number digit through the terminator byte inclusive, modulo
// 256, rendered as two uppercase hex digits.
func Checksum(seq int, payload []byte, final bool) [checksumSize]byte {
	sum := uint32(seqDigit(seq))
	for _, b := range payload {
		sum += uint32(b)
	}

	if final {
		sum += uint32(ETX)
	} else {
		sum += uint32(ETB)
	}

	var out [checksumSize]byte
	const hexDigits = "0123456789ABCDEF"
	out[0] = hexDigits[(sum>>4)&0x0F]
	out[1] = hexDigits[sum&0x0F]

	return out
}

func seqDigit(seq int) byte {
	return byte('0' + seq%frameSeqMod)
}

// Encode serializes the frame to its wire format.
func (f *Frame) Encode() []byte {
	cs := Checksum(f.Seq, f.Payload, f.Final)

	buf := make([]byte, 0, len(f.Payload)+7)
	buf = append(buf, STX, seqDigit(f.Seq))
	buf = append(buf, f.Payload...)
	buf = append(buf, f.terminator())
	buf = append(buf, cs[0], cs[1])
	buf = append(buf, CR, LF)

	return buf
}

// DecodeFlags reports non-fatal conditions observed while decoding a frame.
type DecodeFlags struct {
	// ChecksumOK is false when the received checksum does not match the
	// computed one. The payload is still returned so the caller can NAK
	// while keeping the data available for diagnostics.
	ChecksumOK bool

	// SeqMissing is true when the frame number digit was absent or
	// unparsable. The caller should substitute the expected number and log
	// a warning.
	SeqMissing bool
}

// DecodeFrame parses a raw frame.
//
// Tolerated deviations, reported via DecodeFlags rather than errors:
//
//   - checksum mismatch (ChecksumOK=false, payload still surfaced);
//   - absent or non-digit frame number (Seq=-1, SeqMissing=true);
//   - a bare CR trailer with no LF, or a missing trailer altogether.
//
// Structurally broken frames (no STX, no ETX/ETB terminator, truncated
// checksum) fail with ErrMalformedFrame.
func DecodeFrame(raw []byte) (Frame, DecodeFlags, error) {
	var frame Frame
	flags := DecodeFlags{ChecksumOK: true}

	if len(raw) == 0 || raw[0] != STX {
		return frame, flags, fmt.Errorf("%w: missing STX", ErrMalformedFrame)
	}

	termIdx, final := findTerminator(raw)
	if termIdx < 0 {
		return frame, flags, fmt.Errorf("%w: no ETX or ETB terminator", ErrMalformedFrame)
	}

	frame.Final = final

	trailer := raw[termIdx+1:]
	trailer = trimTrailer(trailer)
	if len(trailer) != checksumSize {
		return frame, flags, fmt.Errorf("%w: checksum is %d bytes, want %d",
			ErrMalformedFrame, len(trailer), checksumSize)
	}

	body := raw[1:termIdx]

	frame.Seq = -1
	if len(body) > 0 && body[0] >= '0' && body[0] <= '9' {
		frame.Seq = int(body[0]-'0') % frameSeqMod
		body = body[1:]
	} else {
		flags.SeqMissing = true
	}

	frame.Payload = body

	want := Checksum(frame.Seq, body, final)
	if flags.SeqMissing {
		// Without a sequence digit the checksum base is unknowable; compare
		// against the raw bytes from STX+1 instead.
		want = checksumOver(raw[1 : termIdx+1])
	}

	got := [checksumSize]byte{upperHex(trailer[0]), upperHex(trailer[1])}
	if got != want {
		flags.ChecksumOK = false
	}

	return frame, flags, nil
}

// findTerminator locates the last ETX, or failing that the last ETB.
func findTerminator(raw []byte) (int, bool) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == ETX {
			return i, true
		}
	}

	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == ETB {
			return i, false
		}
	}

	return -1, false
}

// checksumOver sums raw bytes directly (used when the sequence digit is
// missing and Checksum's digit reconstruction does not apply).
func checksumOver(data []byte) [checksumSize]byte {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}

	var out [checksumSize]byte
	const hexDigits = "0123456789ABCDEF"
	out[0] = hexDigits[(sum>>4)&0x0F]
	out[1] = hexDigits[sum&0x0F]

	return out
}

func trimTrailer(trailer []byte) []byte {
	if n := len(trailer); n > 0 && trailer[n-1] == LF {
		trailer = trailer[:n-1]
	}
	if n := len(trailer); n > 0 && trailer[n-1] == CR {
		trailer = trailer[:n-1]
	}

	return trailer
}

func upperHex(c byte) byte {
	if c >= 'a' && c <= 'f' {
		return c - 'a' + 'A'
	}

	return c
}
