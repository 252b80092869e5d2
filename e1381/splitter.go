package e1381

import (
	"bytes"

	"github.com/labcomm/go-astm/astm"
)

// TransferMode selects how a message's records are packed into frames.
type TransferMode int

const (
	// ChunkedTransfer sends one record per frame, splitting records that
	// exceed the payload budget across continuation frames. This is the
	// traditional analyzer behavior and the default.
	ChunkedTransfer TransferMode = iota

	// BulkTransfer packs as many whole records as fit into each frame,
	// minimizing handshake round trips.
	BulkTransfer
)

func (m TransferMode) String() string {
	switch m {
	case ChunkedTransfer:
		return "chunked"
	case BulkTransfer:
		return "bulk"
	default:
		return "unknown"
	}
}

// SplitMessage encodes msg with the given delimiters and packs the encoded
// records into frame payloads no larger than maxPayload. Only the last
// returned frame is final; frame numbers are assigned from FirstFrameSeq.
func SplitMessage(msg astm.Message, d astm.Delimiters, maxPayload int, mode TransferMode) ([]*Frame, error) {
	if len(msg) == 0 {
		return nil, ErrEmptyMessage
	}

	records := make([][]byte, 0, len(msg))
	for _, rec := range msg {
		encoded, err := astm.EncodeRecord(rec, d)
		if err != nil {
			return nil, err
		}
		records = append(records, encoded)
	}

	var payloads [][]byte
	switch mode {
	case BulkTransfer:
		payloads = packBulk(records, maxPayload, d)
	default:
		payloads = packChunked(records, maxPayload, d)
	}

	frames := make([]*Frame, 0, len(payloads))
	seq := FirstFrameSeq
	for i, payload := range payloads {
		frames = append(frames, &Frame{
			Seq:     seq,
			Payload: payload,
			Final:   i == len(payloads)-1,
		})
		seq = NextSeq(seq)
	}

	return frames, nil
}

// packChunked emits one record per payload, splitting oversized records.
func packChunked(records [][]byte, maxPayload int, d astm.Delimiters) [][]byte {
	var payloads [][]byte
	for _, rec := range records {
		payloads = append(payloads, splitRecord(rec, maxPayload, d)...)
	}

	return payloads
}

// packBulk greedily packs whole records into each payload. A record that
// alone exceeds the budget is split the same way chunked mode splits it.
func packBulk(records [][]byte, maxPayload int, d astm.Delimiters) [][]byte {
	var payloads [][]byte
	var cur []byte
	for _, rec := range records {
		if len(rec) > maxPayload {
			if len(cur) > 0 {
				payloads = append(payloads, cur)
				cur = nil
			}
			payloads = append(payloads, splitRecord(rec, maxPayload, d)...)
			continue
		}

		if len(cur)+len(rec) > maxPayload {
			payloads = append(payloads, cur)
			cur = nil
		}
		cur = append(cur, rec...)
	}

	if len(cur) > 0 {
		payloads = append(payloads, cur)
	}

	return payloads
}

// splitRecord cuts an encoded record into payload-sized pieces. Cuts prefer
// the last field separator inside the budget so continuation frames start at
// a field boundary; a record with no separator in range is cut at the raw
// byte limit.
func splitRecord(rec []byte, maxPayload int, d astm.Delimiters) [][]byte {
	if len(rec) <= maxPayload {
		return [][]byte{rec}
	}

	var parts [][]byte
	for len(rec) > maxPayload {
		cut := bytes.LastIndexByte(rec[:maxPayload], d.Field)
		if cut <= 0 {
			cut = maxPayload
		}
		parts = append(parts, rec[:cut])
		rec = rec[cut:]
	}

	if len(rec) > 0 {
		parts = append(parts, rec)
	}

	return parts
}
