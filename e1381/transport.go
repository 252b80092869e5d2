package e1381

import (
	"bufio"
	"net"
	"time"

	"github.com/labcomm/go-astm/logger"
)

// maxWireFrame bounds how many bytes readFrame will buffer for a single
// frame before declaring it malformed.
const maxWireFrame = MaxMaxPayload + 16

// frameTransport handles byte-level E1381 I/O on a single link.
//
// It provides handshake byte and frame read/write operations with per-call
// deadlines. This type is NOT goroutine-safe. The caller (protocol loop)
// must ensure that only one operation is active at a time, consistent with
// the half-duplex nature of E1381.
type frameTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    *ConnectionConfig
	logger logger.Logger
}

func newFrameTransport(conn net.Conn, cfg *ConnectionConfig, l logger.Logger) *frameTransport {
	return &frameTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
		logger: l,
	}
}

// readByte reads a single byte from the connection with the given timeout.
// Returns os.ErrDeadlineExceeded (or net.Error with Timeout()=true) on timeout.
func (ft *frameTransport) readByte(timeout time.Duration) (byte, error) {
	if err := ft.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	return ft.reader.ReadByte()
}

// writeByte writes a single handshake byte (ENQ, EOT, ACK, or NAK).
func (ft *frameTransport) writeByte(b byte) error {
	_, err := ft.conn.Write([]byte{b})

	return err
}

// writeAll writes all bytes in data to the connection.
func (ft *frameTransport) writeAll(data []byte) error {
	for written := 0; written < len(data); {
		n, err := ft.conn.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
	}

	return nil
}

// consumeOptionalLF eats a buffered LF after the trailing CR without
// blocking for one that was never sent.
func (ft *frameTransport) consumeOptionalLF() {
	if ft.reader.Buffered() == 0 {
		return
	}

	peeked, err := ft.reader.Peek(1)
	if err == nil && len(peeked) == 1 && peeked[0] == LF {
		_, _ = ft.reader.ReadByte()
	}
}

// writeFrame encodes and transmits the frame.
func (ft *frameTransport) writeFrame(frame *Frame) error {
	if ft.cfg.sendTimeout > 0 {
		if err := ft.conn.SetWriteDeadline(time.Now().Add(ft.cfg.sendTimeout)); err != nil {
			return err
		}
	}

	return ft.writeAll(frame.Encode())
}

func isTimeoutError(err error) bool {
	netErr, ok := err.(net.Error)

	return ok && netErr.Timeout()
}
