package e1381

import (
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// openSerial opens the configured serial device and starts the protocol loop.
//
// Serial links have no dial/listen distinction: the line exists as soon as
// the device opens.
func (c *Connection) openSerial() error {
	mode := &serial.Mode{
		BaudRate: c.cfg.serialBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(c.cfg.serialDevice, mode)
	if err != nil {
		return fmt.Errorf("e1381: open serial device %s: %w", c.cfg.serialDevice, err)
	}

	c.setupLinkConn(&serialConn{port: port, device: c.cfg.serialDevice})

	if !c.opState.ToOpened() {
		c.logger.Warn("serial: failed to set state to opened",
			"opState", c.opState.String())
	}

	c.logger.Debug("serial: device opened",
		"device", c.cfg.serialDevice,
		"baud", c.cfg.serialBaud)

	if err := c.stateMgr.ToIdle(); err != nil {
		return err
	}

	return c.startProtocolLoop()
}

// serialConn adapts a serial.Port to the net.Conn interface so the frame
// transport can treat TCP and serial links uniformly.
//
// Read deadlines map onto the port's read timeout; write deadlines are not
// supported by the serial layer and are ignored.
type serialConn struct {
	port   serial.Port
	device string
}

func (sc *serialConn) Read(p []byte) (int, error) {
	n, err := sc.port.Read(p)
	if err == nil && n == 0 {
		// the port signals a read timeout with a 0-byte read
		return 0, timeoutError{}
	}

	return n, err
}

func (sc *serialConn) Write(p []byte) (int, error) {
	return sc.port.Write(p)
}

func (sc *serialConn) Close() error {
	return sc.port.Close()
}

func (sc *serialConn) LocalAddr() net.Addr  { return serialAddr{device: sc.device} }
func (sc *serialConn) RemoteAddr() net.Addr { return serialAddr{device: sc.device} }

func (sc *serialConn) SetDeadline(t time.Time) error {
	return sc.SetReadDeadline(t)
}

func (sc *serialConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return sc.port.SetReadTimeout(serial.NoTimeout)
	}

	d := time.Until(t)
	if d < 0 {
		d = 0
	}

	return sc.port.SetReadTimeout(d)
}

func (sc *serialConn) SetWriteDeadline(time.Time) error {
	return nil
}

type serialAddr struct {
	device string
}

func (a serialAddr) Network() string { return "serial" }
func (a serialAddr) String() string  { return a.device }

// timeoutError satisfies net.Error for serial read timeouts.
type timeoutError struct{}

func (timeoutError) Error() string   { return "e1381: serial read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
