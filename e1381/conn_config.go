package e1381

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/labcomm/go-astm/astm"
	"github.com/labcomm/go-astm/logger"
)

// Default timer and retry values per ASTM E1381 §6.
const (
	DefaultT1Timeout = 15 * time.Second // establishment: wait for ENQ reply
	DefaultT2Timeout = 15 * time.Second // transfer: wait for frame ACK/NAK
	DefaultT3Timeout = 30 * time.Second // receiver: wait for the next frame

	DefaultEnqRetryLimit   = 6 // max ENQ attempts before giving up
	DefaultFrameRetryLimit = 6 // max transmissions per frame

	DefaultRetryDelay = 500 * time.Millisecond // linear backoff step between ENQ attempts

	// DefaultMaxPayload is the traditional E1381 frame payload limit:
	// 247 bytes total minus 7 bytes of frame overhead.
	DefaultMaxPayload = 240

	DefaultConnectTimeout = 3 * time.Second // TCP dial timeout (active mode)
	DefaultAcceptTimeout  = 1 * time.Second // Accept deadline per iteration (passive mode)
	DefaultCloseTimeout   = 3 * time.Second
	DefaultSendTimeout    = 3 * time.Second

	DefaultSenderQueueSize  = 10
	DefaultRecvMsgQueueSize = 10
)

// Configuration range limits.
const (
	MinTimerValue = 100 * time.Millisecond
	MaxTimerValue = 120 * time.Second

	MaxRetryLimit = 31

	MinMaxPayload = 32
	MaxMaxPayload = 65528
)

// ConnectionConfig holds all configuration for an E1381 connection.
type ConnectionConfig struct {
	host string
	port int

	// serialDevice, when non-empty, selects a serial link instead of TCP.
	serialDevice string
	serialBaud   int

	// isActive: true = initiating side (dials out), false = listening side.
	isActive bool

	// E1381 protocol timers.
	t1Timeout time.Duration
	t2Timeout time.Duration
	t3Timeout time.Duration

	// Retry budgets.
	enqRetryLimit   int
	frameRetryLimit int
	retryDelay      time.Duration

	maxPayload   int
	transferMode TransferMode
	delimiters   astm.Delimiters

	// Transport-level timeouts.
	connectTimeout time.Duration
	acceptTimeout  time.Duration
	closeTimeout   time.Duration
	sendTimeout    time.Duration

	// Queue sizes.
	senderQueueSize  int
	recvMsgQueueSize int

	logger logger.Logger
}

// NewConnectionConfig creates a new E1381 connection configuration.
//
// host is the remote (or bind) address. port is the TCP port.
// opts are functional options applied in order; see With* functions.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		isActive:         true,
		t1Timeout:        DefaultT1Timeout,
		t2Timeout:        DefaultT2Timeout,
		t3Timeout:        DefaultT3Timeout,
		enqRetryLimit:    DefaultEnqRetryLimit,
		frameRetryLimit:  DefaultFrameRetryLimit,
		retryDelay:       DefaultRetryDelay,
		maxPayload:       DefaultMaxPayload,
		transferMode:     ChunkedTransfer,
		delimiters:       astm.DefaultDelimiters(),
		connectTimeout:   DefaultConnectTimeout,
		acceptTimeout:    DefaultAcceptTimeout,
		closeTimeout:     DefaultCloseTimeout,
		sendTimeout:      DefaultSendTimeout,
		senderQueueSize:  DefaultSenderQueueSize,
		recvMsgQueueSize: DefaultRecvMsgQueueSize,
		logger:           logger.GetLogger(),
	}

	if err := cfg.setHost(host); err != nil {
		return nil, err
	}
	if err := cfg.setPort(port); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// NewSerialConnectionConfig creates a configuration for an E1381 connection
// over a serial device instead of TCP.
func NewSerialConnectionConfig(device string, baud int, opts ...ConnOption) (*ConnectionConfig, error) {
	if device == "" {
		return nil, errors.New("e1381: serial device must not be empty")
	}
	if baud <= 0 {
		return nil, fmt.Errorf("e1381: invalid baud rate %d", baud)
	}

	cfg, err := NewConnectionConfig("127.0.0.1", 0, opts...)
	if err != nil {
		return nil, err
	}

	cfg.serialDevice = device
	cfg.serialBaud = baud
	// a serial line has no dial/listen distinction
	cfg.isActive = true

	return cfg, nil
}

func (cfg *ConnectionConfig) setHost(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		cfg.host = host
		return nil
	}

	host = strings.TrimPrefix(host, ".")
	host = strings.TrimSuffix(host, ".")
	if _, err := net.LookupHost(host); err == nil {
		cfg.host = host
		return nil
	}

	return fmt.Errorf("e1381: invalid host %q", host)
}

func (cfg *ConnectionConfig) setPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("e1381: port %d out of range [0, 65535]", port)
	}
	cfg.port = port

	return nil
}

// --- Getters ---

// Host returns the configured host address.
func (cfg *ConnectionConfig) Host() string { return cfg.host }

// Port returns the configured TCP port.
func (cfg *ConnectionConfig) Port() int { return cfg.port }

// Addr returns "host:port".
func (cfg *ConnectionConfig) Addr() string { return fmt.Sprintf("%s:%d", cfg.host, cfg.port) }

// IsSerial returns true if the connection uses a serial device.
func (cfg *ConnectionConfig) IsSerial() bool { return cfg.serialDevice != "" }

// SerialDevice returns the serial device path, or "" for TCP connections.
func (cfg *ConnectionConfig) SerialDevice() string { return cfg.serialDevice }

// SerialBaud returns the serial baud rate.
func (cfg *ConnectionConfig) SerialBaud() int { return cfg.serialBaud }

// IsActive returns true if the connection is in active (dialing) mode.
func (cfg *ConnectionConfig) IsActive() bool { return cfg.isActive }

// IsPassive returns true if the connection is in passive (listening) mode.
func (cfg *ConnectionConfig) IsPassive() bool { return !cfg.isActive }

// T1Timeout returns the establishment timeout (wait for ENQ reply).
func (cfg *ConnectionConfig) T1Timeout() time.Duration { return cfg.t1Timeout }

// T2Timeout returns the frame acknowledgment timeout.
func (cfg *ConnectionConfig) T2Timeout() time.Duration { return cfg.t2Timeout }

// T3Timeout returns the receiver's next-frame timeout.
func (cfg *ConnectionConfig) T3Timeout() time.Duration { return cfg.t3Timeout }

// EnqRetryLimit returns the maximum number of ENQ attempts per message.
func (cfg *ConnectionConfig) EnqRetryLimit() int { return cfg.enqRetryLimit }

// FrameRetryLimit returns the maximum number of transmissions per frame.
func (cfg *ConnectionConfig) FrameRetryLimit() int { return cfg.frameRetryLimit }

// RetryDelay returns the linear backoff step between ENQ attempts.
func (cfg *ConnectionConfig) RetryDelay() time.Duration { return cfg.retryDelay }

// MaxPayload returns the frame payload size limit.
func (cfg *ConnectionConfig) MaxPayload() int { return cfg.maxPayload }

// TransferMode returns the frame packing mode.
func (cfg *ConnectionConfig) TransferMode() TransferMode { return cfg.transferMode }

// Delimiters returns the record delimiters announced in outgoing headers.
func (cfg *ConnectionConfig) Delimiters() astm.Delimiters { return cfg.delimiters }

// GetLogger returns the configured logger.
func (cfg *ConnectionConfig) GetLogger() logger.Logger { return cfg.logger }

// --- ConnOption ---

// ConnOption is a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc func(*ConnectionConfig) error

func (f connOptFunc) apply(cfg *ConnectionConfig) error { return f(cfg) }

// WithActive sets the connection to active mode (dials the remote side).
// This is the default.
func WithActive() ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.isActive = true
		return nil
	})
}

// WithPassive sets the connection to passive mode (listens for the remote side).
func WithPassive() ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		cfg.isActive = false
		return nil
	})
}

// WithT1Timeout sets the establishment timeout (wait for the reply to ENQ).
func WithT1Timeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinTimerValue || d > MaxTimerValue {
			return fmt.Errorf("e1381: T1 timeout %v out of range [%v, %v]", d, MinTimerValue, MaxTimerValue)
		}
		cfg.t1Timeout = d

		return nil
	})
}

// WithT2Timeout sets the frame acknowledgment timeout.
func WithT2Timeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinTimerValue || d > MaxTimerValue {
			return fmt.Errorf("e1381: T2 timeout %v out of range [%v, %v]", d, MinTimerValue, MaxTimerValue)
		}
		cfg.t2Timeout = d

		return nil
	})
}

// WithT3Timeout sets the receiver's next-frame timeout.
func WithT3Timeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinTimerValue || d > MaxTimerValue {
			return fmt.Errorf("e1381: T3 timeout %v out of range [%v, %v]", d, MinTimerValue, MaxTimerValue)
		}
		cfg.t3Timeout = d

		return nil
	})
}

// WithEnqRetryLimit sets the maximum number of ENQ attempts per message.
func WithEnqRetryLimit(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < 1 || n > MaxRetryLimit {
			return fmt.Errorf("e1381: ENQ retry limit %d out of range [1, %d]", n, MaxRetryLimit)
		}
		cfg.enqRetryLimit = n

		return nil
	})
}

// WithFrameRetryLimit sets the maximum number of transmissions per frame.
func WithFrameRetryLimit(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < 1 || n > MaxRetryLimit {
			return fmt.Errorf("e1381: frame retry limit %d out of range [1, %d]", n, MaxRetryLimit)
		}
		cfg.frameRetryLimit = n

		return nil
	})
}

// WithRetryDelay sets the linear backoff step between ENQ attempts.
func WithRetryDelay(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < 0 {
			return errors.New("e1381: retry delay must not be negative")
		}
		cfg.retryDelay = d

		return nil
	})
}

// WithMaxPayload sets the frame payload size limit.
func WithMaxPayload(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < MinMaxPayload || n > MaxMaxPayload {
			return fmt.Errorf("e1381: max payload %d out of range [%d, %d]", n, MinMaxPayload, MaxMaxPayload)
		}
		cfg.maxPayload = n

		return nil
	})
}

// WithTransferMode sets the frame packing mode.
func WithTransferMode(mode TransferMode) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if mode != ChunkedTransfer && mode != BulkTransfer {
			return fmt.Errorf("e1381: unknown transfer mode %d", mode)
		}
		cfg.transferMode = mode

		return nil
	})
}

// WithDelimiters sets the record delimiters used for encoding outgoing
// messages and as the fallback for incoming ones.
func WithDelimiters(d astm.Delimiters) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if err := d.Validate(); err != nil {
			return err
		}
		cfg.delimiters = d

		return nil
	})
}

// WithConnectTimeout sets the TCP dial timeout for active mode.
func WithConnectTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return errors.New("e1381: connect timeout must be positive")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithSendTimeout sets the write timeout for sending data.
func WithSendTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return errors.New("e1381: send timeout must be positive")
		}
		cfg.sendTimeout = d

		return nil
	})
}

// WithLogger sets the logger for the connection.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("e1381: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithSenderQueueSize sets the size of the outgoing message queue.
func WithSenderQueueSize(size int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if size < 1 {
			return errors.New("e1381: sender queue size must be >= 1")
		}
		cfg.senderQueueSize = size

		return nil
	})
}

// WithRecvMsgQueueSize sets the size of the incoming message queue.
func WithRecvMsgQueueSize(size int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if size < 1 {
			return errors.New("e1381: receive message queue size must be >= 1")
		}
		cfg.recvMsgQueueSize = size

		return nil
	})
}
