package e1381

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for an E1381 connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// FrameSendCount indicates the number of frames sent (ACK'd).
	FrameSendCount atomic.Uint64
	// FrameRecvCount indicates the number of frames received and accepted.
	FrameRecvCount atomic.Uint64
	// FrameRetryCount indicates the total number of frame retransmissions.
	FrameRetryCount atomic.Uint64
	// FrameNakCount indicates the number of received frames rejected with NAK.
	FrameNakCount atomic.Uint64

	// MsgSendCount indicates the number of messages delivered end to end.
	MsgSendCount atomic.Uint64
	// MsgRecvCount indicates the number of complete messages received.
	MsgRecvCount atomic.Uint64
	// MsgErrCount indicates the number of failed or aborted transactions.
	MsgErrCount atomic.Uint64

	// ContentionCount indicates the number of line contention events.
	ContentionCount atomic.Uint64

	// ConnRetryGauge indicates the number of connection retries (active mode).
	ConnRetryGauge atomic.Uint32
}

func (m *ConnectionMetrics) incFrameRecvCount() {
	m.FrameRecvCount.Add(1)
}

func (m *ConnectionMetrics) incFrameRetryCount() {
	m.FrameRetryCount.Add(1)
}

func (m *ConnectionMetrics) incFrameNakCount() {
	m.FrameNakCount.Add(1)
}

func (m *ConnectionMetrics) incMsgSendCount() {
	m.MsgSendCount.Add(1)
}

func (m *ConnectionMetrics) incMsgRecvCount() {
	m.MsgRecvCount.Add(1)
}

func (m *ConnectionMetrics) incMsgErrCount() {
	m.MsgErrCount.Add(1)
}

func (m *ConnectionMetrics) incContentionCount() {
	m.ContentionCount.Add(1)
}

func (m *ConnectionMetrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *ConnectionMetrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}
