// Package e1381 implements the ASTM E1381 low-level transfer protocol: the
// frame codec, the message splitter/assembler, and the half-duplex
// ENQ/ACK/NAK/EOT session state machine that moves ASTM E1394 records
// between a laboratory instrument and a host over TCP or a serial line.
//
// A Connection owns one point-to-point link and runs a single protocol loop
// goroutine that alternates between sending queued outgoing messages (as the
// transaction initiator) and answering inbound ENQ requests (as the
// receiver). Exactly one transaction is active on a connection at a time;
// timeouts and retry budgets guarantee every transaction resolves back to
// the idle state.
//
// The Client and Server types bind a Connection to application behavior:
// Client submits messages and reports staged success/failure, Server
// dispatches received records to handlers by record type.
package e1381
