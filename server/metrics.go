package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can send metrics to monitoring systems like Prometheus,
// StatsD, DataDog, etc.
//
// Methods are called from session goroutines and should be non-blocking.
// They may be called concurrently.
type MetricsCollector interface {
	// RecordCommand records one processed control line.
	// cmd is the verb (e.g., "USER", "RETR"), or "UNKNOWN" for lines that
	// were not recognized. success reflects the final reply: a RETR that
	// got 150 and then 425 is a failure, and is recorded after its transfer.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a RETR data transfer.
	// bytes is the number of bytes sent; success is false for 425 outcomes.
	RecordTransfer(bytes int64, success bool, duration time.Duration)

	// RecordConnection records metrics for connection attempts.
	// reason is "accepted", "global_limit_reached" or "per_ip_limit_reached".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a PASS attempt made while a password
	// was expected.
	RecordAuthentication(success bool, user string)
}

// Direction tells a TrafficHook which way a control line travelled.
type Direction int

const (
	// Inbound lines were sent by the client.
	Inbound Direction = iota
	// Outbound lines are replies from the server.
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// TrafficHook observes the control channel of every session. line has no
// trailing CRLF. Hooks run on the session goroutine and must not block.
type TrafficHook func(sessionID string, dir Direction, line string)
