package stt

import (
	"errors"
	"time"
)

var (
	// ErrSessionClosed is returned when audio is sent to a stopped or closed session.
	ErrSessionClosed = errors.New("stt: session is closed")

	// ErrBackpressure is returned by SendAudio when the outbound queue is full.
	ErrBackpressure = errors.New("stt: outbound queue full")
)

// EventKind distinguishes the inbound recognition messages.
type EventKind int

const (
	// EventAck confirms the server accepted the announced format.
	EventAck EventKind = iota + 1

	// EventPartial carries an interim hypothesis. Partials are for display
	// only and never trigger actions.
	EventPartial

	// EventFinal carries a committed utterance.
	EventFinal
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Event is one inbound recognition message.
type Event struct {
	Kind EventKind

	// Text is the hypothesis for partial and final events.
	Text string

	// SampleRate is echoed by the server in ack events.
	SampleRate int

	// ReceivedAt is the local arrival time.
	ReceivedAt time.Time
}
