// Package rpcerrors defines part of the error taxonomy of spec §7: sentinel
// errors for the unrecoverable protocol conditions, and the RedactionPolicy
// levels that bound how much error detail reaches the client. The wire shape
// of user-level method errors (WireError) lives in package duplex.
package rpcerrors

import "errors"

// Sentinel errors for the unrecoverable conditions of spec §7. Recoverable
// protocol states (outdated session, missing security properties,
// initialization required) never escape as errors to a caller of DoCall —
// they drive the duplex retry loop internally and are not represented
// here.
var (
	// ErrProtocolViolation marks a fatal decoding or sequencing error.
	ErrProtocolViolation = errors.New("rpcerrors: protocol violation")
	// ErrTransport marks a fatal transport-level failure.
	ErrTransport = errors.New("rpcerrors: transport error")
	// ErrConnectionClosed is returned to callers whose call was pending
	// when the connection closed.
	ErrConnectionClosed = errors.New("rpcerrors: connection closed")
)

// RedactionPolicy controls how much detail a server-side error exposes to
// the client (spec §7 "Servers may redact").
type RedactionPolicy int

const (
	// RedactNone sends the full error including stack/cause.
	RedactNone RedactionPolicy = iota
	// RedactMessagesOnly keeps name and message but drops stack/cause/file
	// position.
	RedactMessagesOnly
	// RedactSubclassOnly keeps only the error's name.
	RedactSubclassOnly
	// RedactInternalServerError collapses every error to a generic
	// "internal server error" regardless of its actual content.
	RedactInternalServerError
)
