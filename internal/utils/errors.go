package utils

import "fmt"

// Error codes for the routing core's failure kinds (spec §7).
const (
	ErrCodeMalformedPacket = "MALFORMED_PACKET"
	ErrCodeStaleReply      = "STALE_REPLY"
	ErrCodeNoCandidates    = "NO_CANDIDATES"
	ErrCodePeerTimeout     = "PEER_TIMEOUT"
	ErrCodeStoreFull       = "STORE_FULL"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
)

// RoutingError is a production-grade error type with structured context.
type RoutingError struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RoutingError) Unwrap() error { return e.Cause }

func (e *RoutingError) WithContext(key string, value interface{}) *RoutingError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewRoutingError(code, message string) *RoutingError {
	return &RoutingError{Code: code, Message: message, Context: make(map[string]interface{})}
}

func WrapRoutingError(code, message string, cause error) *RoutingError {
	return &RoutingError{Code: code, Message: message, Cause: cause, Context: make(map[string]interface{})}
}

// ErrMalformed reports a packet that failed a structural check (wrong-length
// id, odd nodes-blob length, ...).
func ErrMalformed(reason string) *RoutingError {
	return NewRoutingError(ErrCodeMalformedPacket, "malformed packet").WithContext("reason", reason)
}

// ErrStale reports an incoming reply whose tid does not resolve to any
// in-flight search.
func ErrStale(tid string) *RoutingError {
	return NewRoutingError(ErrCodeStaleReply, "stale or forged reply").WithContext("tid", tid)
}

// ErrNoCandidates reports a begin_search call that found no seed peers.
func ErrNoCandidates(target string) *RoutingError {
	return NewRoutingError(ErrCodeNoCandidates, "no candidates to seed search").WithContext("target", target)
}

// ErrCircuitOpen reports a peer whose circuit breaker has tripped after
// maxTimeouts consecutive timeouts.
func ErrCircuitOpen(peerID string) *RoutingError {
	return NewRoutingError(ErrCodeCircuitOpen, "peer circuit open").WithContext("peer_id", peerID)
}
