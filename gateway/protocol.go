package gateway

import (
	"encoding/json"
	"fmt"
)

// Canonical error strings sent in failure envelopes.
const (
	ErrMalformedRequest   = "Malformed request"
	ErrInvalidAction      = "Invalid action"
	ErrTooManyRequests    = "Too many requests"
	ErrMissingParameters  = "Missing parameters"
	ErrFailed             = "Failed"
	ErrAuthFailed         = "Authentication failed"
	ErrFileTooLarge       = "File too large"
	ErrIncorrectSize      = "Incorrect size"
	ErrServerNotReady     = "Server not ready"
	ErrNoUploadSelected   = "No upload selected"
	ErrNoDownloadSelected = "No download selected"
	ErrFileDoesNotExist   = "File does not exist"
)

// Keep-alive literals exchanged outside the JSON envelope.
const (
	PingFrame = "ping"
	PongFrame = "pong"
)

// Request is one parsed inbound action request. The ID is the raw
// client-supplied correlation token, echoed verbatim in every response.
// Handlers decode their action-specific parameters from Raw.
type Request struct {
	ID     json.RawMessage
	Action string
	Raw    []byte
}

// Decode unmarshals the full request payload into an action-specific
// parameter struct.
func (r *Request) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("decode %q request: %w", r.Action, err)
	}
	return nil
}

// SuccessEnvelope builds a success response. Extra fields are merged into
// the envelope; the id is echoed when present.
func SuccessEnvelope(id json.RawMessage, extra map[string]any) ([]byte, error) {
	envelope := map[string]any{
		"type":   "response",
		"status": "success",
	}
	for key, value := range extra {
		envelope[key] = value
	}
	if len(id) > 0 {
		envelope["id"] = id
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal success envelope: %w", err)
	}
	return payload, nil
}

// FailureEnvelope builds a failure response carrying one of the canonical
// error strings. A nil id is omitted entirely.
func FailureEnvelope(id json.RawMessage, errorString string) ([]byte, error) {
	envelope := map[string]any{
		"type":   "response",
		"status": "failed",
		"error":  errorString,
	}
	if len(id) > 0 {
		envelope["id"] = id
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal failure envelope: %w", err)
	}
	return payload, nil
}
