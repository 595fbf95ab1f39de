package core

import (
	"errors"
	"fmt"
	"time"
)

// AuthError covers missing authentication, rejected token exchanges and a
// lost PKCE verifier. Callers treat it as "must re-authenticate".
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConfigError signals unusable static configuration, detected before any
// network call is attempted.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// DeviceError covers a missing device handle and transfer retry exhaustion.
type DeviceError struct {
	Reason string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device: %s: %v", e.Reason, e.Err)
	}
	return "device: " + e.Reason
}

func (e *DeviceError) Unwrap() error { return e.Err }

// TimeoutError reports a bounded wait that expired, such as the playback SDK
// readiness deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s did not complete within %s", e.Op, e.After)
}

// NetworkError is a non-2xx response from the playback service. Friendly
// maps the status to a user-facing message; this is a presentation contract
// only and never changes retry behavior.
type NetworkError struct {
	Status int
	Body   string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("spotify api: status %d: %s", e.Status, e.Body)
}

func (e *NetworkError) Friendly() string {
	switch e.Status {
	case 401:
		return "Session expired. Log in again."
	case 403:
		return "Insufficient permissions or non-Premium account."
	case 404:
		return "Player unavailable. Open Spotify once or retry the playback transfer."
	default:
		return fmt.Sprintf("Spotify error (%d): %s", e.Status, e.Body)
	}
}

// InputError is an unparseable or unsupported scan payload. Unsupported
// marks a recognized short-link domain whose resolution would need a
// redirect follow, which is out of scope.
type InputError struct {
	Payload     string
	Unsupported bool
}

func (e *InputError) Error() string {
	if e.Unsupported {
		return "input: short-link payloads are not supported"
	}
	return "input: no track identifier in payload"
}

// UserMessage extracts the friendliest message an error can offer.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	type friendly interface{ Friendly() string }
	var f friendly
	if errors.As(err, &f) {
		return f.Friendly()
	}
	return err.Error()
}
