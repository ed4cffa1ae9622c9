package client

import "fmt"

// PermissionError means the OS refused access to an audio device. Surfaced
// from Connect; the user has to grant access, retrying won't help.
type PermissionError struct {
	Device string // "capture" or "playback"
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("client: %s device access denied: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// HardwareError means an audio device could not be acquired or was lost
// mid-session.
type HardwareError struct {
	Device string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("client: %s device failure: %v", e.Device, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// TransportError means the provider session could not be established or was
// dropped. Err is nil for a clean remote closure reported asynchronously.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "client: session closed by provider"
	}
	return fmt.Sprintf("client: transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError means an inbound audio chunk could not be decoded. Non-fatal:
// the chunk is dropped and playback continues.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("client: audio decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
