package tokenGuard

import "errors"

var (
	// ErrInternal wraps every collaborator failure. Results are empty and the
	// caller retries the whole operation.
	ErrInternal = errors.New("tokenguard: internal error")
	// ErrEngineNotReady is returned by methods on a nil or closed engine.
	ErrEngineNotReady = errors.New("tokenguard: engine not initialized")
	// ErrSessionNotFound is returned by administrative revocation of an
	// unknown session.
	ErrSessionNotFound = errors.New("tokenguard: session not found")
	// ErrDeviceNotFound is returned by BlockDevice for an unknown device.
	ErrDeviceNotFound = errors.New("tokenguard: device not found")
	// ErrSetupFlowNotFound is returned by InspectSetupFlow.
	ErrSetupFlowNotFound = errors.New("tokenguard: setup flow not found")
)
