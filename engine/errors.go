package engine

import "errors"

// Sentinel errors returned by the public engine surface. The API layer maps
// them to response codes.
var (
	// ErrNotFound covers unknown instance, token, task and callback ids.
	ErrNotFound = errors.New("not found")

	// ErrBadState rejects operations against an entity in the wrong state,
	// like completing an already-completed task.
	ErrBadState = errors.New("bad state")

	// ErrNoSubscription is returned when a correlated message matches no
	// waiting subscription and no message start event.
	ErrNoSubscription = errors.New("no matching subscription")
)

// Engine error codes raised during execution and routed through error
// boundary events before failing the instance.
const (
	CodeHandlerConfig = "HANDLER_CONFIG"
	CodeHandlerFailed = "HANDLER_FAILED"
	CodeBadExpression = "BAD_EXPRESSION"
	CodeNoFlow        = "NO_OUTGOING_FLOW"
	CodeUnsupported   = "UNSUPPORTED_ELEMENT"
)
