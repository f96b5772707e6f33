package topology

import "errors"

// Error taxonomy exposed on operation completion (spec.md §7).
var (
	ErrOperationTimeout                   = errors.New("topology: operation timeout")
	ErrOperationCanceled                  = errors.New("topology: operation canceled")
	ErrOperationInProgress                = errors.New("topology: operation already in progress for this scope")
	ErrDeviceChangeStateInvalidTransition = errors.New("topology: device refused transition")
	ErrDeviceChangeStateFailed            = errors.New("topology: non-expendable device failed during change state")
	ErrDeviceGetPropertiesFailed          = errors.New("topology: device failed to report properties")
	ErrDeviceSetPropertiesFailed          = errors.New("topology: device failed to set properties")
	ErrConnectionRefused                  = errors.New("topology: subscription did not reach enough publishers in time")
	ErrUnknownTransition                  = errors.New("topology: unrecognized transition")
)
