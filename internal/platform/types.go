package platform

import "fieldtrack/telemetry-agent/internal/models"

// LocationProvider is the host-supplied device location capability.
// Implementations push samples through the callback registered with
// StartUpdates; RequestSample asks for one immediate fix, which also
// arrives through the callback.
type LocationProvider interface {
	// StartUpdates subscribes to the position stream. The callback may
	// be invoked from arbitrary goroutines.
	StartUpdates(callback func(models.LocationSample)) error

	// StopUpdates unsubscribes from the position stream.
	StopUpdates() error

	// RequestSample asks the provider for an immediate one-shot fix.
	RequestSample() error
}

// BudgetLease is one granted background-execution allowance. Release
// must be called exactly once; implementations tolerate extra calls.
type BudgetLease interface {
	Release()
}

// BudgetProvider is the host-supplied background-execution capability.
// The engine never assumes any particular OS background model; it only
// acquires a bounded allowance and releases it in a scoped manner.
type BudgetProvider interface {
	RequestBackgroundTime() (BudgetLease, error)
}
