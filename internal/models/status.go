package models

// DeliveryStatus is the closed set of states a delivery attempt moves through.
// Each attempt row starts as pending and is resolved exactly once; delivered
// and failed are terminal and are never overwritten.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusFailed    DeliveryStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusRetrying, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s will never change again.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// CanTransitionTo enforces the monotonic state machine:
// pending -> delivered | retrying | failed, retrying -> delivered | failed.
// Terminal states accept no further transitions.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	if !next.Valid() || next == StatusPending {
		return false
	}
	switch s {
	case StatusPending:
		return true
	case StatusRetrying:
		return next.IsTerminal()
	default:
		return false
	}
}
