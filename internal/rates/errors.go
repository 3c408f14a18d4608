package rates

import "errors"

var (
	// ErrCatalogUnavailable wraps transport or storage failures reading rates.
	ErrCatalogUnavailable = errors.New("rate catalog unavailable")
	// ErrNoApplicableRate is only returned when the estimated floor is disabled.
	ErrNoApplicableRate = errors.New("no applicable rate")
	// ErrRecalculationFailed marks a billing month whose recalculation failed.
	ErrRecalculationFailed = errors.New("recalculation failed")
	// ErrDuplicateEventSuppressed reports an already processed transition.
	// It is an outcome, not a failure.
	ErrDuplicateEventSuppressed = errors.New("duplicate rate update event suppressed")
	// ErrNotificationDeliveryFailed wraps channel delivery errors.
	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")

	// ErrInvalidInput marks caller mistakes in a publish or consumption write.
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidTiers = errors.New("invalid tier structure")
	ErrInvalidMonth = errors.New("invalid billing month")
)
