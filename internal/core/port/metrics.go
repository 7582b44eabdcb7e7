package port

// AuthMetrics receives counters from the credential flows.
type AuthMetrics interface {
	LoginAttempt(result string)
	SecurityEvent(kind string)
	RateLimited(scope string)
	TokenRotation(result string)
}
