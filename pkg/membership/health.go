package membership

// HealthReporter is an optional interface that a Membership implementation
// may provide to report a health score. Higher scores indicate degraded
// health according to the underlying implementation.
type HealthReporter interface {
	// HealthScore returns -1 when the implementation is not started.
	HealthScore() int
}
