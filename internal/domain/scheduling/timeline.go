package scheduling

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// RealTimeProvider returns the wall-clock TimeProvider.
func RealTimeProvider() TimeProvider { return realTimeProvider{} }
