package monitor

import (
	"sync"
	"time"
)

// Health thresholds for a recurring job.
const (
	MaxConsecutiveErrors = 3
)

// JobMonitor tracks the health of a recurring background job such as site
// model persistence.
type JobMonitor struct {
	// Name labels the job in status output
	Name string

	// MaxAge is how long the job may go without a success before it is
	// reported unhealthy
	MaxAge time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastDetail        string
}

// NewJobMonitor creates a monitor for a job that should succeed at least
// once every maxAge.
func NewJobMonitor(name string, maxAge time.Duration) *JobMonitor {
	return &JobMonitor{Name: name, MaxAge: maxAge}
}

// RecordSuccess records a successful run. detail is shown in the status.
func (m *JobMonitor) RecordSuccess(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
	m.lastDetail = detail
}

// RecordFailure records a failed run.
func (m *JobMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// ConsecutiveErrors returns the number of failures since the last success.
func (m *JobMonitor) ConsecutiveErrors() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveErrors
}

// IsHealthy reports whether the job is working.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within MaxAge
//   - More than MaxConsecutiveErrors consecutive failures
func (m *JobMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *JobMonitor) healthyLocked() bool {
	if m.lastSuccess.IsZero() {
		return false
	}
	if m.MaxAge > 0 && time.Since(m.lastSuccess) > m.MaxAge {
		return false
	}
	return m.consecutiveErrors <= MaxConsecutiveErrors
}

// JobStatus is the health check view of a job.
type JobStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDetail        string `json:"last_detail,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current job status for health checks.
func (m *JobMonitor) Status() JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := JobStatus{
		Name:       m.Name,
		Healthy:    m.healthyLocked(),
		LastDetail: m.lastDetail,
	}
	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(m.lastSuccess).Round(time.Second).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}
	return status
}
