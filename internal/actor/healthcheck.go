package actor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of an actor
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
)

// recentErrorWindow is how long an error keeps an actor degraded.
const recentErrorWindow = 5 * time.Minute

// HealthReport is a point-in-time view of one actor.
type HealthReport struct {
	ActorID      string       `json:"actor_id"`
	Status       HealthStatus `json:"status"`
	Message      string       `json:"message"`
	MailboxDepth int          `json:"mailbox_depth"`
	MailboxUsage float64      `json:"mailbox_usage"` // percentage
	Uptime       string       `json:"uptime"`
	LastActivity time.Time    `json:"last_activity"`
	ErrorCount   int64        `json:"error_count"`
	LastErrorMsg string       `json:"last_error_msg,omitempty"`
}

// Health tracks activity and errors of an actor's message loop.
type Health struct {
	id           string
	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time
	errorCount   int64
	lastError    time.Time
	lastErrorMsg string
}

func newHealth(id string) *Health {
	now := time.Now()
	return &Health{id: id, startTime: now, lastActivity: now}
}

func (h *Health) recordActivity() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *Health) recordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastError = time.Now()
	h.lastErrorMsg = err.Error()
}

// Report builds a HealthReport given the current mailbox fill.
func (h *Health) Report(depth, capacity int) HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var usage float64
	if capacity > 0 {
		usage = float64(depth) / float64(capacity) * 100
	}

	var issues []string
	if usage > 90 {
		issues = append(issues, fmt.Sprintf("high mailbox usage (%.1f%%)", usage))
	}
	if h.errorCount > 0 && time.Since(h.lastError) < recentErrorWindow {
		issues = append(issues, fmt.Sprintf("recent errors (%d total)", h.errorCount))
	}

	report := HealthReport{
		ActorID:      h.id,
		Status:       HealthStatusHealthy,
		Message:      "operating normally",
		MailboxDepth: depth,
		MailboxUsage: usage,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		LastActivity: h.lastActivity,
		ErrorCount:   h.errorCount,
		LastErrorMsg: h.lastErrorMsg,
	}
	if len(issues) > 0 {
		report.Status = HealthStatusDegraded
		report.Message = strings.Join(issues, "; ")
	}
	return report
}
