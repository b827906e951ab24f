// Package health tracks the health of the bridge's moving parts: the upstream
// stream, each sink and the pipeline itself.
package health

import (
	"regexp"
	"strings"
	"time"
)

const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|redis)://[^\s"]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]{2,}`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|bearer|credential)[^a-zA-Z]*[:= ][^,\s}]+`)
)

// Status is the health of one component, optionally with the statuses it was aggregated from.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are activity counters reported alongside a status.
type Metrics struct {
	Uptime           time.Duration `json:"uptime"`
	ErrorCount       int           `json:"error_count"`
	BatchesPublished int64         `json:"batches_published,omitempty"`
	LastActivity     time.Time     `json:"last_activity,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == StateHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithMetrics returns a copy of the status with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// FromError builds a status from the outcome of an operation. A nil error is
// healthy; a transient one degraded; anything else unhealthy. Messages are
// scrubbed of URLs, paths, addresses and credentials before they are exposed.
func FromError(component string, err error, transient bool) Status {
	switch {
	case err == nil:
		return NewHealthy(component, "ok")
	case transient:
		return NewDegraded(component, Sanitize(err.Error()))
	default:
		return NewUnhealthy(component, Sanitize(err.Error()))
	}
}

// Sanitize removes endpoint and credential details from an error message.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = unixPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	lower := strings.ToLower(msg)
	for _, word := range []string{"password", "token", "secret", "bearer", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}
