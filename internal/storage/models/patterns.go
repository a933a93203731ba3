package models

import "time"

// PatternObservation is what the query path reports after each resolution.
type PatternObservation struct {
	Query        Query
	ResponseTime time.Duration
	At           time.Time
}

type QueryPattern struct {
	Key             string                `json:"key"`
	TenantID        string                `json:"tenantId"`
	QueryType       QueryType             `json:"queryType"`
	NormalizedText  string                `json:"normalizedText"`
	Fingerprint     string                `json:"fingerprint"`
	Sample          Query                 `json:"sample"`
	Frequency       int                   `json:"frequency"`
	LastUsed        time.Time             `json:"lastUsed"`
	AvgResponseTime time.Duration         `json:"avgResponseTime"`
	UserRoles       map[string]bool       `json:"userRoles"`
	TimeOfDay       map[int]bool          `json:"timeOfDay"`
	DayOfWeek       map[time.Weekday]bool `json:"dayOfWeek"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	// JobSkipped means the answer was already cached when the job ran.
	JobSkipped JobStatus = "skipped"
)

type PreCacheJob struct {
	ID           string     `json:"id"`
	Strategy     string     `json:"strategy"`
	Query        Query      `json:"query"`
	QueryType    QueryType  `json:"queryType"`
	Priority     int        `json:"priority"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	Status       JobStatus  `json:"status"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}
