package domain

import "time"

type Severity string

const (
	SEVERITY_INFO     Severity = "info"
	SEVERITY_WARNING  Severity = "warning"
	SEVERITY_CRITICAL Severity = "critical"
)

type Alert struct {
	SiteId    string    `json:"site_id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
