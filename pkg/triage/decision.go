package triage

import (
	"time"

	"davstream/pkg/nntp"
)

// Status is the final verdict for one candidate.
type Status string

const (
	StatusVerified     Status = "verified"
	StatusUnverified   Status = "unverified"
	StatusUnverified7z Status = "unverified_7z"
	StatusBlocked      Status = "blocked"
	StatusFetchError   Status = "fetch-error"
	StatusError        Status = "error"
	StatusPending      Status = "pending"
	StatusSkipped      Status = "skipped"
)

// Final reports whether the status will not change on a later run.
// Plain unverified is inconclusive; a later run may still settle it.
func (s Status) Final() bool {
	switch s {
	case StatusVerified, StatusBlocked, StatusUnverified7z:
		return true
	}
	return false
}

// Tag renders the status for stream titles.
func (s Status) Tag() string {
	switch s {
	case StatusVerified:
		return "✅"
	case StatusBlocked:
		return "\U0001F6AB"
	case StatusUnverified, StatusUnverified7z:
		return "⚠️"
	case StatusPending, StatusFetchError, StatusError:
		return "⏱️"
	}
	return ""
}

// Decision is the full outcome for one candidate release.
type Decision struct {
	Status   Status
	Blockers []string
	Findings []string // positive streamability evidence
	Warnings []string

	// NZBBody is the raw document captured during analysis; set only for
	// verified candidates so the orchestrator can cache it.
	NZBBody []byte
	Title   string
	When    time.Time
}

// Summary aggregates one runner invocation.
type Summary struct {
	Counts    map[Status]int
	ElapsedMS int64
	TimedOut  bool
	Pool      nntp.Stats
}
