// Package model defines the core data types and structures used throughout the scrapehub coordinator.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"

	apperrors "github.com/pricewatch/scrapehub/internal/errors"
)

// JobStatus represents the current status of a scrape job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusQueued indicates a job has been admitted and dispatched but not yet picked up.
	JobStatusQueued JobStatus = "QUEUED"
	// JobStatusRunning indicates a worker has picked up the job and is scraping.
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusCompleted indicates the worker finished the job successfully.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed indicates the worker gave up on the job.
	JobStatusFailed JobStatus = "FAILED"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus to allow env and query parsing.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := strings.ToUpper(strings.TrimSpace(string(text)))
	js := JobStatus(v)
	if js.Valid() {
		*s = js
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", v)
}

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal returns true if the status is an end state that no worker will move again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents an admitted scrape job. The id, domain and urls are immutable
// after creation; only status and updated_at move, and those transitions are
// owned by the scrape worker once the job has been dispatched.
type Job struct {
	ID            string    `json:"id"                       db:"id"`
	Domain        string    `json:"domain"                   db:"domain"`
	URLs          []string  `json:"urls"                     db:"urls"`
	Status        JobStatus `json:"status"                   db:"status"`
	FailureReason *string   `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time `json:"created_at"               db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"               db:"updated_at"`
}

// CreateJobRequest represents a request to admit a new scrape job.
type CreateJobRequest struct {
	Domain string   `json:"domain"`
	URLs   []string `json:"urls"`
}

// Validate validates the CreateJobRequest fields. Validation happens strictly
// before any persistence or dispatch side effect.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Domain) == "" {
		return apperrors.ValidationField("domain", "domain is required")
	}
	if len(r.URLs) == 0 {
		return apperrors.ValidationField("urls", "at least one url is required")
	}
	for i, raw := range r.URLs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return apperrors.ValidationField("urls", fmt.Sprintf("urls[%d] must be an absolute URL", i))
		}
	}
	return nil
}

// Normalize canonicalizes the domain so equal tenants map to equal queues:
// lowercased and IDNA-mapped to its ASCII form. Plain ASCII hostnames pass
// through unchanged. A domain the IDNA lookup profile rejects is a
// validation failure.
func (r *CreateJobRequest) Normalize() error {
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(strings.TrimSpace(r.Domain)))
	if err != nil {
		return apperrors.ValidationField("domain", fmt.Sprintf("domain is not a valid hostname: %v", err))
	}
	r.Domain = ascii
	return nil
}

// JobStats represents counts of jobs per status.
type JobStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
