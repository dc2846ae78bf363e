package model

// JobListOptions groups parameters for listing jobs with optional filters.
type JobListOptions struct {
	Status    *JobStatus // Optional filter by status (QUEUED, RUNNING, COMPLETED, FAILED)
	Domain    *string    // Optional filter by normalized tenant domain
	SortBy    string     // Sort field: "created_at", "updated_at", "status" (default: "created_at")
	SortOrder string     // Sort order: "asc", "desc" (default: "desc")
	Limit     int        // Pagination limit
	Offset    int        // Pagination offset
}

// JobList is one page of jobs plus the total number of rows matching the
// filters, so callers can paginate without a second round trip.
type JobList struct {
	Jobs  []*Job `json:"jobs"`
	Total int    `json:"total"`
}
