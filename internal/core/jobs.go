// Package core provides the service-layer contracts for the scrapehub coordinator.
package core

import (
	"github.com/pricewatch/scrapehub/internal/domain/model"
)

// Job represents an admitted scrape job (re-exported from the model package).
// This is re-exported here for use in HTTP handlers to avoid direct coupling to the model package.
type Job = model.Job

// CreateJobRequest represents a request to admit a new scrape job (re-exported from the model package).
// This is re-exported here for use in HTTP handlers to avoid direct coupling to the model package.
type CreateJobRequest = model.CreateJobRequest
