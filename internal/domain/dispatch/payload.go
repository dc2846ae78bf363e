package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pricewatch/scrapehub/internal/domain/model"
)

const (
	// PayloadVersion is bumped when the wire shape changes so workers can
	// reject payloads they do not understand.
	PayloadVersion = 1

	// SingleInvocation is the fixed invocation cardinality: one queue entry
	// produces exactly one worker invocation.
	SingleInvocation = 1

	// ExecutionTimeout is the fixed ceiling on a single worker run.
	ExecutionTimeout = time.Hour
)

// Payload is the JSON document placed on a domain queue. Field names are the
// wire contract with the scrape worker; the identity field names the
// execution identity the worker assumes and never carries credentials.
type Payload struct {
	Version     int       `json:"version"`
	JobID       string    `json:"jobId"`
	Domain      string    `json:"domain"`
	URLs        []string  `json:"urls"`
	Target      string    `json:"target"`
	Identity    string    `json:"identity"`
	Invocations int       `json:"invocations"`
	TimeoutSecs int64     `json:"timeoutSeconds"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// BuildPayloadParams holds the inputs for NewPayload.
type BuildPayloadParams struct {
	Job      *model.Job
	Target   string
	Identity string
	Now      time.Time
}

// NewPayload assembles the dispatch payload for a job.
func NewPayload(params BuildPayloadParams) Payload {
	return Payload{
		Version:     PayloadVersion,
		JobID:       params.Job.ID,
		Domain:      params.Job.Domain,
		URLs:        params.Job.URLs,
		Target:      params.Target,
		Identity:    params.Identity,
		Invocations: SingleInvocation,
		TimeoutSecs: int64(ExecutionTimeout / time.Second),
		EnqueuedAt:  params.Now.UTC(),
	}
}

// DecodePayload parses a payload read back off a queue.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode dispatch payload: %w", err)
	}
	if p.Version != PayloadVersion {
		return Payload{}, fmt.Errorf("unsupported payload version %d", p.Version)
	}
	if p.JobID == "" {
		return Payload{}, fmt.Errorf("dispatch payload missing job id")
	}
	return p, nil
}

// Encode serializes the payload for the queue.
func (p Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch payload: %w", err)
	}
	return data, nil
}
