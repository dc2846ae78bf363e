package metrics

import (
	"strconv"
	"time"

	obserrors "github.com/pricewatch/scrapehub/internal/observability/errors"
	"github.com/pricewatch/scrapehub/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// AdmissionMetric captures the outcome of one job admission attempt.
type AdmissionMetric struct {
	// Outcome is the admission result: accepted, validation, persistence, dispatch.
	Outcome  string
	Duration time.Duration
	Err      error
}

// EmitAdmission emits standardised admission metrics.
func EmitAdmission(sink statsd.Sink, in AdmissionMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"outcome": in.Outcome,
	}

	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("admission.request", 1, tags)

	if in.Duration > 0 {
		sink.Timing("admission.duration", in.Duration, CloneTags(tags))
	}
}

// DeliveryMetric captures the outcome of one relay delivery attempt.
type DeliveryMetric struct {
	// Result is one of the Result constants.
	Result string
	// Attempt is the delivery attempt number for the queue entry.
	Attempt  int64
	Duration time.Duration
	Err      error
}

// EmitDelivery emits standardised relay delivery metrics.
func EmitDelivery(sink statsd.Sink, in DeliveryMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"result":     in.Result,
		"redelivery": strconv.FormatBool(in.Attempt > 1),
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("relay.delivery", 1, tags)

	if in.Duration > 0 {
		sink.Timing("relay.delivery_duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map so emitters can reuse a base
// tag set without sharing it.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
