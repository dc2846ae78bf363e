// This file is a documentation template and should not be compiled.
// It uses placeholder types (ExampleService, ExampleRepository, etc.) that don't exist.
// Use this as a reference when creating new services.
//
//go:build ignore

package service

// TEMPLATE.go - Service Layer Pattern Template
//
// This file demonstrates the standard pattern for all services in the service layer.
// Use this as a reference when adding a new service.
//
// KEY PRINCIPLES:
// 1. All services use Options struct pattern for dependency injection
// 2. Options structs stay small (≤4 fields; use nested config structs if more is needed)
// 3. All services have a constructor pair: NewXService(opts) (*XService, error)
//    and MustNewXService(opts) *XService for startup paths
// 4. Services depend on port interfaces from internal/core, not concrete implementations
// 5. Required dependencies are validated in the constructor (error, not panic)
// 6. Optional dependencies (logger, metrics) are checked for nil before use
// 7. All methods accept context.Context as first parameter
// 8. Errors are wrapped with context using fmt.Errorf("operation: %w", err);
//    domain failures carry typed codes from internal/errors
// 9. Business logic and orchestration belong in the service layer
// 10. Services never import from internal/data, internal/adapters, or internal/http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pricewatch/scrapehub/internal/core"
	"github.com/pricewatch/scrapehub/internal/domain/model"
	apperrors "github.com/pricewatch/scrapehub/internal/errors"
	"github.com/pricewatch/scrapehub/internal/observability/statsd"
)

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 1: Options Struct
// ═══════════════════════════════════════════════════════════════════════════

// ExampleServiceOptions groups dependencies for ExampleService.
//
// RULES:
// - Required dependencies should be port interfaces from internal/core
// - Optional dependencies (Logger, Metrics) should be clearly marked
// - If you need more than four fields, group related settings in a config
//   struct the way SweeperServiceOptions carries config.SweeperConfig
type ExampleServiceOptions struct {
	Repo    core.ExampleRepository // Required: primary record store
	Logger  *slog.Logger           // Optional: structured logger
	Metrics statsd.Sink            // Optional: metrics sink (StatsD-compatible)
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 2: Service Struct (private fields)
// ═══════════════════════════════════════════════════════════════════════════

// ExampleService provides business logic for example domain operations.
//
// RESPONSIBILITIES:
// - Operations with business logic and validation
// - Cross-dependency orchestration (repository + queue, compensation)
// - Outcome metrics and structured logging
//
// DOES NOT:
// - Import from internal/data (depends on interfaces only)
// - Import from internal/http (transport layer depends on service, not vice versa)
// - Import from internal/adapters (adapters are wired in by bootstrap, not here)
type ExampleService struct {
	repo    core.ExampleRepository
	logger  *slog.Logger
	metrics statsd.Sink
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 3: Constructor Pair with Validation
// ═══════════════════════════════════════════════════════════════════════════

// NewExampleService constructs a new ExampleService.
//
// RULES:
// - Validate required dependencies and return an error when one is missing
// - Optional dependencies can be nil (check before use)
// - Attach a component tag to the logger so log lines are attributable
// - Keep the constructor simple (no I/O, no goroutines)
func NewExampleService(opts ExampleServiceOptions) (*ExampleService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ExampleRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "example_service")
	}

	return &ExampleService{
		repo:    opts.Repo,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewExampleService constructs a new ExampleService and panics on error.
//
// Use this only in main.go and bootstrap code where a missing dependency
// means the process cannot start.
func MustNewExampleService(opts ExampleServiceOptions) *ExampleService {
	svc, err := NewExampleService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 4: Operations
// ═══════════════════════════════════════════════════════════════════════════

// Create admits a new example entity.
//
// RULES:
// - Accept context.Context as first parameter
// - Use request types from internal/domain/model
// - Run Validate (and Normalize, when the model has one) before any side effect
// - Wrap errors with context: fmt.Errorf("operation: %w", err)
// - Return domain types from internal/domain/model
func (s *ExampleService) Create(
	ctx context.Context,
	req model.CreateExampleRequest,
) (*model.Example, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	example, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create example: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "example created", "id", example.ID)
	}

	return example, nil
}

// GetByID retrieves an example entity by ID. Absence is not an error at this
// layer: a not_found failure from the repository maps to (nil, nil) so the
// transport layer owns the 404 shape.
func (s *ExampleService) GetByID(ctx context.Context, id string) (*model.Example, error) {
	example, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get example %s: %w", id, err)
	}
	return example, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 5: Multi-Step Operations with Compensation
// ═══════════════════════════════════════════════════════════════════════════

// Promote demonstrates orchestration across multiple dependencies. When a
// later step fails after an earlier one had a durable side effect, undo the
// earlier step with a detached context so a canceled request still cleans up.
// See CoordinatorService.CreateJob for the full version of this pattern.
func (s *ExampleService) Promote(ctx context.Context, id string) error {
	example, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get example %s: %w", id, err)
	}

	if err := s.repo.MarkPromoted(ctx, example.ID); err != nil {
		return fmt.Errorf("promote example %s: %w", example.ID, err)
	}

	// Later steps that can fail go here; on failure, compensate with
	// context.WithoutCancel plus a bounded timeout, log the outcome, and
	// return the original error to the caller.
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 6: Optional Dependency Use
// ═══════════════════════════════════════════════════════════════════════════

// Emit outcome metrics through the shared helpers in
// internal/observability/metrics where one exists for the concern; otherwise
// guard the sink directly. The statsd.Sink implementations are nil-receiver
// safe, but the interface value itself may be nil.

func (s *ExampleService) recordOutcome(result string) {
	if s.metrics != nil {
		s.metrics.Count("example.outcome", 1, map[string]string{"result": result})
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// NOTES FOR NEW SERVICES
// ═══════════════════════════════════════════════════════════════════════════
//
// When adding a service:
//
// 1. Define the port interface in internal/core and add a mockgen entry in
//    internal/mocks/generate.go
// 2. Create the service here with the Options pattern and constructor pair
// 3. Wire it in internal/bootstrap and, when it backs a CLI command, in
//    cmd/scrapehub-admin
// 4. Write unit tests against the generated mocks (see TEMPLATE_test.go)
//
// Common pitfalls:
// - Validating after a side effect instead of before
// - Returning raw repository errors without wrapping
// - Checking s.logger != nil in some paths but not others
// - Importing internal/data instead of depending on the core interface
