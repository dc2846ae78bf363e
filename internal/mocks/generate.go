// Package mocks provides mock implementations for testing the scrapehub coordinator.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Create, GetByID, Delete, Stats
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/pricewatch/scrapehub/internal/core JobRepository

// Generate mock for QueueService interface from internal/core package.
// This creates MockQueueService with methods for all QueueService interface methods:
// GetQueue, CreateQueue, Enqueue, ListQueues
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=queue_service_mock.go github.com/pricewatch/scrapehub/internal/core QueueService
