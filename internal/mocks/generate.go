// Package mocks provides gomock doubles for the outbound ports of the
// fulfillment pipeline.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	pub := mocks.NewMockPublisher(ctrl)
//	pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(result, nil)
package mocks

// Publisher: Publish.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=publisher_mock.go github.com/target/placement-fulfillment/internal/core Publisher

// Prober: Probe.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=prober_mock.go github.com/target/placement-fulfillment/internal/core Prober

// Mailer: Send.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=mailer_mock.go github.com/target/placement-fulfillment/internal/core Mailer

// UserDirectory: Email.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=user_directory_mock.go github.com/target/placement-fulfillment/internal/core UserDirectory
