// Package queue carries pipeline events between stages with at-least-once
// delivery.
package queue

import "context"

// Handler processes a message. Returning an error requests redelivery.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes and consumes messages by subject.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain waits for in-flight messages, then closes the queue.
	Drain() error

	// Close shuts down the queue immediately.
	Close() error

	// IsConnected reports whether the queue can currently deliver.
	IsConnected() bool
}

// Pipeline subjects.
const (
	SubjectScanInitiated   = "scan.initiated"
	SubjectStage1Completed = "stage1.completed"
	SubjectStage2Completed = "stage2.completed"
	SubjectStage3Completed = "stage3.completed"
	SubjectStage4Completed = "stage4.completed"
)

// Subjects lists every subject the pipeline uses.
var Subjects = []string{
	SubjectScanInitiated,
	SubjectStage1Completed,
	SubjectStage2Completed,
	SubjectStage3Completed,
	SubjectStage4Completed,
}
