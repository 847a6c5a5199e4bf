// Package queue defines the durable job queue port: a priority FIFO with
// in-flight tracking, acknowledgement, and negative-acknowledgement with
// bounded requeue. Jobs ask a worker to act on one workflow instance.
//
// Delivery is at-least-once. Handlers must be idempotent modulo the
// instance lock; the engine achieves this by re-loading the instance inside
// the lock and short-circuiting on terminal status.
package queue

import (
	"context"
	"time"
)

const (
	// DefaultPriority is used when a published job declares none. Lower
	// priorities are consumed first.
	DefaultPriority = 50
	// DefaultMaxAttempts caps queue-level redelivery before a job is
	// dead-lettered.
	DefaultMaxAttempts = 5
	// IdleSleep is the minimum consumer sleep when the queue is empty.
	IdleSleep = 100 * time.Millisecond
)

type (
	// Job is one unit of work for a worker: act on an instance. Persisted
	// as camelCase JSON with Type as its ordinal integer.
	Job struct {
		// MessageID uniquely identifies this enqueued message. Assigned by
		// Publish.
		MessageID string `json:"messageId"`
		// InstanceID names the workflow instance to act on.
		InstanceID string `json:"instanceId"`
		// ActivityID optionally scopes the job to one activity.
		ActivityID string `json:"activityId,omitempty"`
		// Type selects the worker action.
		Type JobType `json:"type"`
		// QueuedAt is set by Publish and tiebreaks equal priorities,
		// earliest first.
		QueuedAt time.Time `json:"queuedAt"`
		// Priority orders consumption; lower fires first.
		Priority int `json:"priority"`
		// Attempt counts queue deliveries of this job, starting at 1.
		Attempt int `json:"attempt"`
	}

	// JobType enumerates worker actions, persisted as its ordinal integer.
	JobType int

	// Handler processes one popped job. A non-nil error triggers the nack
	// path: requeue while the attempt budget lasts, dead-letter after.
	Handler func(ctx context.Context, job *Job) error

	// Queue is the durable priority queue port.
	Queue interface {
		// Publish assigns a fresh MessageID and QueuedAt and stores the job
		// so Pop returns jobs in (priority, queuedAt) order.
		Publish(ctx context.Context, job *Job) error

		// Pop atomically moves the lowest-scored pending job to the
		// in-flight set and returns it. Returns (nil, nil) when the queue
		// is empty. Pop is atomic with respect to concurrent consumers.
		Pop(ctx context.Context) (*Job, error)

		// Ack removes an in-flight job after successful handling.
		Ack(ctx context.Context, messageID string) error

		// Nack removes an in-flight job after failed handling. When requeue
		// is set the job is republished with the same priority and an
		// incremented attempt; otherwise it is dead-lettered.
		Nack(ctx context.Context, messageID string, requeue bool) error

		// Subscribe runs the consumer loop until ctx is cancelled: pop,
		// invoke handler, ack on success, nack on failure or panic. Sleeps
		// at least IdleSleep when the queue is empty.
		Subscribe(ctx context.Context, handler Handler) error
	}
)

const (
	// JobStart asks the engine to run a freshly created instance.
	JobStart JobType = iota
	// JobContinue asks the engine to keep advancing a running instance.
	JobContinue
	// JobResume asks the engine to advance a signalled instance.
	JobResume
	// JobRetry asks the engine to re-attempt the current activity.
	JobRetry
	// JobCancel asks the engine to cancel the instance.
	JobCancel
)

// String returns the job type name for logs.
func (t JobType) String() string {
	switch t {
	case JobStart:
		return "start"
	case JobContinue:
		return "continue"
	case JobResume:
		return "resume"
	case JobRetry:
		return "retry"
	case JobCancel:
		return "cancel"
	default:
		return "unknown"
	}
}
