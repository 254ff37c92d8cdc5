package core

import "time"

// Mail queue keys and default visibility timeout.
const (
	PendingQueueKey    = "mail:pending"
	ProcessingQueueKey = "mail:processing"
	// DefaultVisibilityTimeout is how long a worker holds a job before it
	// becomes eligible for requeue.
	DefaultVisibilityTimeout = 30 * time.Second
	// MaxMailAttempts bounds delivery attempts per job.
	MaxMailAttempts = 3
)
