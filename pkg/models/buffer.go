package models

import "time"

// BufferMaxRetries is the retry budget for a buffered session. Once a
// session's rows reach this count they are dead-lettered: left in place,
// skipped by scans, surfaced to operators.
const BufferMaxRetries = 3

// BufferedMessage is one inbound message held in the debounce buffer.
// At most one claim per SessionKeyHash is held at a time, enforced by a
// conditional update on a null ProcessingStartedAt.
type BufferedMessage struct {
	ID                  string            `json:"id"`
	SessionKeyHash      string            `json:"sessionKeyHash"`
	Key                 SessionKey        `json:"key"`
	Message             NormalizedMessage `json:"message"`
	ReceivedAt          time.Time         `json:"receivedAt"`
	ScheduledProcessAt  time.Time         `json:"scheduledProcessAt"`
	ProcessingStartedAt *time.Time        `json:"processingStartedAt,omitempty"`
	RetryCount          int               `json:"retryCount"`
	LastError           string            `json:"lastError,omitempty"`
}
