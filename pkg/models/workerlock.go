package models

import "time"

// WorkerLock is the singleton row that gates a named worker to one running
// instance. Any instance may reclaim the lock once ExpiresAt has passed.
type WorkerLock struct {
	ID        string    `json:"id"` // worker name
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
