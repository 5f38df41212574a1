// Package store implements the typed persistence contracts over PostgreSQL.
//
// Every operation takes the tenant ID explicitly — the tenant namespace is a
// parameter, never ambient state. All mutual exclusion uses conditional
// updates on sentinel columns (processing_started_at, expires_at); no
// advisory locks.
package store

import (
	"database/sql"
	"errors"
)

// Sentinel errors shared by the stores.
var (
	// ErrNotFound indicates the requested row does not exist for the tenant.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed indicates another instance holds the claim.
	ErrAlreadyClaimed = errors.New("already claimed")
)

// Stores bundles all per-entity stores over one connection pool.
type Stores struct {
	Tenants       *TenantStore
	Contacts      *ContactStore
	Sessions      *SessionStore
	Messages      *MessageStore
	Buffer        *BufferStore
	Escalations   *EscalationStore
	Followups     *FollowupStore
	StateMachines *StateMachineStore
	Knowledge     *KnowledgeStore
	Examples      *ExampleStore
	Deposits      *DepositStore
	WorkerLocks   *WorkerLockStore
}

// New builds the store bundle on top of db.
func New(db *sql.DB) *Stores {
	return &Stores{
		Tenants:       &TenantStore{db: db},
		Contacts:      &ContactStore{db: db},
		Sessions:      &SessionStore{db: db},
		Messages:      &MessageStore{db: db},
		Buffer:        &BufferStore{db: db},
		Escalations:   &EscalationStore{db: db},
		Followups:     &FollowupStore{db: db},
		StateMachines: &StateMachineStore{db: db},
		Knowledge:     &KnowledgeStore{db: db},
		Examples:      &ExampleStore{db: db},
		Deposits:      &DepositStore{db: db},
		WorkerLocks:   &WorkerLockStore{db: db},
	}
}
