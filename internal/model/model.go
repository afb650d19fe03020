// Package model defines the shared record types for the sync core.
package model

import (
	"encoding/json"
	"time"
)

// Action is a mutation kind carried by an Operation or BroadcastMessage.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"

	// MsgInvalidateCache is broadcast-only: it carries no payload and asks
	// receivers to drop their cached copy of an entity.
	MsgInvalidateCache Action = "INVALIDATE_CACHE"
)

// DefaultMaxAttempts is the retry budget for a freshly enqueued Operation.
const DefaultMaxAttempts = 3

// Operation is a single pending local mutation awaiting remote sync.
// It lives in the "operations" collection from enqueue until exactly one
// terminal outcome: marked synced, or dead-lettered after exhausting retries.
type Operation struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Seq            int64           `json:"seq"`
	EntityType     string          `json:"entity_type"`
	Action         Action          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	Synced         bool            `json:"synced"`
}

// BackupSnapshot is a complete point-in-time capture of local state.
// Replaying EntityCollections plus re-enqueuing PendingOperations
// reconstructs an equivalent terminal.
type BackupSnapshot struct {
	ID                string                     `json:"id"`
	TerminalID        string                     `json:"terminal_id"`
	UserID            string                     `json:"user_id"`
	CreatedAt         time.Time                  `json:"created_at"`
	EntityCollections map[string]json.RawMessage `json:"entity_collections"`
	PendingOperations []Operation                `json:"pending_operations"`
	TotalEntries      int                        `json:"total_entries"`
}

// TerminalIdentity is minted once per install and never mutated.
type TerminalIdentity struct {
	TerminalID  string    `json:"terminal_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// BroadcastMessage is the relay wire format. Timestamp is Unix milliseconds.
type BroadcastMessage struct {
	Type       Action          `json:"type"`
	Entity     string          `json:"entity"`
	EntityID   string          `json:"entityId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	TerminalID string          `json:"terminalId"`
	UserID     string          `json:"userId"`
}

// ConflictStrategy selects how a remote mutation reconciles with local state.
type ConflictStrategy string

const (
	LastWriteWins ConflictStrategy = "LAST_WRITE_WINS"
	Merge         ConflictStrategy = "MERGE"
	Manual        ConflictStrategy = "MANUAL"
)

// MergeFunc combines a local and remote version of an entity.
type MergeFunc func(local, remote json.RawMessage) (json.RawMessage, error)

// ConflictPolicy is the per-entity-type reconciliation rule.
type ConflictPolicy struct {
	Strategy ConflictStrategy
	Merge    MergeFunc // required when Strategy == Merge
}
