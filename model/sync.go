/*
Copyright 2024 FleetSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"encoding/json"
	"time"
)

// Operation statuses. Succeeded and abandoned are terminal: an operation
// never transitions out of either.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
	StatusAbandoned  = "ABANDONED"
)

// Operation kinds.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Alert types.
const (
	AlertCritical = "critical"
	AlertWarning  = "warning"
	AlertInfo     = "info"
)

// SyncOperation is a durable record of one intended mutation against a
// remote-owned entity. The OperationID is stable across retries and doubles
// as the idempotency key sent to the remote system.
type SyncOperation struct {
	OperationID string          `json:"operation_id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Attempts    int             `json:"attempts"`
	Status      string          `json:"status"`
	LastError   *SyncError      `json:"last_error,omitempty"`
}

// NewSyncOperation is the caller-facing input for enqueueing a mutation.
// OperationID may be left empty; the log assigns one.
type NewSyncOperation struct {
	OperationID string          `json:"operation_id,omitempty"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
}

// SyncError is the classified error of the most recent failed attempt.
type SyncError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncResult is the outcome of one execution attempt. Attempts reports the
// total attempts consumed to reach this result.
type SyncResult struct {
	Success  bool       `json:"success"`
	Attempts int        `json:"attempts"`
	Error    *SyncError `json:"error,omitempty"`
}

// HistoryEntry is an append-only record of an execution outcome, retained
// for a bounded trailing window. Used for alerting and diagnostics only,
// never for replay.
type HistoryEntry struct {
	OperationID string     `json:"operation_id"`
	Result      SyncResult `json:"result"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SyncAlert is a derived alert. Alerts are always recomputable from the
// operation log and history; they carry no independent truth.
type SyncAlert struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncStatus is the aggregate read projection exposed to consumers.
type SyncStatus struct {
	Pending        int            `json:"pending"`
	Failed         int            `json:"failed"`
	QueueDepth     int            `json:"queue_depth"`
	LastSyncAt     *time.Time     `json:"last_sync_at,omitempty"`
	RecentFailures []HistoryEntry `json:"recent_failures"`
}

// ReprocessSummary reports the outcome of a manual reprocess run.
type ReprocessSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusAbandoned
}

// CanTransition reports whether an operation may move from one status to
// another. Terminal statuses are frozen; everything else follows
// pending -> in_progress -> (succeeded | failed | abandoned), with failed
// operations allowed back into in_progress for a retry.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if IsTerminal(from) {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusAbandoned
	case StatusInProgress:
		return to == StatusSucceeded || to == StatusFailed || to == StatusAbandoned
	case StatusFailed:
		return to == StatusInProgress || to == StatusAbandoned
	}
	return false
}

// ValidKind reports whether the operation kind is one the executor knows
// how to send.
func ValidKind(kind string) bool {
	return kind == KindCreate || kind == KindUpdate || kind == KindDelete
}
