// Package model defines the domain types shared by the replication
// orchestrator components: policies, registry endpoints, executions and tasks.
package model

import (
	"time"
)

// ResourceType identifies the kind of artifact a policy replicates.
type ResourceType string

const (
	// ResourceTypeImage is a container image repository
	ResourceTypeImage ResourceType = "image"

	// ResourceTypeChart is a chart repository
	ResourceTypeChart ResourceType = "chart"
)

// Operation is the unit of work a task performs against the destination.
type Operation string

const (
	// OperationCopy replicates a resource from source to destination
	OperationCopy Operation = "copy"

	// OperationDelete removes a resource from the destination
	OperationDelete Operation = "delete"
)

// TriggerKind identifies what started an execution.
type TriggerKind string

const (
	// TriggerKindManual is a direct API call
	TriggerKindManual TriggerKind = "manual"

	// TriggerKindScheduled is a cron-driven timer tick
	TriggerKindScheduled TriggerKind = "scheduled"

	// TriggerKindEvent is an artifact push/delete notification
	TriggerKindEvent TriggerKind = "event"
)

// EventType identifies the notification kinds an event trigger reacts to.
type EventType string

const (
	// EventTypePush is emitted when an artifact is pushed to the source
	EventTypePush EventType = "push"

	// EventTypeDelete is emitted when an artifact is deleted from the source
	EventTypeDelete EventType = "delete"
)

// Trigger is a tagged variant describing when a policy fires.
// Exactly one of the kind-specific fields is meaningful for a given Kind.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`

	// Cron is the schedule expression, set when Kind is scheduled
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`

	// Events are the notification types that fire the policy,
	// set when Kind is event
	Events []EventType `json:"events,omitempty" yaml:"events,omitempty"`
}

// Filter restricts which resources a policy replicates. Pattern fields
// support the glob wildcards "*" and "?".
type Filter struct {
	// Project narrows replication to repositories under a project/namespace
	Project string `json:"project,omitempty"`

	// Repository is a pattern matched against the repository name
	Repository string `json:"repository,omitempty"`

	// Tag is a pattern matched against tags within a repository
	Tag string `json:"tag,omitempty"`

	// Resource restricts the artifact kind; empty means image
	Resource ResourceType `json:"resource,omitempty"`
}

// Policy is a user-defined replication rule. Policies are soft-deleted
// (disabled) while past executions still reference them.
type Policy struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// SrcRegistryID and DstRegistryID reference stored registry endpoints
	SrcRegistryID int64 `json:"src_registry_id"`
	DstRegistryID int64 `json:"dest_registry_id"`

	// DestNamespace rewrites the project part of replicated resources
	// when set; empty keeps the source namespace
	DestNamespace string `json:"dest_namespace,omitempty"`

	Filter  Filter  `json:"filter"`
	Trigger Trigger `json:"trigger"`

	// Override replaces artifacts that already exist at the destination
	// under the same name but a different digest
	Override bool `json:"override"`

	// ReplicateDeletion propagates delete events to the destination
	ReplicateDeletion bool `json:"replicate_deletion"`

	// DisallowOverlap rejects a new execution while one is in progress
	DisallowOverlap bool `json:"disallow_overlap"`

	// MaxRetries bounds transient-failure retries per task; 0 uses the
	// server default
	MaxRetries int `json:"max_retries,omitempty"`

	CreatedAt time.Time `json:"creation_time"`
	UpdatedAt time.Time `json:"update_time"`
}

// Endpoint holds the address and credential of a source or destination
// registry. The credential is opaque to every other component and must
// never appear in logs or error messages.
type Endpoint struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	// Type is the registry protocol family, e.g. "native" or "ecr"
	Type string `json:"type,omitempty"`

	// Insecure skips TLS verification when talking to the registry
	Insecure bool `json:"insecure"`

	CreatedAt time.Time `json:"creation_time"`
	UpdatedAt time.Time `json:"update_time"`
}

// ExecutionStatus is the rolled-up state of one policy invocation.
type ExecutionStatus string

const (
	// ExecutionPending means the execution exists but tasks are not yet enqueued
	ExecutionPending ExecutionStatus = "Pending"

	// ExecutionInProgress means at least one task is pending or running
	ExecutionInProgress ExecutionStatus = "InProgress"

	// ExecutionSucceeded means every task succeeded
	ExecutionSucceeded ExecutionStatus = "Succeeded"

	// ExecutionFailed means at least one task failed and none are outstanding
	ExecutionFailed ExecutionStatus = "Failed"

	// ExecutionStopped means the execution was explicitly cancelled
	ExecutionStopped ExecutionStatus = "Stopped"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionStopped:
		return true
	default:
		return false
	}
}

// Execution is one invocation of a policy at a point in time. The policy
// reference is weak: the policy may be deleted while the record remains.
type Execution struct {
	ID       string      `json:"id"`
	PolicyID int64       `json:"policy_id"`
	Trigger  TriggerKind `json:"trigger"`

	// FilterSnapshot is captured at trigger time so later policy edits
	// do not alter an in-flight execution
	FilterSnapshot Filter `json:"filter_snapshot"`

	Status     ExecutionStatus `json:"status"`
	StatusText string          `json:"status_text,omitempty"`

	// StopRequested records an explicit stop; it distinguishes a Stopped
	// rollup from ordinary failure once all tasks settle
	StopRequested bool `json:"stop_requested,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// TaskStatus is the state of one resource-level operation.
type TaskStatus string

const (
	// TaskPending means the task is queued but no worker has picked it up
	TaskPending TaskStatus = "Pending"

	// TaskInProgress means a worker is executing the task
	TaskInProgress TaskStatus = "InProgress"

	// TaskSucceeded means the transfer completed and was verified
	TaskSucceeded TaskStatus = "Succeeded"

	// TaskFailed means the task exhausted retries or hit a permanent error
	TaskFailed TaskStatus = "Failed"

	// TaskStopped means the task was cancelled before a worker started it
	TaskStopped TaskStatus = "Stopped"
)

// Terminal reports whether the status can no longer change. Status
// transitions are monotonic: a terminal task never becomes runnable
// again; a retry increments the attempt count on the same task instead.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskStopped:
		return true
	default:
		return false
	}
}

// Resource describes the artifact a single task operates on.
type Resource struct {
	Type ResourceType `json:"type"`

	// Repository is the full repository name including the namespace,
	// e.g. "library/alpine"
	Repository string `json:"repository"`

	Tag string `json:"tag"`

	// Digest is set when the triggering event pinned a concrete artifact
	Digest string `json:"digest,omitempty"`
}

// String renders the resource as "repository:tag".
func (r Resource) String() string {
	if r.Tag == "" {
		return r.Repository
	}
	return r.Repository + ":" + r.Tag
}

// Task is one unit of work within an execution: replicate or delete one
// resource at the destination.
type Task struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Resource    Resource  `json:"resource"`
	Operation   Operation `json:"operation"`

	// DstRepository is the repository name at the destination, which may
	// differ from the source when the policy rewrites the namespace
	DstRepository string `json:"dst_repository"`

	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// RollupStatus computes the execution status from its tasks' statuses.
// It is a pure function so callers can re-evaluate it instead of
// tracking state incrementally; stopRequested marks an explicit cancel.
func RollupStatus(stopRequested bool, statuses []TaskStatus) ExecutionStatus {
	if len(statuses) == 0 {
		if stopRequested {
			return ExecutionStopped
		}
		return ExecutionSucceeded
	}

	failed := false
	stopped := false
	for _, s := range statuses {
		switch s {
		case TaskPending, TaskInProgress:
			return ExecutionInProgress
		case TaskFailed:
			failed = true
		case TaskStopped:
			stopped = true
		}
	}

	if stopRequested || stopped {
		return ExecutionStopped
	}
	if failed {
		return ExecutionFailed
	}
	return ExecutionSucceeded
}
