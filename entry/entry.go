package entry

import (
	"time"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/id"
)

// Status represents the lifecycle state of a dead letter entry.
type Status string

const (
	// StatusPending means the entry is waiting for retry eligibility.
	StatusPending Status = "pending"
	// StatusProcessing means a dispatcher has claimed the entry and its
	// task has been handed to the external executor.
	StatusProcessing Status = "processing"
	// StatusCompleted means a redriven execution succeeded.
	StatusCompleted Status = "completed"
	// StatusFailedPermanently means the retry budget is exhausted or the
	// category is non-retryable. Terminal unless force-redriven.
	StatusFailedPermanently Status = "failed_permanently"
	// StatusArchived means the entry was retired after its retention
	// window or by an operator. Terminal.
	StatusArchived Status = "archived"
)

// Statuses returns all lifecycle states in display order.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusProcessing, StatusCompleted,
		StatusFailedPermanently, StatusArchived,
	}
}

// Active reports whether the entry still represents unresolved work:
// pending, processing, or failed permanently. Age statistics are computed
// over active entries only.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusFailedPermanently
}

// Archivable reports whether the entry may transition to archived.
func (s Status) Archivable() bool {
	return s == StatusCompleted || s == StatusFailedPermanently
}

// Category is the closed classification of a task failure. Adding a new
// category is a compile-time change; unmatched failures always land on
// CategoryUnknown.
type Category string

const (
	CategoryProcessing   Category = "processing_error"
	CategoryValidation   Category = "validation_error"
	CategoryNetwork      Category = "network_error"
	CategoryDatabase     Category = "database_error"
	CategoryTimeout      Category = "timeout_error"
	CategoryBusinessRule Category = "business_rule_error"
	CategorySystem       Category = "system_error"
	CategoryUnknown      Category = "unknown_error"
)

// Categories returns every failure category. Stats and dashboards iterate
// this so new categories cannot be silently omitted from rollups.
func Categories() []Category {
	return []Category{
		CategoryProcessing, CategoryValidation, CategoryNetwork,
		CategoryDatabase, CategoryTimeout, CategoryBusinessRule,
		CategorySystem, CategoryUnknown,
	}
}

// Priority orders entries within a scheduler scan. It is assigned at
// classification time and may be overridden by an operator.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities returns all priorities from most to least urgent.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Rank returns the scheduling rank of the priority: lower sorts first.
// Unrecognized priorities rank after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// RedriveAttempt is the immutable record of one redrive try.
// ErrorMessage is set iff the attempt failed.
type RedriveAttempt struct {
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Entry represents one permanently escalated task failure held in the
// dead letter queue.
type Entry struct {
	deadletter.Entity

	ID        id.EntryID `json:"id"`
	TaskID    string     `json:"task_id"`
	TaskName  string     `json:"task_name"`
	QueueName string     `json:"queue_name"`

	// Raw failure detail, opaque to the engine.
	ErrorType       string `json:"error_type"`
	ErrorMessage    string `json:"error_message"`
	ErrorStackTrace string `json:"error_stack_trace,omitempty"`

	Category Category `json:"error_category"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"dlq_status"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// PayloadRef points at the original task payload held by the
	// producer; the engine never interprets it.
	PayloadRef string `json:"payload_ref,omitempty"`

	// InvoiceID is an opaque domain linkage, not interpreted here.
	InvoiceID string `json:"invoice_id,omitempty"`

	// ClaimedBy records which dispatcher instance holds the entry while
	// it is processing.
	ClaimedBy id.WorkerID `json:"claimed_by,omitempty"`

	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	// NextRetryAt is only meaningful while Status is pending.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`

	// History is the append-only redrive log, ordered by attempt number.
	History []RedriveAttempt `json:"redrive_history"`
}

// RetriesExhausted reports whether one more failure would exceed the
// retry budget. The check uses RetryCount+1 > MaxRetries so an entry at
// the cap fails permanently on its next unsuccessful attempt.
func (e *Entry) RetriesExhausted() bool {
	return e.RetryCount+1 > e.MaxRetries
}
