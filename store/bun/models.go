package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
)

// ── Entry model ───────────────────────────────────────────────────

type entryModel struct {
	bun.BaseModel `bun:"table:deadletter_entries"`

	ID              string     `bun:"id,pk"`
	TaskID          string     `bun:"task_id,notnull"`
	TaskName        string     `bun:"task_name,notnull"`
	QueueName       string     `bun:"queue_name,notnull,default:''"`
	ErrorType       string     `bun:"error_type,notnull,default:''"`
	ErrorMessage    string     `bun:"error_message,notnull,default:''"`
	ErrorStackTrace string     `bun:"error_stack_trace,notnull,default:''"`
	Category        string     `bun:"category,notnull"`
	Priority        string     `bun:"priority,notnull"`
	Status          string     `bun:"status,notnull"`
	RetryCount      int        `bun:"retry_count,notnull,default:0"`
	MaxRetries      int        `bun:"max_retries,notnull,default:0"`
	PayloadRef      string     `bun:"payload_ref,notnull,default:''"`
	InvoiceID       string     `bun:"invoice_id,notnull,default:''"`
	ClaimedBy       string     `bun:"claimed_by"`
	LastRetryAt     *time.Time `bun:"last_retry_at"`
	NextRetryAt     *time.Time `bun:"next_retry_at"`
	ArchivedAt      *time.Time `bun:"archived_at"`
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toEntryModel(e *entry.Entry) *entryModel {
	m := &entryModel{
		ID:              e.ID.String(),
		TaskID:          e.TaskID,
		TaskName:        e.TaskName,
		QueueName:       e.QueueName,
		ErrorType:       e.ErrorType,
		ErrorMessage:    e.ErrorMessage,
		ErrorStackTrace: e.ErrorStackTrace,
		Category:        string(e.Category),
		Priority:        string(e.Priority),
		Status:          string(e.Status),
		RetryCount:      e.RetryCount,
		MaxRetries:      e.MaxRetries,
		PayloadRef:      e.PayloadRef,
		InvoiceID:       e.InvoiceID,
		LastRetryAt:     e.LastRetryAt,
		NextRetryAt:     e.NextRetryAt,
		ArchivedAt:      e.ArchivedAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	if !e.ClaimedBy.IsNil() {
		m.ClaimedBy = e.ClaimedBy.String()
	}
	return m
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	parsedID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("deadletter/bun: parse entry id %q: %w", m.ID, err)
	}

	e := &entry.Entry{
		Entity: deadletter.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              parsedID,
		TaskID:          m.TaskID,
		TaskName:        m.TaskName,
		QueueName:       m.QueueName,
		ErrorType:       m.ErrorType,
		ErrorMessage:    m.ErrorMessage,
		ErrorStackTrace: m.ErrorStackTrace,
		Category:        entry.Category(m.Category),
		Priority:        entry.Priority(m.Priority),
		Status:          entry.Status(m.Status),
		RetryCount:      m.RetryCount,
		MaxRetries:      m.MaxRetries,
		PayloadRef:      m.PayloadRef,
		InvoiceID:       m.InvoiceID,
		LastRetryAt:     m.LastRetryAt,
		NextRetryAt:     m.NextRetryAt,
		ArchivedAt:      m.ArchivedAt,
	}

	if m.ClaimedBy != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.ClaimedBy)
		if wErr == nil {
			e.ClaimedBy = parsedWorker
		}
	}

	return e, nil
}

// ── Attempt model ─────────────────────────────────────────────────

type attemptModel struct {
	bun.BaseModel `bun:"table:deadletter_attempts"`

	EntryID       string    `bun:"entry_id,pk"`
	AttemptNumber int       `bun:"attempt_number,pk"`
	AttemptedAt   time.Time `bun:"attempted_at,notnull"`
	Success       bool      `bun:"success,notnull"`
	ErrorMessage  string    `bun:"error_message,notnull,default:''"`
}

func fromAttemptModel(m *attemptModel) entry.RedriveAttempt {
	return entry.RedriveAttempt{
		AttemptNumber: m.AttemptNumber,
		Timestamp:     m.AttemptedAt,
		Success:       m.Success,
		ErrorMessage:  m.ErrorMessage,
	}
}
