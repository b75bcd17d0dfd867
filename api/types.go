package api

import (
	"github.com/xraph/deadletter/entry"
)

// CreateEntryRequest is the inbound failure report.
type CreateEntryRequest struct {
	TaskID          string `json:"task_id"`
	TaskName        string `json:"task_name"`
	QueueName       string `json:"queue_name"`
	ErrorType       string `json:"error_type"`
	ErrorMessage    string `json:"error_message"`
	ErrorStackTrace string `json:"error_stack_trace,omitempty"`
	PayloadRef      string `json:"payload_ref,omitempty"`
	InvoiceID       string `json:"invoice_id,omitempty"`
}

// ListEntriesRequest filters and paginates the entry list.
type ListEntriesRequest struct {
	Status   string `query:"status"`
	Category string `query:"category"`
	Priority string `query:"priority"`
	TaskName string `query:"task_name"`
	Queue    string `query:"queue"`
	Page     int    `query:"page"`
	PageSize int    `query:"page_size"`
}

// ListEntriesResponse is one page of entries plus the total count.
type ListEntriesResponse struct {
	Entries  []*entry.Entry `json:"entries"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// RedriveRequest names the entries to redrive. Force bypasses state
// eligibility and the retry budget.
type RedriveRequest struct {
	EntryIDs []string `json:"entry_ids"`
	Force    bool     `json:"force"`
}

// SetPriorityRequest carries a priority override.
type SetPriorityRequest struct {
	Priority string `json:"priority"`
}

// GetEntryRequest is a placeholder for path-parameter-only requests.
type GetEntryRequest struct{}

// ArchiveEntryRequest is a placeholder for path-parameter-only requests.
type ArchiveEntryRequest struct{}

// DeleteEntryRequest is a placeholder for path-parameter-only requests.
type DeleteEntryRequest struct{}

// CountsResponse groups entry counts by lifecycle state.
type CountsResponse struct {
	Total    int64                  `json:"total"`
	ByStatus map[entry.Status]int64 `json:"by_status"`
}
