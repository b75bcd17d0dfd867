// Package classify turns raw task failure reports into persisted dead
// letter entries. Classification is rule-driven: an ordered list of
// regexp rules is matched against the failure's error type and message,
// and the first match decides the category. Unmatched failures land on
// the unknown category rather than being rejected, so ingestion never
// loses a failure to a taxonomy gap.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/backoff"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
)

// Report is the inbound description of a task failure, as produced by
// the task execution system when it gives up on a task.
type Report struct {
	TaskID    string `json:"task_id"`
	TaskName  string `json:"task_name"`
	QueueName string `json:"queue_name"`

	ErrorType       string `json:"error_type"`
	ErrorMessage    string `json:"error_message"`
	ErrorStackTrace string `json:"error_stack_trace,omitempty"`

	PayloadRef string `json:"payload_ref,omitempty"`
	InvoiceID  string `json:"invoice_id,omitempty"`
}

// Rule maps a failure signature to a category. Pattern is matched
// against "errorType: errorMessage" case-insensitively.
type Rule struct {
	Pattern  *regexp.Regexp
	Category entry.Category
}

// NewRule compiles a rule. It panics on an invalid pattern; rules are
// build-time constants.
func NewRule(pattern string, c entry.Category) Rule {
	return Rule{Pattern: regexp.MustCompile("(?i)" + pattern), Category: c}
}

// DefaultRules returns the built-in classification table. Order matters:
// the first matching rule wins, so the more specific infrastructure
// signatures come before the broad processing catch-all.
func DefaultRules() []Rule {
	return []Rule{
		NewRule(`timeout|timed out|deadline exceeded|context deadline`, entry.CategoryTimeout),
		NewRule(`connection refused|connection reset|no such host|network|unreachable|broken pipe|tls`, entry.CategoryNetwork),
		NewRule(`sql|database|deadlock|constraint|duplicate key|serialization failure|pgconn|pq:`, entry.CategoryDatabase),
		NewRule(`validation|invalid (field|value|input|payload)|schema|malformed|unmarshal|parse error`, entry.CategoryValidation),
		NewRule(`business rule|policy violation|not allowed|insufficient funds|limit exceeded|duplicate invoice`, entry.CategoryBusinessRule),
		NewRule(`out of memory|oom|disk full|no space|panic|segfault|resource exhausted`, entry.CategorySystem),
		NewRule(`processing|handler error|task failed`, entry.CategoryProcessing),
	}
}

// Classifier assigns categories, priorities and retry budgets to
// incoming failures and persists them as pending entries.
type Classifier struct {
	store      entry.Store
	rules      []Rule
	schedule   *backoff.Schedule
	maxRetries int
	byTask     map[string]int
	byCategory map[entry.Category]int
	priorities map[entry.Category]entry.Priority
	logger     *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) { c.rules = rules }
}

// WithSchedule sets the backoff schedule used to seed NextRetryAt.
func WithSchedule(s *backoff.Schedule) Option {
	return func(c *Classifier) { c.schedule = s }
}

// WithMaxRetries sets the default retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Classifier) { c.maxRetries = n }
}

// WithTaskBudget overrides the retry budget for a specific task name.
// Task-level budgets take precedence over category-level ones.
func WithTaskBudget(taskName string, n int) Option {
	return func(c *Classifier) { c.byTask[taskName] = n }
}

// WithCategoryBudget overrides the retry budget for a category.
func WithCategoryBudget(cat entry.Category, n int) Option {
	return func(c *Classifier) { c.byCategory[cat] = n }
}

// WithPriority overrides the initial priority assigned to a category.
func WithPriority(cat entry.Category, p entry.Priority) Option {
	return func(c *Classifier) { c.priorities[cat] = p }
}

// WithLogger sets the classifier's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// New creates a Classifier backed by the given store.
func New(store entry.Store, opts ...Option) *Classifier {
	c := &Classifier{
		store:      store,
		rules:      DefaultRules(),
		schedule:   backoff.DefaultSchedule(),
		maxRetries: deadletter.DefaultConfig().MaxRetries,
		byTask:     make(map[string]int),
		byCategory: make(map[entry.Category]int),
		priorities: defaultPriorities(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultPriorities() map[entry.Category]entry.Priority {
	return map[entry.Category]entry.Priority{
		entry.CategorySystem:       entry.PriorityCritical,
		entry.CategoryDatabase:     entry.PriorityHigh,
		entry.CategoryTimeout:      entry.PriorityHigh,
		entry.CategoryNetwork:      entry.PriorityNormal,
		entry.CategoryProcessing:   entry.PriorityNormal,
		entry.CategoryBusinessRule: entry.PriorityNormal,
		entry.CategoryValidation:   entry.PriorityNormal,
		entry.CategoryUnknown:      entry.PriorityNormal,
	}
}

// Categorize runs the rule table against a failure signature and
// returns the first matching category, or unknown.
func (c *Classifier) Categorize(errorType, errorMessage string) entry.Category {
	subject := errorType + ": " + errorMessage
	for _, r := range c.rules {
		if r.Pattern.MatchString(subject) {
			return r.Category
		}
	}
	return entry.CategoryUnknown
}

// PriorityFor returns the initial priority for a category.
func (c *Classifier) PriorityFor(cat entry.Category) entry.Priority {
	if p, ok := c.priorities[cat]; ok {
		return p
	}
	return entry.PriorityNormal
}

// BudgetFor resolves the retry budget for a failure: task-name override
// first, then category override, then the default.
func (c *Classifier) BudgetFor(taskName string, cat entry.Category) int {
	if n, ok := c.byTask[taskName]; ok {
		return n
	}
	if n, ok := c.byCategory[cat]; ok {
		return n
	}
	return c.maxRetries
}

// Classify categorizes a failure report and persists it as a new
// pending entry, seeded with its first retry eligibility time. The
// returned entry is the persisted record.
func (c *Classifier) Classify(ctx context.Context, report Report) (*entry.Entry, error) {
	if strings.TrimSpace(report.TaskID) == "" {
		return nil, fmt.Errorf("%w: task_id is required", deadletter.ErrInvalidReport)
	}
	if strings.TrimSpace(report.TaskName) == "" {
		return nil, fmt.Errorf("%w: task_name is required", deadletter.ErrInvalidReport)
	}

	now := time.Now().UTC()
	cat := c.Categorize(report.ErrorType, report.ErrorMessage)
	next := c.schedule.NextRetryAt(cat, 0, now)

	e := &entry.Entry{
		Entity:          deadletter.NewEntity(),
		ID:              id.NewEntryID(),
		TaskID:          report.TaskID,
		TaskName:        report.TaskName,
		QueueName:       report.QueueName,
		ErrorType:       report.ErrorType,
		ErrorMessage:    report.ErrorMessage,
		ErrorStackTrace: report.ErrorStackTrace,
		Category:        cat,
		Priority:        c.PriorityFor(cat),
		Status:          entry.StatusPending,
		RetryCount:      0,
		MaxRetries:      c.BudgetFor(report.TaskName, cat),
		PayloadRef:      report.PayloadRef,
		InvoiceID:       report.InvoiceID,
		NextRetryAt:     &next,
	}

	if err := c.store.CreateEntry(ctx, e); err != nil {
		return nil, err
	}

	c.logger.Info("failure classified",
		slog.String("entry_id", e.ID.String()),
		slog.String("task_name", e.TaskName),
		slog.String("category", string(e.Category)),
		slog.String("priority", string(e.Priority)),
		slog.Int("max_retries", e.MaxRetries),
	)
	return e, nil
}
