// Package api provides HTTP handlers for the dead letter queue API.
package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/deadletter/engine"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/redrive"
	"github.com/xraph/deadletter/stats"
)

// API wires all Forge-style HTTP handlers together for the dead letter
// engine.
type API struct {
	eng    *engine.Engine
	router forge.Router
}

// New creates an API from an Engine.
func New(eng *engine.Engine, router forge.Router) *API {
	return &API{eng: eng, router: router}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		a.router = forge.NewRouter()
	}
	a.RegisterRoutes(a.router)
	return a.router.Handler()
}

// RegisterRoutes registers all API routes into the given Forge router
// with full OpenAPI metadata.
func (a *API) RegisterRoutes(router forge.Router) {
	a.registerEntryRoutes(router)
	a.registerStatsRoutes(router)
}

// registerEntryRoutes registers entry management routes.
func (a *API) registerEntryRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("dlq"))

	_ = g.POST("/dlq", a.createEntry,
		forge.WithSummary("Report a failure"),
		forge.WithDescription("Classifies a task failure report and persists it as a new pending entry."),
		forge.WithOperationID("createDLQEntry"),
		forge.WithRequestSchema(CreateEntryRequest{}),
		forge.WithCreatedResponse(&entry.Entry{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/dlq", a.listEntries,
		forge.WithSummary("List entries"),
		forge.WithDescription("Returns dead letter entries filtered by status, category, priority, task, and queue."),
		forge.WithOperationID("listDLQEntries"),
		forge.WithRequestSchema(ListEntriesRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Entry page", ListEntriesResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/dlq/:entryId", a.getEntry,
		forge.WithSummary("Get entry"),
		forge.WithDescription("Returns a specific entry including its redrive history."),
		forge.WithOperationID("getDLQEntry"),
		forge.WithResponseSchema(http.StatusOK, "Entry details", &entry.Entry{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/dlq/redrive", a.redriveEntries,
		forge.WithSummary("Redrive entries"),
		forge.WithDescription("Dispatches a batch of entries back to the executor. Force bypasses eligibility checks."),
		forge.WithOperationID("redriveDLQEntries"),
		forge.WithRequestSchema(RedriveRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Redrive accounting", &redrive.Result{}),
		forge.WithErrorResponses(),
	)

	_ = g.PUT("/dlq/:entryId/priority", a.setPriority,
		forge.WithSummary("Override priority"),
		forge.WithDescription("Overrides the scheduling priority of an entry."),
		forge.WithOperationID("setDLQEntryPriority"),
		forge.WithRequestSchema(SetPriorityRequest{}),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/dlq/:entryId/archive", a.archiveEntry,
		forge.WithSummary("Archive entry"),
		forge.WithDescription("Retires a completed or permanently failed entry."),
		forge.WithOperationID("archiveDLQEntry"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.DELETE("/dlq/:entryId", a.deleteEntry,
		forge.WithSummary("Delete entry"),
		forge.WithDescription("Permanently removes an entry and its history."),
		forge.WithOperationID("deleteDLQEntry"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)
}

// registerStatsRoutes registers aggregate statistics routes.
func (a *API) registerStatsRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("stats"))

	_ = g.GET("/dlq/stats", a.stats,
		forge.WithSummary("DLQ stats"),
		forge.WithDescription("Returns aggregate statistics: counts by status, category, and priority, plus age figures."),
		forge.WithOperationID("dlqStats"),
		forge.WithResponseSchema(http.StatusOK, "DLQ statistics", &stats.Stats{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/dlq/counts", a.counts,
		forge.WithSummary("DLQ counts"),
		forge.WithDescription("Returns entry counts grouped by lifecycle state."),
		forge.WithOperationID("dlqCounts"),
		forge.WithResponseSchema(http.StatusOK, "DLQ counts", CountsResponse{}),
		forge.WithErrorResponses(),
	)
}
