package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/classify"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
	"github.com/xraph/deadletter/redrive"
)

func (a *API) createEntry(ctx forge.Context, req *CreateEntryRequest) (*entry.Entry, error) {
	e, err := a.eng.Report(ctx.Context(), classify.Report{
		TaskID:          req.TaskID,
		TaskName:        req.TaskName,
		QueueName:       req.QueueName,
		ErrorType:       req.ErrorType,
		ErrorMessage:    req.ErrorMessage,
		ErrorStackTrace: req.ErrorStackTrace,
		PayloadRef:      req.PayloadRef,
		InvoiceID:       req.InvoiceID,
	})
	if err != nil {
		if errors.Is(err, deadletter.ErrInvalidReport) {
			return nil, forge.BadRequest(err.Error())
		}
		return nil, fmt.Errorf("create entry: %w", err)
	}

	return e, ctx.JSON(http.StatusCreated, e)
}

func (a *API) listEntries(ctx forge.Context, req *ListEntriesRequest) (ListEntriesResponse, error) {
	opts := entry.ListOpts{
		Status:   entry.Status(req.Status),
		Category: entry.Category(req.Category),
		Priority: entry.Priority(req.Priority),
		TaskName: req.TaskName,
		Queue:    req.Queue,
		Page:     req.Page,
		PageSize: req.PageSize,
	}

	entries, total, err := a.eng.Store().ListEntries(ctx.Context(), opts)
	if err != nil {
		return ListEntriesResponse{}, fmt.Errorf("list entries: %w", err)
	}

	resp := ListEntriesResponse{
		Entries:  entries,
		Total:    total,
		Page:     req.Page,
		PageSize: opts.Limit(),
	}
	if resp.Page < 1 {
		resp.Page = 1
	}
	return resp, ctx.JSON(http.StatusOK, resp)
}

func (a *API) getEntry(ctx forge.Context, _ *GetEntryRequest) (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(ctx.Param("entryId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid entry ID: %v", err))
	}

	e, err := a.eng.Store().GetEntry(ctx.Context(), entryID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return e, ctx.JSON(http.StatusOK, e)
}

func (a *API) redriveEntries(ctx forge.Context, req *RedriveRequest) (*redrive.Result, error) {
	if len(req.EntryIDs) == 0 {
		return nil, forge.BadRequest("entry_ids must not be empty")
	}

	ids := make([]id.EntryID, 0, len(req.EntryIDs))
	for _, raw := range req.EntryIDs {
		entryID, err := id.ParseEntryID(raw)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid entry ID %q: %v", raw, err))
		}
		ids = append(ids, entryID)
	}

	res, err := a.eng.RedriveService().Redrive(ctx.Context(), ids, req.Force)
	if err != nil {
		return nil, fmt.Errorf("redrive entries: %w", err)
	}

	return res, ctx.JSON(http.StatusOK, res)
}

func (a *API) setPriority(ctx forge.Context, req *SetPriorityRequest) (*struct{}, error) {
	entryID, err := id.ParseEntryID(ctx.Param("entryId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid entry ID: %v", err))
	}

	p := entry.Priority(req.Priority)
	if !validPriority(p) {
		return nil, forge.BadRequest(fmt.Sprintf("invalid priority %q", req.Priority))
	}

	if err := a.eng.RedriveService().SetPriority(ctx.Context(), entryID, p); err != nil {
		return nil, mapStoreError(err)
	}

	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) archiveEntry(ctx forge.Context, _ *ArchiveEntryRequest) (*struct{}, error) {
	entryID, err := id.ParseEntryID(ctx.Param("entryId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid entry ID: %v", err))
	}

	if err := a.eng.RedriveService().Archive(ctx.Context(), entryID); err != nil {
		return nil, mapStoreError(err)
	}

	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) deleteEntry(ctx forge.Context, _ *DeleteEntryRequest) (*struct{}, error) {
	entryID, err := id.ParseEntryID(ctx.Param("entryId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid entry ID: %v", err))
	}

	if err := a.eng.RedriveService().Delete(ctx.Context(), entryID); err != nil {
		return nil, mapStoreError(err)
	}

	return nil, ctx.NoContent(http.StatusNoContent)
}

func validPriority(p entry.Priority) bool {
	for _, known := range entry.Priorities() {
		if p == known {
			return true
		}
	}
	return false
}

// mapStoreError converts deadletter sentinel errors to forge HTTP errors.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, deadletter.ErrEntryNotFound):
		return forge.NotFound(err.Error())
	case errors.Is(err, deadletter.ErrInvalidState),
		errors.Is(err, deadletter.ErrEntryProcessing),
		errors.Is(err, deadletter.ErrStaleEntry):
		return forge.BadRequest(err.Error())
	default:
		return err
	}
}
