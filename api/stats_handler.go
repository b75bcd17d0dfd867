package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"
)

func (a *API) stats(ctx forge.Context) error {
	s, err := a.eng.Stats().Collect(ctx.Context())
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}

	return ctx.JSON(http.StatusOK, s)
}

func (a *API) counts(ctx forge.Context) error {
	byStatus, err := a.eng.Store().CountByStatus(ctx.Context())
	if err != nil {
		return fmt.Errorf("count entries: %w", err)
	}

	resp := CountsResponse{ByStatus: byStatus}
	for _, n := range byStatus {
		resp.Total += n
	}

	return ctx.JSON(http.StatusOK, resp)
}
