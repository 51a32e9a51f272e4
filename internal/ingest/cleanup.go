package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"jobfeed/internal/domain"
	"jobfeed/internal/store"
)

type CleanupParams struct {
	RetentionDays int `json:"retention_days"`
}

// CleanupHandler soft-deletes postings that no fetch has refreshed within
// the retention window.
type CleanupHandler struct {
	DB *sql.DB
}

func (h *CleanupHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var params CleanupParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return &domain.FormatError{Source: "task payload", Sample: sampleOf(payload), Err: err}
	}
	if params.RetentionDays <= 0 {
		params.RetentionDays = 30
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -params.RetentionDays)
	n, err := store.DeactivateStale(ctx, h.DB, cutoff)
	if err != nil {
		return err
	}

	log.Info().Int64("deactivated", n).Int("retention_days", params.RetentionDays).Msg("stale postings deactivated")
	return nil
}
