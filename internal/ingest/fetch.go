// Package ingest holds the task handlers the worker pool dispatches:
// fetching postings from the configured sources and the retention
// cleanup.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"jobfeed/internal/domain"
	"jobfeed/internal/source"
	"jobfeed/internal/store"
)

// FetchParams is the payload of a fetch task. Empty Sources means every
// registered adapter.
type FetchParams struct {
	Sources   []string `json:"sources,omitempty"`
	Queries   []string `json:"queries"`
	Locations []string `json:"locations,omitempty"`
	PageSize  int      `json:"page_size,omitempty"`
	MaxPages  int      `json:"max_pages,omitempty"`
}

type FetchHandler struct {
	DB       *sql.DB
	Adapters map[string]source.Adapter
	// Parallel bounds how many sources run at once. Zero means all.
	Parallel int
}

// Handle runs one ingestion pass. Sources are isolated from each other: a
// broken or unreachable source is logged and counted, never allowed to
// abort the rest of the run. The returned error is retryable only when
// every source failed transiently, so the worker's backoff doesn't
// re-fetch sources that already succeeded for nothing worse than a
// neighbor's outage.
func (h *FetchHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var params FetchParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return &domain.FormatError{Source: "task payload", Sample: sampleOf(payload), Err: err}
	}
	if len(params.Queries) == 0 {
		return errors.New("fetch: at least one query is required")
	}
	if len(params.Locations) == 0 {
		params.Locations = []string{""}
	}
	if params.MaxPages <= 0 {
		params.MaxPages = 3
	}

	adapters := h.selectAdapters(params.Sources)
	if len(adapters) == 0 {
		return fmt.Errorf("fetch: no matching sources for %v", params.Sources)
	}

	var mu sync.Mutex
	var total store.UpsertResult
	failures := map[string]error{}

	g, gctx := errgroup.WithContext(ctx)
	if h.Parallel > 0 {
		g.SetLimit(h.Parallel)
	}
	for _, ad := range adapters {
		ad := ad
		g.Go(func() error {
			res, err := h.fetchSource(gctx, ad, params)
			mu.Lock()
			defer mu.Unlock()
			total.Inserted += res.Inserted
			total.Updated += res.Updated
			if err != nil {
				failures[ad.Name()] = err
			}
			return nil // isolation: never cancel the sibling sources
		})
	}
	_ = g.Wait()

	log.Info().
		Int("inserted", total.Inserted).
		Int("updated", total.Updated).
		Int("sources_failed", len(failures)).
		Msg("fetch run finished")

	if len(failures) < len(adapters) {
		return nil // partial success is success; failed sources get the next occurrence
	}

	// Everything failed. Retry only if some failure was transient.
	var firstTransient, firstPermanent error
	for name, err := range failures {
		wrapped := fmt.Errorf("%s: %w", name, err)
		if domain.Retryable(err) {
			if firstTransient == nil {
				firstTransient = wrapped
			}
		} else if firstPermanent == nil {
			firstPermanent = wrapped
		}
	}
	if firstTransient != nil {
		return firstTransient
	}
	return firstPermanent
}

func (h *FetchHandler) selectAdapters(names []string) []source.Adapter {
	if len(names) == 0 {
		out := make([]source.Adapter, 0, len(h.Adapters))
		for _, ad := range h.Adapters {
			out = append(out, ad)
		}
		return out
	}
	var out []source.Adapter
	for _, n := range names {
		if ad, ok := h.Adapters[n]; ok {
			out = append(out, ad)
		}
	}
	return out
}

// fetchSource pages through one adapter for every (query, location) pair.
// A format error stops this source (same bytes next page or next retry)
// but transient errors only skip the pair, so one flaky query doesn't
// discard a source's other results.
func (h *FetchHandler) fetchSource(ctx context.Context, ad source.Adapter, params FetchParams) (store.UpsertResult, error) {
	var total store.UpsertResult
	var lastErr error
	pairs := 0
	failed := 0

	for _, q := range params.Queries {
		for _, loc := range params.Locations {
			pairs++
			res, err := h.fetchPair(ctx, ad, source.Query{Text: q, Location: loc, PageSize: params.PageSize}, params.MaxPages)
			total.Inserted += res.Inserted
			total.Updated += res.Updated
			if err != nil {
				failed++
				lastErr = err
				if !domain.Retryable(err) {
					log.Error().Str("source", ad.Name()).Str("query", q).Err(err).Msg("malformed payload, abandoning source for this run")
					return total, err
				}
				log.Warn().Str("source", ad.Name()).Str("query", q).Str("location", loc).Err(err).Msg("search failed")
				continue
			}
		}
	}

	if failed == pairs && lastErr != nil {
		return total, lastErr
	}
	return total, nil
}

func (h *FetchHandler) fetchPair(ctx context.Context, ad source.Adapter, q source.Query, maxPages int) (store.UpsertResult, error) {
	var total store.UpsertResult
	token := ""

	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		p, err := ad.FetchPage(ctx, q, token)
		if err != nil {
			return total, err
		}
		if len(p.Postings) > 0 {
			res, err := store.Upsert(ctx, h.DB, p.Postings)
			total.Inserted += res.Inserted
			total.Updated += res.Updated
			if err != nil {
				return total, err
			}
		}
		if p.NextToken == "" {
			break
		}
		token = p.NextToken
	}
	return total, nil
}

func sampleOf(b []byte) string {
	const n = 256
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
