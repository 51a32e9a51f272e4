package source

import (
	"context"

	"jobfeed/internal/domain"
)

// Query is one search a fetch run performs against a source.
type Query struct {
	Text     string
	Location string
	PageSize int
}

// Page is a bounded slice of results. An empty NextToken means
// end-of-results.
type Page struct {
	Postings  []domain.Posting
	NextToken string
}

// Adapter translates one external source into normalized postings, one
// page at a time. Implementations return errors wrapping
// domain.ErrSourceUnavailable for network/HTTP failure and
// *domain.FormatError for a received but unparseable payload.
type Adapter interface {
	Name() string
	FetchPage(ctx context.Context, q Query, pageToken string) (Page, error)
}
