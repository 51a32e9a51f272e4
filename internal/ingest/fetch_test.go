package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"jobfeed/internal/domain"
	"jobfeed/internal/source"
	"jobfeed/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "postings.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db))
	return db
}

// fakeAdapter serves canned pages keyed by page token, or a fixed error.
type fakeAdapter struct {
	name  string
	pages map[string]source.Page
	err   error
	calls int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchPage(ctx context.Context, q source.Query, token string) (source.Page, error) {
	f.calls++
	if f.err != nil {
		return source.Page{}, f.err
	}
	return f.pages[token], nil
}

func posting(src, id, title string) domain.Posting {
	return domain.Posting{Source: src, ExternalID: id, Title: title, Company: "Acme"}
}

func timeDaysAgo(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}

func TestFetchPaginatesUntilEmptyToken(t *testing.T) {
	db := testDB(t)
	ad := &fakeAdapter{
		name: "jsearch",
		pages: map[string]source.Page{
			"":  {Postings: []domain.Posting{posting("jsearch", "1", "A")}, NextToken: "2"},
			"2": {Postings: []domain.Posting{posting("jsearch", "2", "B")}, NextToken: "3"},
			"3": {Postings: []domain.Posting{posting("jsearch", "3", "C")}},
		},
	}
	h := &FetchHandler{DB: db, Adapters: map[string]source.Adapter{"jsearch": ad}}

	err := h.Handle(context.Background(), []byte(`{"queries":["engineer"]}`))
	require.NoError(t, err)
	assert.Equal(t, 3, ad.calls)

	got, err := store.List(context.Background(), db, store.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestFetchHonorsMaxPages(t *testing.T) {
	db := testDB(t)
	// endless feed: every page points at the next
	ad := &fakeAdapter{
		name: "jsearch",
		pages: map[string]source.Page{
			"":  {Postings: []domain.Posting{posting("jsearch", "1", "A")}, NextToken: "2"},
			"2": {Postings: []domain.Posting{posting("jsearch", "2", "B")}, NextToken: "2"},
		},
	}
	h := &FetchHandler{DB: db, Adapters: map[string]source.Adapter{"jsearch": ad}}

	err := h.Handle(context.Background(), []byte(`{"queries":["engineer"],"max_pages":2}`))
	require.NoError(t, err)
	assert.Equal(t, 2, ad.calls)
}

func TestFetchOneBrokenSourceDoesNotBlockOthers(t *testing.T) {
	db := testDB(t)
	good := &fakeAdapter{
		name:  "jsearch",
		pages: map[string]source.Page{"": {Postings: []domain.Posting{posting("jsearch", "1", "A")}}},
	}
	broken := &fakeAdapter{
		name: "boards",
		err:  &domain.FormatError{Source: "boards", Sample: "<html>", Err: errors.New("not json")},
	}
	down := &fakeAdapter{
		name: "remotive",
		err:  fmt.Errorf("dial tcp: %w", domain.ErrSourceUnavailable),
	}
	h := &FetchHandler{DB: db, Adapters: map[string]source.Adapter{
		"jsearch": good, "boards": broken, "remotive": down,
	}}

	err := h.Handle(context.Background(), []byte(`{"queries":["engineer"]}`))
	require.NoError(t, err, "partial success is success")

	got, err := store.List(context.Background(), db, store.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "jsearch", got[0].Source)
}

func TestFetchAllTransientFailuresIsRetryable(t *testing.T) {
	db := testDB(t)
	down := &fakeAdapter{name: "jsearch", err: fmt.Errorf("dial tcp: %w", domain.ErrSourceUnavailable)}
	h := &FetchHandler{DB: db, Adapters: map[string]source.Adapter{"jsearch": down}}

	err := h.Handle(context.Background(), []byte(`{"queries":["engineer"]}`))
	require.Error(t, err)
	assert.True(t, domain.Retryable(err))
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestFetchAllFormatFailuresIsPermanent(t *testing.T) {
	db := testDB(t)
	broken := &fakeAdapter{name: "jsearch", err: &domain.FormatError{Source: "jsearch", Sample: "<html>", Err: errors.New("not json")}}
	h := &FetchHandler{DB: db, Adapters: map[string]source.Adapter{"jsearch": broken}}

	err := h.Handle(context.Background(), []byte(`{"queries":["engineer"]}`))
	require.Error(t, err)
	assert.False(t, domain.Retryable(err))
}

func TestFetchMixedFailuresPreferTransient(t *testing.T) {
	db := testDB(t)
	broken := &fakeAdapter{name: "boards", err: &domain.FormatError{Source: "boards", Sample: "x", Err: errors.New("bad")}}
	down := &fakeAdapter{name: "jsearch", err: fmt.Errorf("503: %w", domain.ErrSourceUnavailable)}
	h := &FetchHandler{DB: db, Adapters: map[string]source.Adapter{"boards": broken, "jsearch": down}}

	// when everything failed but something was transient, retrying can
	// still help, so the transient error wins
	err := h.Handle(context.Background(), []byte(`{"queries":["engineer"]}`))
	require.Error(t, err)
	assert.True(t, domain.Retryable(err))
}

func TestFetchSourceFilter(t *testing.T) {
	db := testDB(t)
	a := &fakeAdapter{name: "jsearch", pages: map[string]source.Page{"": {Postings: []domain.Posting{posting("jsearch", "1", "A")}}}}
	b := &fakeAdapter{name: "boards", pages: map[string]source.Page{"": {Postings: []domain.Posting{posting("boards", "2", "B")}}}}
	h := &FetchHandler{DB: db, Adapters: map[string]source.Adapter{"jsearch": a, "boards": b}}

	err := h.Handle(context.Background(), []byte(`{"queries":["x"],"sources":["boards"]}`))
	require.NoError(t, err)
	assert.Zero(t, a.calls)
	assert.Equal(t, 1, b.calls)

	err = h.Handle(context.Background(), []byte(`{"queries":["x"],"sources":["nope"]}`))
	assert.Error(t, err, "no matching source")
}

func TestFetchRejectsBadPayload(t *testing.T) {
	h := &FetchHandler{DB: testDB(t)}

	err := h.Handle(context.Background(), []byte(`{not json`))
	var fe *domain.FormatError
	require.ErrorAs(t, err, &fe)
	assert.False(t, domain.Retryable(err))

	err = h.Handle(context.Background(), []byte(`{}`))
	assert.Error(t, err, "queries are required")
}

func TestCleanupHandler(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := posting("jsearch", "old", "Old")
	old.FetchedAt = timeDaysAgo(40)
	fresh := posting("jsearch", "new", "New")
	_, err := store.Upsert(ctx, db, []domain.Posting{old, fresh})
	require.NoError(t, err)

	h := &CleanupHandler{DB: db}
	require.NoError(t, h.Handle(ctx, []byte(`{"retention_days":30}`)))

	active, err := store.List(ctx, db, store.ListOpts{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].ExternalID)
}
