package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"jobfeed/internal/domain"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "postings.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func TestUpsertInsertThenUpdate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := domain.Posting{
		Source:     "jsearch",
		ExternalID: "abc123",
		Title:      "Software Engineer",
		Company:    "Acme",
		Location:   "Nairobi, Kenya",
		SalaryMin:  50000,
	}

	res, err := Upsert(ctx, db, []domain.Posting{p})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1}, res)

	got, err := List(ctx, db, ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	firstSeen := got[0].FirstSeenAt

	// same identity again with changed fields: one row, refreshed fields,
	// first_seen_at untouched
	time.Sleep(10 * time.Millisecond)
	p.Title = "Senior Software Engineer"
	p.SalaryMin = 70000
	res, err = Upsert(ctx, db, []domain.Posting{p})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 1}, res)

	got, err = List(ctx, db, ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Senior Software Engineer", got[0].Title)
	assert.Equal(t, int64(70000), got[0].SalaryMin)
	assert.True(t, got[0].FirstSeenAt.Equal(firstSeen))
	assert.True(t, got[0].FetchedAt.After(firstSeen))
}

func TestUpsertReactivates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := domain.Posting{Source: "jsearch", ExternalID: "x1", Title: "Accountant", Company: "Acme"}
	_, err := Upsert(ctx, db, []domain.Posting{p})
	require.NoError(t, err)

	n, err := DeactivateStale(ctx, db, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := List(ctx, db, ListOpts{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, got)

	// the posting shows up in a later fetch: back to active
	_, err = Upsert(ctx, db, []domain.Posting{p})
	require.NoError(t, err)
	got, err = List(ctx, db, ListOpts{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUpsertFallbackIdentity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// no external id: identity falls back to hashed title/company/location,
	// so re-fetching the same posting updates instead of duplicating
	p := domain.Posting{Source: "boards", Title: "Sales Manager", Company: "Acme", Location: "Mombasa"}
	res, err := Upsert(ctx, db, []domain.Posting{p})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = Upsert(ctx, db, []domain.Posting{p})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err := List(ctx, db, ListOpts{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUpsertBatchWithDuplicateIdentity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// the same identity twice in one batch: one row, one insert counted,
	// and the later entry's fields win
	a := domain.Posting{Source: "jsearch", ExternalID: "dup", Title: "Engineer", Company: "Acme"}
	b := a
	b.Title = "Engineer II"

	res, err := Upsert(ctx, db, []domain.Posting{a, b})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1}, res)

	got, err := List(ctx, db, ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Engineer II", got[0].Title)

	// same duplication against an existing row counts one update
	res, err = Upsert(ctx, db, []domain.Posting{a, b})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 1}, res)
}

func TestUpsertRejectsMissingSource(t *testing.T) {
	db := testDB(t)
	_, err := Upsert(context.Background(), db, []domain.Posting{{Title: "Engineer", Company: "Acme"}})
	assert.Error(t, err)
}

func TestUpsertConcurrentSameIdentity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := domain.Posting{Source: "jsearch", ExternalID: "race1", Title: "Engineer", Company: "Acme"}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Upsert(ctx, db, []domain.Posting{p})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	counts, err := CountBySource(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["jsearch"])
}

func TestDeactivateStaleRetentionWindow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := domain.Posting{Source: "jsearch", ExternalID: "old", Title: "Old Role", Company: "Acme", FetchedAt: now.AddDate(0, 0, -31)}
	fresh := domain.Posting{Source: "jsearch", ExternalID: "new", Title: "New Role", Company: "Acme", FetchedAt: now.AddDate(0, 0, -1)}
	_, err := Upsert(ctx, db, []domain.Posting{stale, fresh})
	require.NoError(t, err)

	n, err := DeactivateStale(ctx, db, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	active, err := List(ctx, db, ListOpts{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].ExternalID)

	// soft delete: the stale row is still there
	all, err := List(ctx, db, ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// running the sweep again touches nothing
	n, err = DeactivateStale(ctx, db, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestFallbackID(t *testing.T) {
	a := FallbackID("Software Engineer", "Acme", "Nairobi")
	b := FallbackID("  software engineer ", "ACME", "nairobi")
	c := FallbackID("Software Engineer", "Acme", "Mombasa")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40) // hex sha1
}

func TestListFilters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := Upsert(ctx, db, []domain.Posting{
		{Source: "jsearch", ExternalID: "1", Title: "A", Company: "X"},
		{Source: "boards", ExternalID: "2", Title: "B", Company: "Y"},
	})
	require.NoError(t, err)

	got, err := List(ctx, db, ListOpts{Source: "boards"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Title)

	counts, err := CountBySource(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"jsearch": 1, "boards": 1}, counts)
}
