package feedapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobfeed/internal/domain"
	"jobfeed/internal/source"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		Name:    "jsearch",
		BaseURL: srv.URL + "/search",
		APIKey:  "test-key",
		APIHost: "jsearch.example.com",
	}, nil)
}

func TestFetchPagePagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-rapidapi-key"))
		assert.Equal(t, "jsearch.example.com", r.Header.Get("x-rapidapi-host"))
		assert.Equal(t, "software engineer", r.URL.Query().Get("query"))
		assert.Equal(t, "Nairobi, Kenya", r.URL.Query().Get("location"))
		assert.Equal(t, "25", r.URL.Query().Get("page_size"))

		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"data":[{"job_id":"a1","job_title":"Software Engineer","employer_name":"Acme","job_city":"Nairobi","job_country":"Kenya","job_min_salary":50000,"job_max_salary":90000,"job_salary_currency":"KES","job_employment_type":"FULLTIME","job_apply_link":"https://acme.example/jobs/a1"}],"has_more":true}`)
		case "2":
			fmt.Fprint(w, `{"data":[{"job_id":"a2","job_title":"Platform Engineer","employer_name":"Acme"}],"has_more":false}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})

	q := source.Query{Text: "software engineer", Location: "Nairobi, Kenya", PageSize: 25}

	p1, err := c.FetchPage(context.Background(), q, "")
	require.NoError(t, err)
	require.Len(t, p1.Postings, 1)
	assert.Equal(t, "2", p1.NextToken)

	got := p1.Postings[0]
	assert.Equal(t, "jsearch", got.Source)
	assert.Equal(t, "a1", got.ExternalID)
	assert.Equal(t, "Software Engineer", got.Title)
	assert.Equal(t, "Acme", got.Company)
	assert.Equal(t, "Nairobi, Kenya", got.Location)
	assert.Equal(t, int64(50000), got.SalaryMin)
	assert.Equal(t, int64(90000), got.SalaryMax)
	assert.Equal(t, "full-time", got.EmploymentType)
	assert.True(t, got.Active)
	assert.False(t, got.FetchedAt.IsZero())

	p2, err := c.FetchPage(context.Background(), q, p1.NextToken)
	require.NoError(t, err)
	require.Len(t, p2.Postings, 1)
	assert.Empty(t, p2.NextToken, "has_more=false ends pagination")
}

func TestFetchPageSkipsUntitledRows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"job_id":"a1","job_title":"  "},{"job_id":"a2","job_title":"Real Job","employer_name":"Acme"}],"has_more":false}`)
	})

	p, err := c.FetchPage(context.Background(), source.Query{Text: "x"}, "")
	require.NoError(t, err)
	require.Len(t, p.Postings, 1)
	assert.Equal(t, "Real Job", p.Postings[0].Title)
}

func TestFetchPageRemoteLocation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"job_id":"a1","job_title":"Engineer","job_city":"Austin","job_country":"USA","job_is_remote":true}],"has_more":false}`)
	})

	p, err := c.FetchPage(context.Background(), source.Query{Text: "x"}, "")
	require.NoError(t, err)
	require.Len(t, p.Postings, 1)
	assert.Equal(t, "Remote, Austin, USA", p.Postings[0].Location)
}

func TestFetchPageServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream quota exceeded", http.StatusServiceUnavailable)
	})

	_, err := c.FetchPage(context.Background(), source.Query{Text: "x"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.True(t, domain.Retryable(err))
}

func TestFetchPageUnreachableHostIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // nothing listens here anymore

	c := New(Config{Name: "jsearch", BaseURL: url + "/search"}, nil)
	_, err := c.FetchPage(context.Background(), source.Query{Text: "x"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestFetchPageMalformedBodyIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance page</html>`)
	})

	_, err := c.FetchPage(context.Background(), source.Query{Text: "x"}, "")
	require.Error(t, err)

	var fe *domain.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "jsearch", fe.Source)
	assert.Contains(t, fe.Sample, "maintenance page")
	assert.False(t, domain.Retryable(err))
}

func TestFetchPageBadTokenIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})

	// tokens come from our own previous responses: a bad one is a bug
	// signal, not something worth retrying
	for _, token := range []string{"zero", "0", "-1"} {
		_, err := c.FetchPage(context.Background(), source.Query{Text: "x"}, token)
		require.Error(t, err)
		var fe *domain.FormatError
		require.ErrorAs(t, err, &fe, "token %q", token)
		assert.False(t, domain.Retryable(err))
	}
}

func TestNormalizeEmployment(t *testing.T) {
	assert.Equal(t, "full-time", normalizeEmployment("FULLTIME"))
	assert.Equal(t, "full-time", normalizeEmployment("full_time"))
	assert.Equal(t, "part-time", normalizeEmployment("Part-Time"))
	assert.Equal(t, "contract", normalizeEmployment("CONTRACTOR"))
	assert.Equal(t, "internship", normalizeEmployment("INTERN"))
	assert.Equal(t, "", normalizeEmployment(" "))
	assert.Equal(t, "seasonal", normalizeEmployment("Seasonal"))
}
