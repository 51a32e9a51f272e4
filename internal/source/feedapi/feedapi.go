// Package feedapi fetches postings from a hosted job-search API
// (RapidAPI-style: key and host sent as headers, page-numbered results).
package feedapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jobfeed/internal/domain"
	"jobfeed/internal/source"
)

const sampleLimit = 512

type Config struct {
	Name    string // source name stored on postings, e.g. "jsearch"
	BaseURL string // https://<host>/search
	APIKey  string
	APIHost string // x-rapidapi-host header value
}

type Client struct {
	cfg     Config
	hc      *http.Client
	limiter *source.HostLimiter
}

func New(cfg Config, limiter *source.HostLimiter) *Client {
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: 20 * time.Second},
		limiter: limiter,
	}
}

func (c *Client) Name() string { return c.cfg.Name }

type searchResponse struct {
	Data []struct {
		JobID          string  `json:"job_id"`
		Title          string  `json:"job_title"`
		Employer       string  `json:"employer_name"`
		City           string  `json:"job_city"`
		Country        string  `json:"job_country"`
		IsRemote       bool    `json:"job_is_remote"`
		MinSalary      float64 `json:"job_min_salary"`
		MaxSalary      float64 `json:"job_max_salary"`
		SalaryCurrency string  `json:"job_salary_currency"`
		EmploymentType string  `json:"job_employment_type"`
		Description    string  `json:"job_description"`
		ApplyLink      string  `json:"job_apply_link"`
	} `json:"data"`
	HasMore bool `json:"has_more"`
}

// FetchPage runs one search page. The page token is the 1-based page
// number; empty means first page, and an empty returned token means
// end-of-results.
func (c *Client) FetchPage(ctx context.Context, q source.Query, pageToken string) (source.Page, error) {
	page := 1
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 1 {
			// tokens only ever come from our own previous response, so a bad
			// one is a bug, not a transient condition
			return source.Page{}, &domain.FormatError{
				Source: c.cfg.Name,
				Sample: pageToken,
				Err:    fmt.Errorf("bad page token"),
			}
		}
		page = n
	}
	size := q.PageSize
	if size <= 0 {
		size = 50
	}

	v := url.Values{}
	v.Set("query", q.Text)
	if q.Location != "" {
		v.Set("location", q.Location)
	}
	v.Set("page", strconv.Itoa(page))
	v.Set("page_size", strconv.Itoa(size))
	reqURL := c.cfg.BaseURL + "?" + v.Encode()

	if err := c.limiter.WaitURL(ctx, reqURL); err != nil {
		return source.Page{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return source.Page{}, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-rapidapi-key", c.cfg.APIKey)
	}
	if c.cfg.APIHost != "" {
		req.Header.Set("x-rapidapi-host", c.cfg.APIHost)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return source.Page{}, fmt.Errorf("%s get: %v: %w", c.cfg.Name, err, domain.ErrSourceUnavailable)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return source.Page{}, fmt.Errorf("%s status %d: %w", c.cfg.Name, res.StatusCode, domain.ErrSourceUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return source.Page{}, fmt.Errorf("%s read: %v: %w", c.cfg.Name, err, domain.ErrSourceUnavailable)
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return source.Page{}, &domain.FormatError{
			Source: c.cfg.Name,
			Sample: sample(body),
			Err:    err,
		}
	}

	now := time.Now().UTC()
	out := make([]domain.Posting, 0, len(sr.Data))
	for _, d := range sr.Data {
		title := strings.TrimSpace(d.Title)
		if title == "" {
			continue
		}
		loc := joinLocation(d.City, d.Country)
		if d.IsRemote {
			loc = joinLocation("Remote", loc)
		}
		out = append(out, domain.Posting{
			Source:         c.cfg.Name,
			ExternalID:     d.JobID,
			Title:          title,
			Company:        strings.TrimSpace(d.Employer),
			Location:       loc,
			SalaryMin:      int64(d.MinSalary),
			SalaryMax:      int64(d.MaxSalary),
			SalaryCurrency: d.SalaryCurrency,
			EmploymentType: normalizeEmployment(d.EmploymentType),
			Description:    d.Description,
			URL:            d.ApplyLink,
			Active:         true,
			FetchedAt:      now,
		})
	}

	next := ""
	if sr.HasMore {
		next = strconv.Itoa(page + 1)
	}
	return source.Page{Postings: out, NextToken: next}, nil
}

func joinLocation(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

func normalizeEmployment(t string) string {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "FULLTIME", "FULL-TIME", "FULL_TIME":
		return "full-time"
	case "PARTTIME", "PART-TIME", "PART_TIME":
		return "part-time"
	case "CONTRACTOR", "CONTRACT":
		return "contract"
	case "INTERN", "INTERNSHIP":
		return "internship"
	case "":
		return ""
	default:
		return strings.ToLower(t)
	}
}

func sample(b []byte) string {
	if len(b) > sampleLimit {
		b = b[:sampleLimit]
	}
	return string(b)
}
