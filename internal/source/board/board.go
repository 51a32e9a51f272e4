// Package board walks HTML career boards (boards.greenhouse.io style)
// and extracts postings from the job anchors.
package board

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"jobfeed/internal/domain"
	"jobfeed/internal/source"
)

const userAgent = "jobfeed/1.0 (+local)"

type Board struct {
	Company string `yaml:"company"`
	URL     string `yaml:"url"` // board index page
}

type Config struct {
	Name   string // source name stored on postings, e.g. "boards"
	Boards []Board
}

type Scraper struct {
	cfg     Config
	hc      *http.Client
	limiter *source.HostLimiter
}

func New(cfg Config, limiter *source.HostLimiter) *Scraper {
	return &Scraper{
		cfg:     cfg,
		hc:      &http.Client{Timeout: 20 * time.Second},
		limiter: limiter,
	}
}

func (s *Scraper) Name() string { return s.cfg.Name }

// FetchPage walks every configured board once. Boards have no
// continuation, so the returned token is always empty. One board being
// down doesn't fail the page as long as at least one board answered.
func (s *Scraper) FetchPage(ctx context.Context, q source.Query, pageToken string) (source.Page, error) {
	if pageToken != "" {
		return source.Page{}, nil
	}

	var out []domain.Posting
	var lastErr error
	fetched := 0

	for _, b := range s.cfg.Boards {
		jobs, err := s.fetchBoard(ctx, b, q)
		if err != nil {
			lastErr = err
			continue
		}
		fetched++
		out = append(out, jobs...)
	}

	if fetched == 0 && lastErr != nil {
		return source.Page{}, lastErr
	}
	return source.Page{Postings: out}, nil
}

func (s *Scraper) fetchBoard(ctx context.Context, b Board, q source.Query) ([]domain.Posting, error) {
	if err := s.limiter.WaitURL(ctx, b.URL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s board %s: %v: %w", s.cfg.Name, b.Company, err, domain.ErrSourceUnavailable)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("%s board %s status %d: %w", s.cfg.Name, b.Company, res.StatusCode, domain.ErrSourceUnavailable)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, &domain.FormatError{Source: s.cfg.Name, Sample: b.URL, Err: err}
	}

	now := time.Now().UTC()
	seen := map[string]bool{}
	var jobs []domain.Posting

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if !strings.Contains(strings.ToLower(href), "/jobs/") {
			return
		}

		abs := href
		if strings.HasPrefix(href, "/") {
			abs = baseOf(b.URL) + href
		}
		jobID := extractJobID(abs)
		if jobID == "" || seen[jobID] {
			return
		}
		seen[jobID] = true

		title := cleanText(a.Text())
		if title == "" || looksLikeJunkTitle(title) {
			return
		}
		if q.Text != "" && !strings.Contains(strings.ToLower(title), strings.ToLower(q.Text)) {
			return
		}

		loc := cleanText(a.Parent().Find(".location").First().Text())

		jobs = append(jobs, domain.Posting{
			Source:     s.cfg.Name,
			ExternalID: fmt.Sprintf("%s:%s", slugOf(b.URL), jobID),
			Title:      title,
			Company:    b.Company,
			Location:   loc,
			URL:        abs,
			Active:     true,
			FetchedAt:  now,
		})
	})

	// Pull descriptions off each posting page; a failed hydrate keeps the
	// minimal entry.
	for i := range jobs {
		_ = s.hydrate(ctx, &jobs[i])
	}

	return jobs, nil
}

func (s *Scraper) hydrate(ctx context.Context, p *domain.Posting) error {
	if err := s.limiter.WaitURL(ctx, p.URL); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("posting page status %d", res.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return err
	}

	if p.Location == "" {
		p.Location = cleanText(doc.Find(".location").First().Text())
	}
	if sel := doc.Find("#content").First(); sel.Length() > 0 {
		if h, err := sel.Html(); err == nil {
			p.Description = h
		}
	}
	return nil
}

func baseOf(raw string) string {
	// scheme://host, dropping the path
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw
	}
	rest := raw[i+3:]
	if j := strings.Index(rest, "/"); j >= 0 {
		return raw[:i+3+j]
	}
	return raw
}

func slugOf(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw
	}
	rest := strings.Trim(raw[i+3:], "/")
	parts := strings.Split(rest, "/")
	return parts[len(parts)-1]
}

func extractJobID(u string) string {
	parts := strings.Split(u, "/jobs/")
	if len(parts) < 2 {
		return ""
	}
	id := ""
	for _, r := range parts[1] {
		if r >= '0' && r <= '9' {
			id += string(r)
		} else {
			break
		}
	}
	return id
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

func looksLikeJunkTitle(t string) bool {
	l := strings.ToLower(t)
	return l == "apply" || strings.HasPrefix(l, "view ") || strings.HasPrefix(l, "apply ")
}
