package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"jobfeed/internal/domain"
)

func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	if err := tx.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return err
	}
	if v >= 1 {
		return tx.Commit()
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS postings (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  source TEXT NOT NULL,
  external_id TEXT NOT NULL,
  title TEXT NOT NULL,
  company TEXT NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  salary_min INTEGER NOT NULL DEFAULT 0,
  salary_max INTEGER NOT NULL DEFAULT 0,
  salary_currency TEXT NOT NULL DEFAULT '',
  employment_type TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  url TEXT NOT NULL DEFAULT '',
  active INTEGER NOT NULL DEFAULT 1,
  first_seen_at TEXT NOT NULL,
  fetched_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE UNIQUE INDEX IF NOT EXISTS idx_postings_identity
ON postings(source, external_id);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_postings_fetched
ON postings(active, fetched_at);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1;`); err != nil {
		return err
	}

	return tx.Commit()
}

// Fixed-width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FallbackID derives a stable identity for sources that expose no posting
// id of their own: lowercase title::company::location hashed.
func FallbackID(title, company, location string) string {
	key := strings.ToLower(strings.TrimSpace(title)) + "::" +
		strings.ToLower(strings.TrimSpace(company)) + "::" +
		strings.ToLower(strings.TrimSpace(location))
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// UpsertResult is what one batch did to storage.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// Upsert merges a batch of fetched postings. Each posting is a single
// atomic INSERT ... ON CONFLICT DO UPDATE keyed by (source, external_id):
// first_seen_at survives, mutable fields and fetched_at are refreshed, and
// a previously deactivated posting that shows up again comes back active.
// Two workers hitting the same identity cannot duplicate a row; the later
// write wins.
func Upsert(ctx context.Context, db *sql.DB, batch []domain.Posting) (UpsertResult, error) {
	var res UpsertResult
	now := time.Now().UTC().Format(timeLayout)

	// Collapse same-identity duplicates within the batch, later wins. The
	// insert/update discriminator below compares timestamps, and a
	// duplicate written twice in the same instant would count as two
	// inserts.
	byIdentity := make(map[string]int, len(batch))
	deduped := make([]domain.Posting, 0, len(batch))
	for _, p := range batch {
		if p.ExternalID == "" {
			p.ExternalID = FallbackID(p.Title, p.Company, p.Location)
		}
		key := p.Source + "\x00" + p.ExternalID
		if i, ok := byIdentity[key]; ok {
			deduped[i] = p
			continue
		}
		byIdentity[key] = len(deduped)
		deduped = append(deduped, p)
	}

	for _, p := range deduped {
		if p.Source == "" {
			return res, fmt.Errorf("upsert: posting %q has no source", p.Title)
		}
		fetched := now
		if !p.FetchedAt.IsZero() {
			fetched = p.FetchedAt.UTC().Format(timeLayout)
		}

		row := db.QueryRowContext(ctx, `
INSERT INTO postings (source, external_id, title, company, location,
  salary_min, salary_max, salary_currency, employment_type, description,
  url, active, first_seen_at, fetched_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,1,?,?)
ON CONFLICT(source, external_id) DO UPDATE SET
  title=excluded.title,
  company=excluded.company,
  location=excluded.location,
  salary_min=excluded.salary_min,
  salary_max=excluded.salary_max,
  salary_currency=excluded.salary_currency,
  employment_type=excluded.employment_type,
  description=excluded.description,
  url=excluded.url,
  active=1,
  fetched_at=excluded.fetched_at
RETURNING first_seen_at = fetched_at`,
			p.Source, p.ExternalID, p.Title, p.Company, p.Location,
			p.SalaryMin, p.SalaryMax, p.SalaryCurrency, p.EmploymentType, p.Description,
			p.URL, fetched, fetched)

		var freshInsert bool
		if err := row.Scan(&freshInsert); err != nil {
			return res, fmt.Errorf("upsert %s/%s: %w", p.Source, p.ExternalID, err)
		}
		if freshInsert {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

// DeactivateStale soft-deletes active postings not refreshed since the
// cutoff. Rows stay around so anything referencing them keeps resolving.
func DeactivateStale(ctx context.Context, db *sql.DB, olderThan time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
UPDATE postings SET active=0
WHERE active=1 AND fetched_at < ?`, olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("deactivate stale: %w", err)
	}
	return res.RowsAffected()
}

type ListOpts struct {
	Source     string
	ActiveOnly bool
	Limit      int
}

func List(ctx context.Context, db *sql.DB, opts ListOpts) ([]domain.Posting, error) {
	if opts.Limit <= 0 || opts.Limit > 2000 {
		opts.Limit = 200
	}

	where := []string{"1=1"}
	var args []any
	if opts.Source != "" {
		where = append(where, "source = ?")
		args = append(args, opts.Source)
	}
	if opts.ActiveOnly {
		where = append(where, "active = 1")
	}
	args = append(args, opts.Limit)

	query := fmt.Sprintf(`
SELECT id, source, external_id, title, company, location,
  salary_min, salary_max, salary_currency, employment_type, description,
  url, active, first_seen_at, fetched_at
FROM postings
WHERE %s
ORDER BY fetched_at DESC
LIMIT ?`, strings.Join(where, " AND "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Posting
	for rows.Next() {
		var p domain.Posting
		var firstSeen, fetched string
		if err := rows.Scan(
			&p.ID, &p.Source, &p.ExternalID, &p.Title, &p.Company, &p.Location,
			&p.SalaryMin, &p.SalaryMax, &p.SalaryCurrency, &p.EmploymentType, &p.Description,
			&p.URL, &p.Active, &firstSeen, &fetched,
		); err != nil {
			return nil, err
		}
		p.FirstSeenAt, _ = time.Parse(time.RFC3339Nano, firstSeen)
		p.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetched)
		out = append(out, p)
	}
	return out, rows.Err()
}

func CountBySource(ctx context.Context, db *sql.DB) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT source, COUNT(*) FROM postings GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[src] = n
	}
	return out, rows.Err()
}
