package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store wraps the Postgres connection. The durable rows it manages are the
// only synchronization surface shared by step workers, the finalizer and the
// scheduler.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Content item kinds.
const (
	ContentKindPost  = "post"
	ContentKindStory = "story"
)

// ContentItem is one ingested piece of social-media content.
type ContentItem struct {
	ID              string
	ScopeID         string
	Kind            string
	MediaURL        string
	Permalink       string
	Caption         string
	Status          string
	IdentitySummary string
	PostedAt        *time.Time
	CreatedAt       time.Time
}

// ProfileScope is one monitored profile; every identity and content item
// belongs to exactly one scope.
type ProfileScope struct {
	ID         string
	Username   string
	ScanCron   string
	LastScanAt *time.Time
	CreatedAt  time.Time
}

// IngestEvent records ingestion work that has not yet opened a pipeline run.
// The sequential processing gate counts pending events per scope.
type IngestEvent struct {
	ID        int64
	ScopeID   string
	Kind      string
	Status    string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Ingest event statuses.
const (
	IngestPending   = "pending"
	IngestProcessed = "processed"
)

func (s *Store) InsertContentItem(ctx context.Context, rec ContentItem) error {
	if rec.ID == "" || rec.ScopeID == "" {
		return fmt.Errorf("content id and scope_id required")
	}
	if rec.Status == "" {
		rec.Status = "pending"
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO content_items (id, scope_id, kind, media_url, permalink, caption, status, posted_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (id) DO NOTHING;
`, rec.ID, rec.ScopeID, rec.Kind, rec.MediaURL, rec.Permalink, rec.Caption, rec.Status, rec.PostedAt)
	return err
}

func (s *Store) GetContentItem(ctx context.Context, id string) (ContentItem, bool, error) {
	var (
		rec      ContentItem
		postedAt sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, scope_id, kind, media_url, permalink, caption, status, identity_summary, posted_at, created_at
FROM content_items WHERE id=$1
`, id).Scan(&rec.ID, &rec.ScopeID, &rec.Kind, &rec.MediaURL, &rec.Permalink, &rec.Caption,
		&rec.Status, &rec.IdentitySummary, &postedAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return ContentItem{}, false, nil
	}
	if err != nil {
		return ContentItem{}, false, err
	}
	if postedAt.Valid {
		rec.PostedAt = &postedAt.Time
	}
	return rec, true, nil
}

// SetContentIdentitySummary stores the human-readable participant narrative.
func (s *Store) SetContentIdentitySummary(ctx context.Context, contentID, summary string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE content_items SET identity_summary=$2 WHERE id=$1`, contentID, summary)
	return err
}

func (s *Store) ListProfileScopes(ctx context.Context) ([]ProfileScope, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, username, scan_cron, last_scan_at, created_at FROM profile_scopes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProfileScope
	for rows.Next() {
		var (
			rec  ProfileScope
			last sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.ScanCron, &last, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			rec.LastScanAt = &last.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetProfileScope(ctx context.Context, id string) (ProfileScope, bool, error) {
	var (
		rec  ProfileScope
		last sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, scan_cron, last_scan_at, created_at FROM profile_scopes WHERE id=$1`, id).
		Scan(&rec.ID, &rec.Username, &rec.ScanCron, &last, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return ProfileScope{}, false, nil
	}
	if err != nil {
		return ProfileScope{}, false, err
	}
	if last.Valid {
		rec.LastScanAt = &last.Time
	}
	return rec, true, nil
}

func (s *Store) MarkProfileScanned(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE profile_scopes SET last_scan_at=$2 WHERE id=$1`, id, at)
	return err
}

// InsertIngestEvent records discovered work before a run is opened for it.
func (s *Store) InsertIngestEvent(ctx context.Context, scopeID, kind string, payload json.RawMessage) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO ingest_events (scope_id, kind, status, payload, created_at)
VALUES ($1,$2,$3,$4,NOW())
RETURNING id
`, scopeID, kind, IngestPending, []byte(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert ingest event: %w", err)
	}
	return id, nil
}

// MarkIngestEventProcessed closes an ingest event once its run is open.
func (s *Store) MarkIngestEventProcessed(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE ingest_events SET status=$2 WHERE id=$1`, id, IngestProcessed)
	return err
}

// CountPendingIngestEvents feeds the sequential processing gate.
func (s *Store) CountPendingIngestEvents(ctx context.Context, scopeID string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingest_events WHERE scope_id=$1 AND status=$2`,
		scopeID, IngestPending).Scan(&n)
	return n, err
}

// encodeVectorLiteral renders a pgvector text literal.
func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, nil
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

// nullableVector renders a vector literal or NULL for empty vectors.
func nullableVector(vec []float32) (interface{}, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	lit, err := encodeVectorLiteral(vec)
	if err != nil {
		return nil, err
	}
	return lit, nil
}

// stringArray adapts a []string for a text[] column, never nil.
func stringArray(values []string) interface{} {
	if values == nil {
		values = []string{}
	}
	return pq.Array(values)
}
