package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
)

// Identity roles. At most one identity per scope holds RolePrimaryUser.
const (
	RolePrimaryUser     = "primary_user"
	RoleSecondaryPerson = "secondary_person"
	RoleUnknown         = "unknown"
)

// Collaborator relationship tiers.
const (
	TierUnknown      = "unknown"
	TierOccasional   = "occasional"
	TierFrequent     = "frequent"
	TierVeryFrequent = "very_frequent"
)

// Human feedback statuses.
const (
	RealPersonUnreviewed = ""
	RealPersonConfirmed  = "confirmed"
	RealPersonIncorrect  = "incorrect"
)

// ErrIdentityNotFound is returned by lock/get operations for missing rows.
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityMetadataVersion stamps the metadata document shape.
const IdentityMetadataVersion = 1

// MergeEntry records one merge folded into an identity.
type MergeEntry struct {
	SourceID   string    `json:"source_id"`
	FacesMoved int64     `json:"faces_moved"`
	MergedAt   time.Time `json:"merged_at"`
}

// FeedbackState tracks human corrections applied to an identity.
type FeedbackState struct {
	RealPersonStatus string     `json:"real_person_status,omitempty"`
	Version          int        `json:"version,omitempty"`
	LastAction       string     `json:"last_action,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// IdentityMetadata is the typed metadata document stored per identity.
type IdentityMetadata struct {
	SchemaVersion         int           `json:"schema_version"`
	RelationshipTier      string        `json:"relationship_tier,omitempty"`
	CoAppearances         int           `json:"co_appearances,omitempty"`
	ObservationSignatures []string      `json:"observation_signatures,omitempty"`
	MergeHistory          []MergeEntry  `json:"merge_history,omitempty"`
	Feedback              FeedbackState `json:"feedback"`
}

// IdentityRecord is a persistent cluster of face observations believed to be
// the same person. Embedding is either empty or unit-norm.
type IdentityRecord struct {
	ID              string
	ScopeID         string
	Role            string
	Label           string
	Embedding       []float32
	AppearanceCount int
	Matchable       bool
	FirstSeenAt     *time.Time
	LastSeenAt      *time.Time
	LinkedUsernames []string
	Metadata        IdentityMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BoundingBox locates a face within its source image.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FaceRecord is one detected face observation, belonging to exactly one
// content item, optionally linked to an identity.
type FaceRecord struct {
	ID         string
	ContentID  string
	ScopeID    string
	IdentityID string // empty when unlinked
	Bounds     BoundingBox
	Embedding  []float32
	Confidence float64
	Role       string
	Annotation string
	CreatedAt  time.Time
}

// dbtx abstracts *sql.DB and *sql.Tx for shared identity SQL.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const identityColumns = `id, scope_id, role, label, embedding::text, appearance_count, matchable,
first_seen_at, last_seen_at, linked_usernames, metadata, created_at, updated_at`

func scanIdentity(scan func(...interface{}) error) (IdentityRecord, error) {
	var (
		rec       IdentityRecord
		embedding sql.NullString
		first     sql.NullTime
		last      sql.NullTime
		usernames pq.StringArray
		metaBytes []byte
	)
	if err := scan(&rec.ID, &rec.ScopeID, &rec.Role, &rec.Label, &embedding,
		&rec.AppearanceCount, &rec.Matchable, &first, &last, &usernames,
		&metaBytes, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return IdentityRecord{}, err
	}
	if embedding.Valid {
		vec, err := decodeVectorLiteral(embedding.String)
		if err != nil {
			return IdentityRecord{}, err
		}
		rec.Embedding = vec
	}
	if first.Valid {
		rec.FirstSeenAt = &first.Time
	}
	if last.Valid {
		rec.LastSeenAt = &last.Time
	}
	rec.LinkedUsernames = []string(usernames)
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &rec.Metadata); err != nil {
			return IdentityRecord{}, fmt.Errorf("decode identity metadata: %w", err)
		}
	}
	if rec.Metadata.SchemaVersion == 0 {
		rec.Metadata.SchemaVersion = IdentityMetadataVersion
	}
	return rec, nil
}

func insertIdentity(ctx context.Context, q dbtx, rec IdentityRecord) error {
	if rec.ID == "" || rec.ScopeID == "" {
		return fmt.Errorf("identity id and scope_id required")
	}
	vec, err := nullableVector(rec.Embedding)
	if err != nil {
		return err
	}
	rec.Metadata.SchemaVersion = IdentityMetadataVersion
	metaBytes, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode identity metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO identities (id, scope_id, role, label, embedding, appearance_count, matchable,
  first_seen_at, last_seen_at, linked_usernames, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5::vector,$6,$7,$8,$9,$10,$11,NOW(),NOW())
`, rec.ID, rec.ScopeID, rec.Role, rec.Label, vec, rec.AppearanceCount, rec.Matchable,
		rec.FirstSeenAt, rec.LastSeenAt, stringArray(rec.LinkedUsernames), metaBytes)
	return err
}

func updateIdentity(ctx context.Context, q dbtx, rec IdentityRecord) error {
	vec, err := nullableVector(rec.Embedding)
	if err != nil {
		return err
	}
	rec.Metadata.SchemaVersion = IdentityMetadataVersion
	metaBytes, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode identity metadata: %w", err)
	}
	res, err := q.ExecContext(ctx, `
UPDATE identities SET role=$2, label=$3, embedding=$4::vector, appearance_count=$5, matchable=$6,
  first_seen_at=$7, last_seen_at=$8, linked_usernames=$9, metadata=$10, updated_at=NOW()
WHERE id=$1
`, rec.ID, rec.Role, rec.Label, vec, rec.AppearanceCount, rec.Matchable,
		rec.FirstSeenAt, rec.LastSeenAt, stringArray(rec.LinkedUsernames), metaBytes)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func (s *Store) InsertIdentity(ctx context.Context, rec IdentityRecord) error {
	return insertIdentity(ctx, s.DB, rec)
}

func (s *Store) GetIdentity(ctx context.Context, id string) (IdentityRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id=$1`, id)
	rec, err := scanIdentity(row.Scan)
	if err == sql.ErrNoRows {
		return IdentityRecord{}, false, nil
	}
	if err != nil {
		return IdentityRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) listIdentities(ctx context.Context, query string, args ...interface{}) ([]IdentityRecord, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IdentityRecord
	for rows.Next() {
		rec, err := scanIdentity(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListMatchableIdentities returns match candidates for a scope, closest
// first relative to the probe vector so the matcher can scan in order.
func (s *Store) ListMatchableIdentities(ctx context.Context, scopeID string, probe []float32) ([]IdentityRecord, error) {
	if len(probe) == 0 {
		return s.listIdentities(ctx, `
SELECT `+identityColumns+` FROM identities
WHERE scope_id=$1 AND matchable AND embedding IS NOT NULL`, scopeID)
	}
	lit, err := encodeVectorLiteral(probe)
	if err != nil {
		return nil, err
	}
	return s.listIdentities(ctx, `
SELECT `+identityColumns+` FROM identities
WHERE scope_id=$1 AND matchable AND embedding IS NOT NULL
ORDER BY embedding <=> $2::vector`, scopeID, lit)
}

func (s *Store) ListIdentitiesByScope(ctx context.Context, scopeID string) ([]IdentityRecord, error) {
	return s.listIdentities(ctx, `
SELECT `+identityColumns+` FROM identities WHERE scope_id=$1 ORDER BY appearance_count DESC`, scopeID)
}

// ListAliasedIdentities returns every identity that has at least one linked
// username, across all scopes. Used to seed the in-memory alias index.
func (s *Store) ListAliasedIdentities(ctx context.Context) ([]IdentityRecord, error) {
	return s.listIdentities(ctx, `
SELECT `+identityColumns+` FROM identities WHERE cardinality(linked_usernames) > 0`)
}

// GetIdentityByRole returns the first identity in scope holding a role.
func (s *Store) GetIdentityByRole(ctx context.Context, scopeID, role string) (IdentityRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE scope_id=$1 AND role=$2 LIMIT 1`, scopeID, role)
	rec, err := scanIdentity(row.Scan)
	if err == sql.ErrNoRows {
		return IdentityRecord{}, false, nil
	}
	if err != nil {
		return IdentityRecord{}, false, err
	}
	return rec, true, nil
}

// MutateIdentity applies fn to one identity under a row lock. The matcher's
// running-average fold happens here so two concurrent face jobs cannot
// interleave half-applied embedding updates.
func (s *Store) MutateIdentity(ctx context.Context, id string, fn func(*IdentityRecord) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id=$1 FOR UPDATE`, id)
	rec, err := scanIdentity(row.Scan)
	if err == sql.ErrNoRows {
		err = ErrIdentityNotFound
		return err
	}
	if err != nil {
		return err
	}
	if err = fn(&rec); err != nil {
		return err
	}
	err = updateIdentity(ctx, tx, rec)
	return err
}

// PromotePrimary makes the identity the scope's single primary_user,
// demoting every other primary in the same statement batch. Linked face
// roles are kept in sync.
func (s *Store) PromotePrimary(ctx context.Context, scopeID, identityID string) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
UPDATE detected_faces SET role=$3
WHERE identity_id IN (SELECT id FROM identities WHERE scope_id=$1 AND role=$2 AND id<>$4)
`, scopeID, RolePrimaryUser, RoleSecondaryPerson, identityID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE identities SET role=$3, updated_at=NOW()
WHERE scope_id=$1 AND role=$2 AND id<>$4
`, scopeID, RolePrimaryUser, RoleSecondaryPerson, identityID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE identities SET role=$2, updated_at=NOW() WHERE id=$1 AND scope_id=$3
`, identityID, RolePrimaryUser, scopeID)
	if err != nil {
		return err
	}
	if rows, rerr := res.RowsAffected(); rerr == nil && rows == 0 {
		err = ErrIdentityNotFound
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE detected_faces SET role=$2 WHERE identity_id=$1`, identityID, RolePrimaryUser)
	return err
}

func (s *Store) InsertDetectedFace(ctx context.Context, rec FaceRecord) error {
	if rec.ID == "" || rec.ContentID == "" {
		return fmt.Errorf("face id and content_id required")
	}
	vec, err := nullableVector(rec.Embedding)
	if err != nil {
		return err
	}
	bounds, err := json.Marshal(rec.Bounds)
	if err != nil {
		return err
	}
	var identityID interface{}
	if rec.IdentityID != "" {
		identityID = rec.IdentityID
	}
	if rec.Role == "" {
		rec.Role = RoleUnknown
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO detected_faces (id, content_id, scope_id, identity_id, bounding_box, embedding, confidence, role, annotation, created_at)
VALUES ($1,$2,$3,$4,$5,$6::vector,$7,$8,$9,NOW())
`, rec.ID, rec.ContentID, rec.ScopeID, identityID, bounds, vec, rec.Confidence, rec.Role, rec.Annotation)
	return err
}

// LinkFaceIdentity attaches a face to an identity, mirroring the role.
func (s *Store) LinkFaceIdentity(ctx context.Context, faceID, identityID, role string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE detected_faces SET identity_id=$2, role=$3 WHERE id=$1`, faceID, identityID, role)
	return err
}

const faceColumns = `id, content_id, scope_id, identity_id, bounding_box, embedding::text, confidence, role, annotation, created_at`

func scanFace(scan func(...interface{}) error) (FaceRecord, error) {
	var (
		rec       FaceRecord
		identity  sql.NullString
		bounds    []byte
		embedding sql.NullString
	)
	if err := scan(&rec.ID, &rec.ContentID, &rec.ScopeID, &identity, &bounds,
		&embedding, &rec.Confidence, &rec.Role, &rec.Annotation, &rec.CreatedAt); err != nil {
		return FaceRecord{}, err
	}
	if identity.Valid {
		rec.IdentityID = identity.String
	}
	if len(bounds) > 0 {
		if err := json.Unmarshal(bounds, &rec.Bounds); err != nil {
			return FaceRecord{}, fmt.Errorf("decode bounding box: %w", err)
		}
	}
	if embedding.Valid {
		vec, err := decodeVectorLiteral(embedding.String)
		if err != nil {
			return FaceRecord{}, err
		}
		rec.Embedding = vec
	}
	return rec, nil
}

func (s *Store) ListFacesByContent(ctx context.Context, contentID string) ([]FaceRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+faceColumns+` FROM detected_faces WHERE content_id=$1 ORDER BY created_at`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FaceRecord
	for rows.Next() {
		rec, err := scanFace(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FaceCounts aggregates face observations for a scope across both content
// kinds. Unknown counts unlinked faces.
type FaceCounts struct {
	ByIdentity map[string]int
	Unknown    int
	Total      int
}

func (s *Store) FaceCountsByScope(ctx context.Context, scopeID string) (FaceCounts, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT identity_id, COUNT(*) FROM detected_faces WHERE scope_id=$1 GROUP BY identity_id
`, scopeID)
	if err != nil {
		return FaceCounts{}, err
	}
	defer rows.Close()
	counts := FaceCounts{ByIdentity: map[string]int{}}
	for rows.Next() {
		var (
			identity sql.NullString
			n        int
		)
		if err := rows.Scan(&identity, &n); err != nil {
			return FaceCounts{}, err
		}
		counts.Total += n
		if identity.Valid {
			counts.ByIdentity[identity.String] = n
		} else {
			counts.Unknown += n
		}
	}
	return counts, rows.Err()
}

// ContentIdentityPair is one distinct (content, identity) co-occurrence row.
type ContentIdentityPair struct {
	ContentID  string
	IdentityID string
}

func (s *Store) ListContentIdentityPairs(ctx context.Context, scopeID string) ([]ContentIdentityPair, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT content_id, identity_id FROM detected_faces
WHERE scope_id=$1 AND identity_id IS NOT NULL
GROUP BY content_id, identity_id
`, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ContentIdentityPair
	for rows.Next() {
		var pair ContentIdentityPair
		if err := rows.Scan(&pair.ContentID, &pair.IdentityID); err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}

// ParticipantRecord is the per-content summary persisted by the resolver.
type ParticipantRecord struct {
	ContentID       string
	IdentityID      string
	Role            string
	Label           string
	Aliases         []string
	Relationship    string
	AppearanceCount int
}

func (s *Store) UpsertParticipant(ctx context.Context, rec ParticipantRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO content_participants (content_id, identity_id, role, label, aliases, relationship, appearance_count, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (content_id, identity_id) DO UPDATE SET
  role = EXCLUDED.role,
  label = EXCLUDED.label,
  aliases = EXCLUDED.aliases,
  relationship = EXCLUDED.relationship,
  appearance_count = EXCLUDED.appearance_count,
  updated_at = NOW();
`, rec.ContentID, rec.IdentityID, rec.Role, rec.Label, stringArray(rec.Aliases),
		rec.Relationship, rec.AppearanceCount)
	return err
}

// ScopeAggregateRecord is the profile-level identity summary.
type ScopeAggregateRecord struct {
	ScopeID           string
	PrimaryIdentityID string
	IdentityCount     int
	TotalFaces        int
	Collaborators     json.RawMessage
	Narrative         string
}

func (s *Store) UpsertScopeAggregate(ctx context.Context, rec ScopeAggregateRecord) error {
	var primary interface{}
	if rec.PrimaryIdentityID != "" {
		primary = rec.PrimaryIdentityID
	}
	collab := rec.Collaborators
	if collab == nil {
		collab = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO scope_aggregates (scope_id, primary_identity_id, identity_count, total_faces, collaborators, narrative, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (scope_id) DO UPDATE SET
  primary_identity_id = EXCLUDED.primary_identity_id,
  identity_count = EXCLUDED.identity_count,
  total_faces = EXCLUDED.total_faces,
  collaborators = EXCLUDED.collaborators,
  narrative = EXCLUDED.narrative,
  updated_at = NOW();
`, rec.ScopeID, primary, rec.IdentityCount, rec.TotalFaces, []byte(collab), rec.Narrative)
	return err
}

// IdentityTx is a transaction scoped to human-feedback mutations. Every
// identity it touches is locked before any write so concurrent matcher folds
// and sibling feedback calls serialize; no partial mutation is visible.
type IdentityTx struct {
	tx   *sql.Tx
	done bool
}

// BeginIdentityTx opens a feedback transaction and locks the given
// identities in sorted order to avoid lock-order deadlocks.
func (s *Store) BeginIdentityTx(ctx context.Context, ids ...string) (*IdentityTx, map[string]IdentityRecord, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	locked := make(map[string]IdentityRecord, len(sorted))
	for _, id := range sorted {
		row := tx.QueryRowContext(ctx,
			`SELECT `+identityColumns+` FROM identities WHERE id=$1 FOR UPDATE`, id)
		rec, err := scanIdentity(row.Scan)
		if err == sql.ErrNoRows {
			_ = tx.Rollback()
			return nil, nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
		}
		if err != nil {
			_ = tx.Rollback()
			return nil, nil, err
		}
		locked[id] = rec
	}
	return &IdentityTx{tx: tx}, locked, nil
}

func (t *IdentityTx) UpdateIdentity(ctx context.Context, rec IdentityRecord) error {
	return updateIdentity(ctx, t.tx, rec)
}

func (t *IdentityTx) InsertIdentity(ctx context.Context, rec IdentityRecord) error {
	return insertIdentity(ctx, t.tx, rec)
}

// RelinkFaces moves every face from one identity to another.
func (t *IdentityTx) RelinkFaces(ctx context.Context, fromID, toID, role string) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE detected_faces SET identity_id=$2, role=$3 WHERE identity_id=$1`, fromID, toID, role)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AnnotateFaces stamps every face linked to the identity.
func (t *IdentityTx) AnnotateFaces(ctx context.Context, identityID, annotation, role string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE detected_faces SET annotation=$2, role=$3 WHERE identity_id=$1`, identityID, annotation, role)
	return err
}

// SetFaceRoles mirrors a role change onto the identity's linked faces.
func (t *IdentityTx) SetFaceRoles(ctx context.Context, identityID, role string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE detected_faces SET role=$2 WHERE identity_id=$1`, identityID, role)
	return err
}

// GetFace loads one face row within the transaction.
func (t *IdentityTx) GetFace(ctx context.Context, faceID string) (FaceRecord, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+faceColumns+` FROM detected_faces WHERE id=$1 FOR UPDATE`, faceID)
	rec, err := scanFace(row.Scan)
	if err == sql.ErrNoRows {
		return FaceRecord{}, fmt.Errorf("face %s not found", faceID)
	}
	return rec, err
}

// DetachFace re-links one face to a different identity.
func (t *IdentityTx) DetachFace(ctx context.Context, faceID, newIdentityID, role string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE detected_faces SET identity_id=$2, role=$3 WHERE id=$1`, faceID, newIdentityID, role)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("face %s not found", faceID)
	}
	return nil
}

// CountLinkedFaces counts faces still linked to the identity.
func (t *IdentityTx) CountLinkedFaces(ctx context.Context, identityID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detected_faces WHERE identity_id=$1`, identityID).Scan(&n)
	return n, err
}

// DemotePrimaries demotes every primary identity in scope except the given one.
func (t *IdentityTx) DemotePrimaries(ctx context.Context, scopeID, exceptID string) error {
	if _, err := t.tx.ExecContext(ctx, `
UPDATE detected_faces SET role=$3
WHERE identity_id IN (SELECT id FROM identities WHERE scope_id=$1 AND role=$2 AND id<>$4)
`, scopeID, RolePrimaryUser, RoleSecondaryPerson, exceptID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
UPDATE identities SET role=$3, updated_at=NOW()
WHERE scope_id=$1 AND role=$2 AND id<>$4
`, scopeID, RolePrimaryUser, RoleSecondaryPerson, exceptID)
	return err
}

func (t *IdentityTx) Commit() error {
	t.done = true
	return t.tx.Commit()
}

func (t *IdentityTx) Rollback() error {
	if t.done {
		return nil
	}
	return t.tx.Rollback()
}
