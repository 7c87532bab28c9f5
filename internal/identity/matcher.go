package identity

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/store"
)

// MatcherStore is the identity persistence surface the matcher needs.
type MatcherStore interface {
	ListMatchableIdentities(ctx context.Context, scopeID string, probe []float32) ([]store.IdentityRecord, error)
	GetIdentityByRole(ctx context.Context, scopeID, role string) (store.IdentityRecord, bool, error)
	InsertIdentity(ctx context.Context, rec store.IdentityRecord) error
	MutateIdentity(ctx context.Context, id string, fn func(*store.IdentityRecord) error) error
}

// Match is the outcome of one match-or-create call.
type Match struct {
	IdentityID string
	Role       string
	Matched    bool
	Similarity float64
	// Duplicate is true when the observation signature was already recorded,
	// so only the seen timestamps were touched.
	Duplicate bool
}

// Matcher clusters face embeddings into identities per profile scope by
// cosine similarity against each identity's canonical embedding.
type Matcher struct {
	store  MatcherStore
	cfg    config.IdentityConfig
	logger *log.Logger
}

func NewMatcher(st MatcherStore, cfg config.IdentityConfig, logger *log.Logger) *Matcher {
	return &Matcher{store: st, cfg: cfg, logger: logger}
}

// MatchOrCreate matches the embedding against every matchable identity in
// scope and folds it into the best candidate above the similarity threshold,
// or creates a fresh secondary identity when nothing is close enough. The
// fold happens under the identity's row lock, so concurrent face jobs
// serialize their running-average updates.
func (m *Matcher) MatchOrCreate(ctx context.Context, scopeID string, embedding []float32, observedAt time.Time, signature string) (Match, error) {
	probe, err := Normalize(embedding)
	if err != nil {
		return Match{}, fmt.Errorf("normalize embedding: %w", err)
	}
	if m.cfg.EmbeddingDimensions > 0 && len(probe) != m.cfg.EmbeddingDimensions {
		return Match{}, fmt.Errorf("embedding has %d dimensions, expected %d", len(probe), m.cfg.EmbeddingDimensions)
	}

	candidates, err := m.store.ListMatchableIdentities(ctx, scopeID, probe)
	if err != nil {
		return Match{}, fmt.Errorf("list candidates: %w", err)
	}

	var (
		bestID  string
		bestSim float64 = -1
	)
	for _, cand := range candidates {
		if sim := Cosine(probe, cand.Embedding); sim > bestSim {
			bestID, bestSim = cand.ID, sim
		}
	}

	if bestID != "" && bestSim >= m.cfg.SimilarityThreshold {
		match := Match{IdentityID: bestID, Matched: true, Similarity: bestSim}
		err := m.store.MutateIdentity(ctx, bestID, func(rec *store.IdentityRecord) error {
			match.Role = rec.Role
			touchSeen(rec, observedAt)
			if signature != "" && containsString(rec.Metadata.ObservationSignatures, signature) {
				match.Duplicate = true
				return nil
			}
			folded, err := Fold(rec.Embedding, rec.AppearanceCount, probe, 1)
			if err != nil {
				return err
			}
			rec.Embedding = folded
			rec.AppearanceCount++
			if signature != "" {
				rec.Metadata.ObservationSignatures = appendCapped(
					rec.Metadata.ObservationSignatures, signature, m.cfg.MaxSignatureHistory)
			}
			return nil
		})
		if err != nil {
			return Match{}, fmt.Errorf("fold into identity %s: %w", bestID, err)
		}
		return match, nil
	}

	seen := observedAt
	rec := store.IdentityRecord{
		ID:              uuid.NewString(),
		ScopeID:         scopeID,
		Role:            store.RoleSecondaryPerson,
		Embedding:       probe,
		AppearanceCount: 1,
		Matchable:       true,
		FirstSeenAt:     &seen,
		LastSeenAt:      &seen,
	}
	if signature != "" {
		rec.Metadata.ObservationSignatures = []string{signature}
	}
	if err := m.store.InsertIdentity(ctx, rec); err != nil {
		return Match{}, fmt.Errorf("create identity: %w", err)
	}
	m.logger.Printf("created identity %s in scope %s (best similarity %.3f)", rec.ID, scopeID, bestSim)
	return Match{IdentityID: rec.ID, Role: rec.Role, Similarity: bestSim}, nil
}

// UpsertPrimaryPerson seeds or refreshes the scope's primary identity from an
// authoritative owner embedding, bypassing similarity matching.
func (m *Matcher) UpsertPrimaryPerson(ctx context.Context, scopeID string, embedding []float32, label string) (string, error) {
	probe, err := Normalize(embedding)
	if err != nil {
		return "", fmt.Errorf("normalize owner embedding: %w", err)
	}

	existing, ok, err := m.store.GetIdentityByRole(ctx, scopeID, store.RolePrimaryUser)
	if err != nil {
		return "", fmt.Errorf("load primary identity: %w", err)
	}
	now := time.Now().UTC()
	if ok {
		err := m.store.MutateIdentity(ctx, existing.ID, func(rec *store.IdentityRecord) error {
			rec.Embedding = probe
			rec.Matchable = true
			if label != "" {
				rec.Label = label
			}
			touchSeen(rec, now)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("refresh primary identity: %w", err)
		}
		return existing.ID, nil
	}

	rec := store.IdentityRecord{
		ID:              uuid.NewString(),
		ScopeID:         scopeID,
		Role:            store.RolePrimaryUser,
		Label:           label,
		Embedding:       probe,
		AppearanceCount: 1,
		Matchable:       true,
		FirstSeenAt:     &now,
		LastSeenAt:      &now,
	}
	if err := m.store.InsertIdentity(ctx, rec); err != nil {
		return "", fmt.Errorf("seed primary identity: %w", err)
	}
	return rec.ID, nil
}

func touchSeen(rec *store.IdentityRecord, at time.Time) {
	if rec.FirstSeenAt == nil || at.Before(*rec.FirstSeenAt) {
		t := at
		rec.FirstSeenAt = &t
	}
	if rec.LastSeenAt == nil || at.After(*rec.LastSeenAt) {
		t := at
		rec.LastSeenAt = &t
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// appendCapped appends s if absent, dropping the oldest entries beyond cap.
func appendCapped(list []string, s string, cap int) []string {
	if containsString(list, s) {
		return list
	}
	list = append(list, s)
	if cap > 0 && len(list) > cap {
		list = list[len(list)-cap:]
	}
	return list
}
