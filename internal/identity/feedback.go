package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/store"
)

// FeedbackStore is the transactional surface feedback operations run on.
type FeedbackStore interface {
	BeginIdentityTx(ctx context.Context, ids ...string) (*store.IdentityTx, map[string]store.IdentityRecord, error)
	GetProfileScope(ctx context.Context, id string) (store.ProfileScope, bool, error)
}

// FeedbackError is the typed failure for human-feedback operations. A
// returned FeedbackError guarantees no partial mutation became visible.
type FeedbackError struct {
	Op     string
	Reason string
	Err    error
}

func (e *FeedbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *FeedbackError) Unwrap() error { return e.Err }

// Feedback failure reasons.
const (
	FeedbackIdentityNotFound = "identity_not_found"
	FeedbackScopeMismatch    = "scope_mismatch"
	FeedbackFaceMismatch     = "face_not_linked"
	FeedbackInvalidInput     = "invalid_input"
	FeedbackStorage          = "storage_failure"
)

func feedbackErr(op, reason string, err error) *FeedbackError {
	if errors.Is(err, store.ErrIdentityNotFound) {
		reason = FeedbackIdentityNotFound
	}
	return &FeedbackError{Op: op, Reason: reason, Err: err}
}

// FeedbackService applies human corrections to identities. Every operation
// locks each identity it touches and runs in a single transaction.
type FeedbackService struct {
	store   FeedbackStore
	aliases *AliasIndex
	cfg     config.IdentityConfig
	logger  *log.Logger
}

func NewFeedbackService(st FeedbackStore, aliases *AliasIndex, cfg config.IdentityConfig, logger *log.Logger) *FeedbackService {
	return &FeedbackService{store: st, aliases: aliases, cfg: cfg, logger: logger}
}

func stampFeedback(rec *store.IdentityRecord, action string, now time.Time) {
	rec.Metadata.Feedback.Version++
	rec.Metadata.Feedback.LastAction = action
	rec.Metadata.Feedback.UpdatedAt = &now
}

// ConfirmPerson marks the identity as a confirmed real person. A confirmed
// primary also gets the profile's own username linked.
func (f *FeedbackService) ConfirmPerson(ctx context.Context, identityID string) error {
	const op = "confirm_person"
	tx, recs, err := f.store.BeginIdentityTx(ctx, identityID)
	if err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	defer tx.Rollback()

	rec := recs[identityID]
	rec.Metadata.Feedback.RealPersonStatus = store.RealPersonConfirmed
	stampFeedback(&rec, op, time.Now().UTC())

	if rec.Role == store.RolePrimaryUser {
		scope, ok, err := f.store.GetProfileScope(ctx, rec.ScopeID)
		if err != nil {
			return feedbackErr(op, FeedbackStorage, err)
		}
		if ok {
			if handle := NormalizeHandle(scope.Username); handle != "" {
				rec.LinkedUsernames = appendCapped(rec.LinkedUsernames, handle, f.cfg.MaxLinkedUsernames)
			}
		}
	}

	if err := tx.UpdateIdentity(ctx, rec); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	return f.aliasRefresh(rec)
}

// MarkIncorrect records that the identity is not a real person: the role is
// demoted, matching is disabled, the canonical embedding is cleared and every
// linked face is annotated.
func (f *FeedbackService) MarkIncorrect(ctx context.Context, identityID string) error {
	const op = "mark_incorrect"
	tx, recs, err := f.store.BeginIdentityTx(ctx, identityID)
	if err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	defer tx.Rollback()

	rec := recs[identityID]
	rec.Role = store.RoleUnknown
	rec.Matchable = false
	rec.Embedding = nil
	rec.Metadata.Feedback.RealPersonStatus = store.RealPersonIncorrect
	stampFeedback(&rec, op, time.Now().UTC())

	if err := tx.UpdateIdentity(ctx, rec); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.AnnotateFaces(ctx, identityID, "marked_incorrect", store.RoleUnknown); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	return f.aliasDrop(identityID)
}

// LinkProfileOwner promotes the identity to the scope's primary, demoting
// every other primary and linking the profile's username, all in one
// transaction so the single-primary invariant holds at every commit point.
func (f *FeedbackService) LinkProfileOwner(ctx context.Context, scopeID, identityID string) error {
	const op = "link_profile_owner"
	tx, recs, err := f.store.BeginIdentityTx(ctx, identityID)
	if err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	defer tx.Rollback()

	rec := recs[identityID]
	if rec.ScopeID != scopeID {
		return feedbackErr(op, FeedbackScopeMismatch, nil)
	}
	if err := tx.DemotePrimaries(ctx, scopeID, identityID); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}

	rec.Role = store.RolePrimaryUser
	scope, ok, err := f.store.GetProfileScope(ctx, scopeID)
	if err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	if ok {
		if handle := NormalizeHandle(scope.Username); handle != "" {
			rec.LinkedUsernames = appendCapped(rec.LinkedUsernames, handle, f.cfg.MaxLinkedUsernames)
		}
	}
	stampFeedback(&rec, op, time.Now().UTC())

	if err := tx.UpdateIdentity(ctx, rec); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.SetFaceRoles(ctx, identityID, store.RolePrimaryUser); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	return f.aliasRefresh(rec)
}

// MergePeople folds the source identity into the target: faces are re-linked,
// embeddings merged by appearance weight, seen windows and usernames unioned,
// and the source is zeroed and permanently retired from matching.
func (f *FeedbackService) MergePeople(ctx context.Context, sourceID, targetID string) error {
	const op = "merge_people"
	if sourceID == targetID {
		return &FeedbackError{Op: op, Reason: FeedbackInvalidInput}
	}
	tx, recs, err := f.store.BeginIdentityTx(ctx, sourceID, targetID)
	if err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	defer tx.Rollback()

	source, target := recs[sourceID], recs[targetID]
	if source.ScopeID != target.ScopeID {
		return feedbackErr(op, FeedbackScopeMismatch, nil)
	}

	moved, err := tx.RelinkFaces(ctx, sourceID, targetID, target.Role)
	if err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}

	merged, err := Fold(target.Embedding, target.AppearanceCount, source.Embedding, source.AppearanceCount)
	if err != nil {
		return feedbackErr(op, FeedbackInvalidInput, err)
	}
	now := time.Now().UTC()
	target.Embedding = merged
	target.AppearanceCount += source.AppearanceCount
	if source.FirstSeenAt != nil && (target.FirstSeenAt == nil || source.FirstSeenAt.Before(*target.FirstSeenAt)) {
		target.FirstSeenAt = source.FirstSeenAt
	}
	if source.LastSeenAt != nil && (target.LastSeenAt == nil || source.LastSeenAt.After(*target.LastSeenAt)) {
		target.LastSeenAt = source.LastSeenAt
	}
	for _, username := range source.LinkedUsernames {
		target.LinkedUsernames = appendCapped(target.LinkedUsernames, username, f.cfg.MaxLinkedUsernames)
	}
	target.Metadata.MergeHistory = append(target.Metadata.MergeHistory, store.MergeEntry{
		SourceID:   sourceID,
		FacesMoved: moved,
		MergedAt:   now,
	})
	stampFeedback(&target, op, now)

	source.AppearanceCount = 0
	source.Embedding = nil
	source.Matchable = false
	source.Role = store.RoleUnknown
	source.LinkedUsernames = nil
	stampFeedback(&source, op, now)

	if err := tx.UpdateIdentity(ctx, target); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.UpdateIdentity(ctx, source); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return feedbackErr(op, FeedbackStorage, err)
	}
	f.logger.Printf("merged identity %s into %s (%d faces moved)", sourceID, targetID, moved)
	if err := f.aliasDrop(sourceID); err != nil {
		return err
	}
	return f.aliasRefresh(target)
}

// SeparateFace splits one face out of an identity into a fresh secondary
// identity seeded from that face's embedding. Returns the new identity id.
func (f *FeedbackService) SeparateFace(ctx context.Context, identityID, faceID string) (string, error) {
	const op = "separate_face"
	tx, recs, err := f.store.BeginIdentityTx(ctx, identityID)
	if err != nil {
		return "", feedbackErr(op, FeedbackStorage, err)
	}
	defer tx.Rollback()

	face, err := tx.GetFace(ctx, faceID)
	if err != nil {
		return "", feedbackErr(op, FeedbackStorage, err)
	}
	if face.IdentityID != identityID {
		return "", &FeedbackError{Op: op, Reason: FeedbackFaceMismatch}
	}

	embedding, err := Normalize(face.Embedding)
	if err != nil {
		return "", feedbackErr(op, FeedbackInvalidInput, err)
	}
	now := time.Now().UTC()
	fresh := store.IdentityRecord{
		ID:              uuid.NewString(),
		ScopeID:         face.ScopeID,
		Role:            store.RoleSecondaryPerson,
		Embedding:       embedding,
		AppearanceCount: 1,
		Matchable:       true,
		FirstSeenAt:     &now,
		LastSeenAt:      &now,
	}
	stampFeedback(&fresh, op, now)
	if err := tx.InsertIdentity(ctx, fresh); err != nil {
		return "", feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.DetachFace(ctx, faceID, fresh.ID, store.RoleSecondaryPerson); err != nil {
		return "", feedbackErr(op, FeedbackStorage, err)
	}

	remaining, err := tx.CountLinkedFaces(ctx, identityID)
	if err != nil {
		return "", feedbackErr(op, FeedbackStorage, err)
	}
	rec := recs[identityID]
	rec.AppearanceCount = remaining
	if remaining == 0 {
		rec.Embedding = nil
	}
	stampFeedback(&rec, op, now)
	if err := tx.UpdateIdentity(ctx, rec); err != nil {
		return "", feedbackErr(op, FeedbackStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return "", feedbackErr(op, FeedbackStorage, err)
	}
	return fresh.ID, nil
}

func (f *FeedbackService) aliasRefresh(rec store.IdentityRecord) error {
	if f.aliases == nil {
		return nil
	}
	return f.aliases.Put(rec.ID, rec.ScopeID, rec.LinkedUsernames)
}

func (f *FeedbackService) aliasDrop(identityID string) error {
	if f.aliases == nil {
		return nil
	}
	return f.aliases.Remove(identityID)
}
