package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/store"
)

// ResolverStore is the persistence surface the resolver reads and writes.
type ResolverStore interface {
	GetContentItem(ctx context.Context, id string) (store.ContentItem, bool, error)
	GetProfileScope(ctx context.Context, id string) (store.ProfileScope, bool, error)
	ListFacesByContent(ctx context.Context, contentID string) ([]store.FaceRecord, error)
	ListIdentitiesByScope(ctx context.Context, scopeID string) ([]store.IdentityRecord, error)
	FaceCountsByScope(ctx context.Context, scopeID string) (store.FaceCounts, error)
	ListContentIdentityPairs(ctx context.Context, scopeID string) ([]store.ContentIdentityPair, error)
	PromotePrimary(ctx context.Context, scopeID, identityID string) error
	MutateIdentity(ctx context.Context, id string, fn func(*store.IdentityRecord) error) error
	UpsertParticipant(ctx context.Context, rec store.ParticipantRecord) error
	UpsertScopeAggregate(ctx context.Context, rec store.ScopeAggregateRecord) error
}

// Skip reason codes.
const (
	SkipContentNotFound  = "content_not_found"
	SkipScopeNotFound    = "scope_not_found"
	SkipFaceLoadFailed   = "face_load_failed"
	SkipCountsFailed     = "face_counts_failed"
	SkipPromotionFailed  = "promotion_failed"
	SkipGraphFailed      = "collaborator_graph_failed"
	SkipPersistFailed    = "persist_failed"
	SkipUsernamesFailed  = "username_link_failed"
	SkipIdentitiesFailed = "identity_load_failed"
)

// Signals carries the text-level evidence the other pipeline steps extracted
// for the content item.
type Signals struct {
	Mentions       []string
	OCRText        string
	ProfileHandles []string
}

// Resolution summarizes one resolver pass. Skipped results carry a reason
// code; the resolver never fails the owning pipeline step.
type Resolution struct {
	Skipped           bool
	Reason            string
	PrimaryIdentityID string
	Promoted          bool
	UnknownFaces      int
	Usernames         []string
	Participants      []store.ParticipantRecord
	Narrative         string
}

// Resolver turns per-content face links plus extracted handles into primary
// identity promotion, a collaborator graph and persisted summaries.
type Resolver struct {
	store   ResolverStore
	aliases *AliasIndex
	cfg     config.IdentityConfig
	logger  *log.Logger
}

func NewResolver(st ResolverStore, aliases *AliasIndex, cfg config.IdentityConfig, logger *log.Logger) *Resolver {
	return &Resolver{store: st, aliases: aliases, cfg: cfg, logger: logger}
}

func (r *Resolver) skip(contentID, reason string, err error) Resolution {
	if err != nil {
		r.logger.Printf("resolution skipped for content %s (%s): %v", contentID, reason, err)
	} else {
		r.logger.Printf("resolution skipped for content %s: %s", contentID, reason)
	}
	return Resolution{Skipped: true, Reason: reason}
}

// ResolveForSource resolves identities for one content item. It assumes the
// matcher already linked faces; everything here is best-effort on top of
// that. Any failure produces a skipped resolution, never an error.
func (r *Resolver) ResolveForSource(ctx context.Context, contentID string, signals Signals) Resolution {
	item, ok, err := r.store.GetContentItem(ctx, contentID)
	if err != nil || !ok {
		return r.skip(contentID, SkipContentNotFound, err)
	}
	scope, ok, err := r.store.GetProfileScope(ctx, item.ScopeID)
	if err != nil || !ok {
		return r.skip(contentID, SkipScopeNotFound, err)
	}

	faces, err := r.store.ListFacesByContent(ctx, contentID)
	if err != nil {
		return r.skip(contentID, SkipFaceLoadFailed, err)
	}
	var (
		unknown      int
		contentIdent []string
		identSeen    = map[string]bool{}
	)
	for _, face := range faces {
		if face.IdentityID == "" {
			unknown++
			continue
		}
		if !identSeen[face.IdentityID] {
			identSeen[face.IdentityID] = true
			contentIdent = append(contentIdent, face.IdentityID)
		}
	}

	usernames := dedupeHandles(
		signals.Mentions,
		ExtractHandles(signals.OCRText),
		ExtractHandles(item.Caption),
		signals.ProfileHandles,
		[]string{HandleFromPermalink(item.Permalink)},
	)
	// The profile's own handle names the owner, not a participant.
	usernames = removeHandle(usernames, NormalizeHandle(scope.Username))

	if err := r.linkUsernames(ctx, scope.ID, contentIdent, usernames); err != nil {
		return r.skip(contentID, SkipUsernamesFailed, err)
	}

	counts, err := r.store.FaceCountsByScope(ctx, scope.ID)
	if err != nil {
		return r.skip(contentID, SkipCountsFailed, err)
	}
	identities, err := r.store.ListIdentitiesByScope(ctx, scope.ID)
	if err != nil {
		return r.skip(contentID, SkipIdentitiesFailed, err)
	}
	byID := make(map[string]store.IdentityRecord, len(identities))
	for _, rec := range identities {
		byID[rec.ID] = rec
	}

	primaryID, promoted, err := r.promotePrimary(ctx, scope.ID, counts, byID)
	if err != nil {
		return r.skip(contentID, SkipPromotionFailed, err)
	}
	if promoted {
		if rec, ok := byID[primaryID]; ok {
			rec.Role = store.RolePrimaryUser
			byID[primaryID] = rec
		}
	}

	tiers, err := r.collaboratorTiers(ctx, scope.ID, primaryID)
	if err != nil {
		return r.skip(contentID, SkipGraphFailed, err)
	}

	resolution := Resolution{
		PrimaryIdentityID: primaryID,
		Promoted:          promoted,
		UnknownFaces:      unknown,
		Usernames:         usernames,
	}
	for _, id := range contentIdent {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		participant := store.ParticipantRecord{
			ContentID:       contentID,
			IdentityID:      id,
			Role:            rec.Role,
			Label:           rec.Label,
			Aliases:         rec.LinkedUsernames,
			Relationship:    tiers[id].tier,
			AppearanceCount: counts.ByIdentity[id],
		}
		if err := r.store.UpsertParticipant(ctx, participant); err != nil {
			return r.skip(contentID, SkipPersistFailed, err)
		}
		resolution.Participants = append(resolution.Participants, participant)
	}

	resolution.Narrative = buildNarrative(resolution.Participants, unknown, scope.Username)
	if err := r.persistAggregate(ctx, scope.ID, primaryID, counts, tiers, resolution.Narrative, len(identities)); err != nil {
		return r.skip(contentID, SkipPersistFailed, err)
	}
	return resolution
}

// linkUsernames attributes extracted handles to identities: unambiguous when
// the content shows exactly one linked identity, otherwise only handles the
// alias index already knows are accepted.
func (r *Resolver) linkUsernames(ctx context.Context, scopeID string, contentIdent, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	targets := map[string][]string{}
	switch len(contentIdent) {
	case 0:
		return nil
	case 1:
		targets[contentIdent[0]] = usernames
	default:
		inContent := map[string]bool{}
		for _, id := range contentIdent {
			inContent[id] = true
		}
		for _, username := range usernames {
			id, found, err := r.aliases.Lookup(scopeID, username)
			if err != nil {
				return err
			}
			if found && inContent[id] {
				targets[id] = append(targets[id], username)
			}
		}
	}
	for id, handles := range targets {
		var linked []string
		err := r.store.MutateIdentity(ctx, id, func(rec *store.IdentityRecord) error {
			for _, h := range handles {
				rec.LinkedUsernames = appendCapped(rec.LinkedUsernames, h, r.cfg.MaxLinkedUsernames)
			}
			linked = rec.LinkedUsernames
			return nil
		})
		if err != nil {
			return err
		}
		if err := r.aliases.Put(id, scopeID, linked); err != nil {
			return err
		}
	}
	return nil
}

// promotePrimary checks the promotion thresholds against scope-wide face
// counts and promotes the best candidate, demoting every other primary.
func (r *Resolver) promotePrimary(ctx context.Context, scopeID string, counts store.FaceCounts, byID map[string]store.IdentityRecord) (string, bool, error) {
	var (
		candidateID string
		candidateN  int
	)
	for id, n := range counts.ByIdentity {
		if n > candidateN {
			candidateID, candidateN = id, n
		}
	}
	var currentPrimary string
	for id, rec := range byID {
		if rec.Role == store.RolePrimaryUser {
			currentPrimary = id
			break
		}
	}
	if candidateID == "" || counts.Total == 0 {
		return currentPrimary, false, nil
	}
	ratio := float64(candidateN) / float64(counts.Total)
	if candidateN < r.cfg.PromotionMinCount || ratio < r.cfg.PromotionMinRatio {
		return currentPrimary, false, nil
	}
	if candidateID == currentPrimary {
		return currentPrimary, false, nil
	}
	if err := r.store.PromotePrimary(ctx, scopeID, candidateID); err != nil {
		return "", false, err
	}
	r.logger.Printf("promoted identity %s to primary in scope %s (count=%d ratio=%.2f)",
		candidateID, scopeID, candidateN, ratio)
	return candidateID, true, nil
}

type tierInfo struct {
	coAppearances int
	tier          string
}

// collaboratorTiers counts, per identity, the content items it shares with
// the primary identity and classifies the frequency.
func (r *Resolver) collaboratorTiers(ctx context.Context, scopeID, primaryID string) (map[string]tierInfo, error) {
	tiers := map[string]tierInfo{}
	if primaryID == "" {
		return tiers, nil
	}
	pairs, err := r.store.ListContentIdentityPairs(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	byContent := map[string][]string{}
	for _, pair := range pairs {
		byContent[pair.ContentID] = append(byContent[pair.ContentID], pair.IdentityID)
	}
	co := map[string]int{}
	for _, ids := range byContent {
		hasPrimary := false
		for _, id := range ids {
			if id == primaryID {
				hasPrimary = true
				break
			}
		}
		if !hasPrimary {
			continue
		}
		for _, id := range ids {
			if id != primaryID {
				co[id]++
			}
		}
	}
	for id, n := range co {
		info := tierInfo{coAppearances: n, tier: store.TierOccasional}
		switch {
		case n >= r.cfg.VeryFrequentTier:
			info.tier = store.TierVeryFrequent
		case n >= r.cfg.FrequentTier:
			info.tier = store.TierFrequent
		}
		tiers[id] = info
		if err := r.store.MutateIdentity(ctx, id, func(rec *store.IdentityRecord) error {
			rec.Metadata.CoAppearances = n
			rec.Metadata.RelationshipTier = info.tier
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return tiers, nil
}

func (r *Resolver) persistAggregate(ctx context.Context, scopeID, primaryID string, counts store.FaceCounts, tiers map[string]tierInfo, narrative string, identityCount int) error {
	collab := map[string]map[string]interface{}{}
	for id, info := range tiers {
		collab[id] = map[string]interface{}{
			"co_appearances": info.coAppearances,
			"tier":           info.tier,
		}
	}
	payload, err := json.Marshal(collab)
	if err != nil {
		return err
	}
	return r.store.UpsertScopeAggregate(ctx, store.ScopeAggregateRecord{
		ScopeID:           scopeID,
		PrimaryIdentityID: primaryID,
		IdentityCount:     identityCount,
		TotalFaces:        counts.Total,
		Collaborators:     payload,
		Narrative:         narrative,
	})
}

// buildNarrative renders a short human-readable participant summary.
func buildNarrative(participants []store.ParticipantRecord, unknown int, ownerUsername string) string {
	if len(participants) == 0 && unknown == 0 {
		return "no faces detected"
	}
	var parts []string
	sorted := append([]store.ParticipantRecord(nil), participants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AppearanceCount > sorted[j].AppearanceCount })
	for _, p := range sorted {
		name := p.Label
		if name == "" && len(p.Aliases) > 0 {
			name = "@" + p.Aliases[0]
		}
		switch {
		case p.Role == store.RolePrimaryUser && name != "":
			parts = append(parts, fmt.Sprintf("%s (profile owner)", name))
		case p.Role == store.RolePrimaryUser:
			parts = append(parts, fmt.Sprintf("@%s (profile owner)", ownerUsername))
		case name != "" && p.Relationship != "":
			parts = append(parts, fmt.Sprintf("%s (%s collaborator)", name, strings.ReplaceAll(p.Relationship, "_", " ")))
		case name != "":
			parts = append(parts, name)
		case p.Relationship != "":
			parts = append(parts, fmt.Sprintf("a %s collaborator", strings.ReplaceAll(p.Relationship, "_", " ")))
		default:
			parts = append(parts, "an unnamed person")
		}
	}
	summary := strings.Join(parts, ", ")
	if unknown > 0 {
		if summary != "" {
			summary += ", "
		}
		summary += fmt.Sprintf("%d unidentified face(s)", unknown)
	}
	return summary
}

func removeHandle(handles []string, drop string) []string {
	if drop == "" {
		return handles
	}
	out := handles[:0]
	for _, h := range handles {
		if h != drop {
			out = append(out, h)
		}
	}
	return out
}
