package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/ramin-karimi/facegraph/internal/store"
)

// aliasDoc is the indexed shape: one document per identity, keyed by the
// identity id, carrying every username ever linked to it.
type aliasDoc struct {
	ScopeID   string   `json:"scope_id"`
	Usernames []string `json:"usernames"`
}

// AliasIndex is an in-memory full-text index over linked usernames, used to
// resolve previously observed handles back to identities when face evidence
// alone is ambiguous.
type AliasIndex struct {
	mu  sync.RWMutex
	idx bleve.Index
}

func NewAliasIndex() (*AliasIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create alias index: %w", err)
	}
	return &AliasIndex{idx: index}, nil
}

// AliasSource lists the identities whose linked usernames seed the index.
type AliasSource interface {
	ListAliasedIdentities(ctx context.Context) ([]store.IdentityRecord, error)
}

// Hydrate rebuilds the index from persisted usernames. The index lives only
// in memory, so every process has to replay this at startup before serving
// lookups. Returns the number of identities indexed.
func (a *AliasIndex) Hydrate(ctx context.Context, src AliasSource) (int, error) {
	recs, err := src.ListAliasedIdentities(ctx)
	if err != nil {
		return 0, fmt.Errorf("list aliased identities: %w", err)
	}
	for _, rec := range recs {
		if err := a.Put(rec.ID, rec.ScopeID, rec.LinkedUsernames); err != nil {
			return 0, fmt.Errorf("index identity %s: %w", rec.ID, err)
		}
	}
	return len(recs), nil
}

// Put indexes (or re-indexes) the identity's linked usernames.
func (a *AliasIndex) Put(identityID, scopeID string, usernames []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(usernames) == 0 {
		return a.idx.Delete(identityID)
	}
	return a.idx.Index(identityID, aliasDoc{ScopeID: scopeID, Usernames: usernames})
}

// Remove drops the identity from the index, e.g. after a merge.
func (a *AliasIndex) Remove(identityID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idx.Delete(identityID)
}

// Lookup resolves a normalized username to an identity id within a scope.
func (a *AliasIndex) Lookup(scopeID, username string) (string, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	query := bleve.NewQueryStringQuery(fmt.Sprintf(`+scope_id:%q +usernames:%q`, scopeID, username))
	req := bleve.NewSearchRequestOptions(query, 1, 0, false)
	res, err := a.idx.Search(req)
	if err != nil {
		return "", false, fmt.Errorf("alias lookup: %w", err)
	}
	if len(res.Hits) == 0 {
		return "", false, nil
	}
	return res.Hits[0].ID, true, nil
}
