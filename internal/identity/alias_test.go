package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/ramin-karimi/facegraph/internal/store"
)

type fakeAliasSource struct {
	recs []store.IdentityRecord
	err  error
}

func (f *fakeAliasSource) ListAliasedIdentities(context.Context) ([]store.IdentityRecord, error) {
	return f.recs, f.err
}

func TestHydrateRestoresLookups(t *testing.T) {
	idx, err := NewAliasIndex()
	if err != nil {
		t.Fatalf("NewAliasIndex: %v", err)
	}
	src := &fakeAliasSource{recs: []store.IdentityRecord{
		{ID: "ident-1", ScopeID: "scope-1", LinkedUsernames: []string{"alice_w", "alicew"}},
		{ID: "ident-2", ScopeID: "scope-1", LinkedUsernames: []string{"bob.k"}},
		{ID: "ident-3", ScopeID: "scope-2", LinkedUsernames: []string{"alice_w"}},
	}}

	indexed, err := idx.Hydrate(context.Background(), src)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if indexed != 3 {
		t.Fatalf("indexed %d identities, want 3", indexed)
	}

	id, ok, err := idx.Lookup("scope-1", "alicew")
	if err != nil || !ok || id != "ident-1" {
		t.Fatalf("Lookup(scope-1, alicew) = %q/%v/%v, want ident-1", id, ok, err)
	}
	// The same handle in another scope must map to that scope's identity.
	id, ok, err = idx.Lookup("scope-2", "alice_w")
	if err != nil || !ok || id != "ident-3" {
		t.Fatalf("Lookup(scope-2, alice_w) = %q/%v/%v, want ident-3", id, ok, err)
	}
	if _, ok, _ := idx.Lookup("scope-2", "bob.k"); ok {
		t.Fatal("bob.k must not resolve outside scope-1")
	}
}

func TestHydratePropagatesSourceError(t *testing.T) {
	idx, err := NewAliasIndex()
	if err != nil {
		t.Fatalf("NewAliasIndex: %v", err)
	}
	boom := errors.New("connection refused")
	if _, err := idx.Hydrate(context.Background(), &fakeAliasSource{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("Hydrate error = %v, want wrapped source error", err)
	}
}
