/*
identity.go - Credential resolution

PURPOSE:
  Maps a presented API key to a principal. Keys are never stored or
  compared in the clear: the store holds hex-encoded SHA-256 hashes
  and lookups go through the hash.

CACHING:
  A small LRU caches key-hash -> principal id. Only the identity
  mapping is cached; balances and escrow are always read inside the
  store transaction, so a cache hit can never serve stale funds.
  An entry is only inserted after a successful lookup, so unknown
  keys always hit the store.

ROLE MODEL:
  Buyer vs seller is not a stored attribute. The calling endpoint
  decides the role: /request_access authenticates the caller as the
  buyer, /verify as the claimant seller.
*/
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

const identityCacheSize = 4096

// Resolver authenticates API keys against the principal table.
type Resolver struct {
	store Store
	cache *lru.Cache[string, PrincipalID]
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	cache, _ := lru.New[string, PrincipalID](identityCacheSize)
	return &Resolver{store: store, cache: cache}
}

// HashKey returns the hex-encoded SHA-256 of an API key. The same
// encoding is used at provisioning time, so lookups are exact string
// matches.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Resolve authenticates an API key and returns the principal id.
// Returns ErrUnauthenticated for empty or unknown keys.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (PrincipalID, error) {
	if apiKey == "" {
		return "", ErrUnauthenticated
	}

	hash := HashKey(apiKey)
	if id, ok := r.cache.Get(hash); ok {
		return id, nil
	}

	p, err := r.store.PrincipalByKeyHash(ctx, hash)
	if err != nil {
		return "", err
	}

	r.cache.Add(hash, p.ID)
	return p.ID, nil
}
