// Package resolver implements component C2, the Actor Resolver: given a
// NET-A actor URL or a bech32 NET-N pubkey embedded behind the configured
// user-ID prefix, it produces a canonical Resolved actor, backed by a bounded
// cache (spec §4.2).
package resolver

import (
	"context"
	"container/list"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/momobridge/bridge/internal/activitypub"
	"github.com/momobridge/bridge/internal/bridgeerr"
	"github.com/momobridge/bridge/internal/idhash"
	"github.com/momobridge/bridge/internal/keys"
)

// ActorCacheCap bounds the number of resolved native actors held in memory,
// evicted least-recently-used (spec §3's "bounded caches").
const ActorCacheCap = 100

// MetadataCacheTTL bounds how long a resolved actor's webfinger handle is
// trusted before a re-resolve is required.
const MetadataCacheTTL = 10 * time.Minute

// MetadataCacheCap bounds the handle cache independently of ActorCacheCap,
// since handles may be looked up for actors whose full document fell out of
// the actor cache.
const MetadataCacheCap = 1000

// KeyStore persists the derived-pubkey ↔ actor-URL mapping so that a NET-N
// pubkey can be mapped back to its NET-A actor URL for outbound translation.
type KeyStore interface {
	StoreActorKey(pubkey, actorURL string) error
	GetActorForKey(pubkey string) (string, bool)
}

// Resolved is the canonical result of resolving either a NET-A actor URL or
// a NET-N pubkey, spec §4.2's "Actor (native) or Proxied(pubkey)".
type Resolved struct {
	IsProxied bool

	// Populated when IsProxied: the NET-N pubkey a NET-A URL referred to.
	ProxiedPubkey string

	// Populated when !IsProxied: the fetched NET-A actor and its derived
	// NET-N identity.
	Actor         *activitypub.Actor
	DerivedPubkey string
	Handle        string // "user@host", empty if webfinger confirmation failed
}

// Resolver implements C2.
type Resolver struct {
	userIDPrefix string
	deriver      *keys.Deriver
	keyStore     KeyStore

	mu        sync.Mutex
	cache     map[string]*list.Element // actor URL -> lru element
	lru       *list.List
	metaCache map[string]metaEntry
}

type lruEntry struct {
	url string
	val *Resolved
}

type metaEntry struct {
	handle  string
	expires time.Time
}

// New builds a Resolver. userIDPrefix is the configured USER_ID_PREFIX.
func New(userIDPrefix string, deriver *keys.Deriver, keyStore KeyStore) *Resolver {
	return &Resolver{
		userIDPrefix: userIDPrefix,
		deriver:      deriver,
		keyStore:     keyStore,
		cache:        make(map[string]*list.Element),
		lru:          list.New(),
		metaCache:    make(map[string]metaEntry),
	}
}

// Resolve implements spec §4.2's algorithm.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Resolved, error) {
	if pubkey, ok, err := idhash.PubkeyFromUserURL(rawURL, r.userIDPrefix); ok {
		if err != nil {
			return nil, &bridgeerr.BadRequest{Reason: fmt.Sprintf("invalid proxied actor id %q: %v", rawURL, err)}
		}
		return &Resolved{IsProxied: true, ProxiedPubkey: pubkey}, nil
	}

	if cached, ok := r.lookupCache(rawURL); ok {
		return cached, nil
	}

	actor, err := activitypub.FetchActor(ctx, rawURL)
	if err != nil {
		return nil, &bridgeerr.Upstream{Op: "resolve actor " + rawURL, Err: err}
	}
	if actor.Inbox == "" || actor.PublicKey == nil || actor.PublicKey.PublicKeyPem == "" {
		return nil, &bridgeerr.Upstream{Op: "resolve actor " + rawURL, Err: fmt.Errorf("missing inbox or public key")}
	}

	pubkey, err := r.deriver.PublicKey(rawURL)
	if err != nil {
		return nil, &bridgeerr.Internal{Err: fmt.Errorf("derive pubkey for %s: %w", rawURL, err)}
	}
	if r.keyStore != nil {
		if err := r.keyStore.StoreActorKey(pubkey, rawURL); err != nil {
			slog.Warn("resolver: failed to persist actor key", "actor", rawURL, "error", err)
		}
	}

	resolved := &Resolved{Actor: actor, DerivedPubkey: pubkey}
	resolved.Handle = r.confirmHandle(ctx, rawURL, actor)

	r.storeCache(rawURL, resolved)
	return resolved, nil
}

// confirmHandle attempts webfinger confirmation of actor@host; failures
// degrade to an empty handle, per spec §4.2 step 4 ("not fatal").
func (r *Resolver) confirmHandle(ctx context.Context, actorURL string, actor *activitypub.Actor) string {
	if cached, ok := r.lookupMeta(actorURL); ok {
		return cached
	}
	if actor.PreferredUsername == "" {
		return ""
	}
	handle := actor.PreferredUsername + "@" + hostOf(actorURL)
	resolvedURL, err := activitypub.WebFingerResolve(ctx, handle)
	if err != nil || resolvedURL != actorURL {
		return ""
	}
	r.storeMeta(actorURL, handle)
	return handle
}

func (r *Resolver) lookupCache(url string) (*Resolved, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.cache[url]
	if !ok {
		return nil, false
	}
	r.lru.MoveToFront(el)
	return el.Value.(*lruEntry).val, true
}

func (r *Resolver) storeCache(url string, val *Resolved) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.cache[url]; ok {
		el.Value.(*lruEntry).val = val
		r.lru.MoveToFront(el)
		return
	}
	el := r.lru.PushFront(&lruEntry{url: url, val: val})
	r.cache[url] = el
	for r.lru.Len() > ActorCacheCap {
		oldest := r.lru.Back()
		if oldest == nil {
			break
		}
		r.lru.Remove(oldest)
		delete(r.cache, oldest.Value.(*lruEntry).url)
	}
}

func (r *Resolver) lookupMeta(url string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.metaCache[url]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.handle, true
}

func (r *Resolver) storeMeta(url, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.metaCache) >= MetadataCacheCap {
		for k, e := range r.metaCache {
			if time.Now().After(e.expires) {
				delete(r.metaCache, k)
			}
		}
	}
	if _, ok := r.metaCache[url]; !ok && len(r.metaCache) >= MetadataCacheCap {
		oldest := ""
		var oldestExpiry time.Time
		for k, e := range r.metaCache {
			if oldest == "" || e.expires.Before(oldestExpiry) {
				oldest, oldestExpiry = k, e.expires
			}
		}
		delete(r.metaCache, oldest)
	}
	r.metaCache[url] = metaEntry{handle: handle, expires: time.Now().Add(MetadataCacheTTL)}
}

// Invalidate drops actorURL from both caches, used after Update(Actor)
// refreshes (spec §4.5 "Update(Actor)").
func (r *Resolver) Invalidate(actorURL string) {
	activitypub.InvalidateCache(actorURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.cache[actorURL]; ok {
		r.lru.Remove(el)
		delete(r.cache, actorURL)
	}
	delete(r.metaCache, actorURL)
}

func hostOf(rawURL string) string {
	const schemeSep = "://"
	i := indexOf(rawURL, schemeSep)
	if i < 0 {
		return rawURL
	}
	rest := rawURL[i+len(schemeSep):]
	for j, c := range rest {
		if c == '/' || c == '?' || c == '#' {
			return rest[:j]
		}
	}
	return rest
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
