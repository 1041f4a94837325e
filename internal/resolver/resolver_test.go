package resolver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/momobridge/bridge/internal/idhash"
	"github.com/momobridge/bridge/internal/keys"
)

const userIDPrefix = "https://bridge.example/users/"

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	deriver, err := keys.New("a-sufficiently-long-process-secret")
	if err != nil {
		t.Fatalf("keys.New: %v", err)
	}
	return New(userIDPrefix, deriver, nil)
}

func TestResolveProxiedActorNeedsNoNetwork(t *testing.T) {
	r := newTestResolver(t)
	const pubkey = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	npub, err := idhash.EncodeNpub(pubkey)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}

	resolved, err := r.Resolve(context.Background(), userIDPrefix+npub)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved.IsProxied {
		t.Fatal("expected a proxied resolution for a userIDPrefix+npub URL")
	}
	if resolved.ProxiedPubkey != pubkey {
		t.Errorf("ProxiedPubkey = %q, want %q", resolved.ProxiedPubkey, pubkey)
	}
}

func TestResolveProxiedActorRejectsMalformedNpub(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve(context.Background(), userIDPrefix+"not-an-npub")
	if err == nil {
		t.Fatal("expected an error for a malformed proxied actor id")
	}
}

func TestActorCacheEvictsLeastRecentlyUsed(t *testing.T) {
	r := newTestResolver(t)
	for i := 0; i < ActorCacheCap+1; i++ {
		url := fmt.Sprintf("https://fedi.example/users/actor%d", i)
		r.storeCache(url, &Resolved{DerivedPubkey: url})
	}
	if _, ok := r.lookupCache("https://fedi.example/users/actor0"); ok {
		t.Fatal("expected the first-inserted entry to be evicted once the cache exceeds ActorCacheCap")
	}
	if got := r.lru.Len(); got != ActorCacheCap {
		t.Fatalf("lru length = %d, want %d", got, ActorCacheCap)
	}
}

func TestActorCacheHitMovesToFront(t *testing.T) {
	r := newTestResolver(t)
	r.storeCache("https://fedi.example/users/a", &Resolved{DerivedPubkey: "a"})
	r.storeCache("https://fedi.example/users/b", &Resolved{DerivedPubkey: "b"})

	if _, ok := r.lookupCache("https://fedi.example/users/a"); !ok {
		t.Fatal("expected a cache hit for a")
	}
	if r.lru.Front().Value.(*lruEntry).url != "https://fedi.example/users/a" {
		t.Fatal("expected a lookup to move its entry to the front of the LRU")
	}
}

func TestMetaCacheExpiresEntries(t *testing.T) {
	r := newTestResolver(t)
	r.metaCache["https://fedi.example/users/a"] = metaEntry{
		handle:  "a@fedi.example",
		expires: time.Now().Add(-time.Minute),
	}
	if _, ok := r.lookupMeta("https://fedi.example/users/a"); ok {
		t.Fatal("expected an expired meta-cache entry to not be returned")
	}
}

func TestInvalidateClearsBothCaches(t *testing.T) {
	r := newTestResolver(t)
	const url = "https://fedi.example/users/a"
	r.storeCache(url, &Resolved{DerivedPubkey: "a"})
	r.storeMeta(url, "a@fedi.example")

	r.Invalidate(url)

	if _, ok := r.lookupCache(url); ok {
		t.Fatal("expected actor cache entry to be gone after Invalidate")
	}
	if _, ok := r.metaCache[url]; ok {
		t.Fatal("expected meta cache entry to be gone after Invalidate")
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("https://fedi.example/users/alice"); got != "fedi.example" {
		t.Errorf("hostOf = %q, want fedi.example", got)
	}
}
