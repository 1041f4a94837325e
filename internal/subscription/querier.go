// Querier implements internal/translate.EventFetcher on top of the same
// nostr.SimplePool machinery the Subscriber and Publisher use, grounded on
// the example pack's QuerySingle idiom for one-shot relay lookups (see
// other_examples' nostr.go fetchProfileCmd/fetchChannelMetaCmd).
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// QueryTimeout bounds a single QuerySingle round trip.
const QueryTimeout = 8 * time.Second

// Querier answers one-shot lookups against the main and metadata relay
// sets: fetching an event by id, finding a facade's most recent reaction to
// a target (for Undo(Like)), and fetching an actor's latest profile event.
type Querier struct {
	relays         []string
	metadataRelays []string

	pool     *nostr.SimplePool
	poolOnce sync.Once
}

// NewQuerier builds a Querier over mainRelays plus any extra metadataRelays
// (queried in addition to, not instead of, mainRelays).
func NewQuerier(mainRelays, metadataRelays []string) *Querier {
	return &Querier{
		relays:         append([]string{}, mainRelays...),
		metadataRelays: append([]string{}, metadataRelays...),
	}
}

func (q *Querier) getPool() *nostr.SimplePool {
	q.poolOnce.Do(func() {
		q.pool = nostr.NewSimplePool(context.Background())
	})
	return q.pool
}

func (q *Querier) queryRelays() []string {
	if len(q.metadataRelays) == 0 {
		return q.relays
	}
	seen := make(map[string]struct{}, len(q.relays)+len(q.metadataRelays))
	out := make([]string, 0, len(q.relays)+len(q.metadataRelays))
	for _, r := range append(append([]string{}, q.relays...), q.metadataRelays...) {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// FetchByID looks up a single NET-N event by its hex id.
func (q *Querier) FetchByID(ctx context.Context, eventID string) (*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	ev := q.getPool().QuerySingle(ctx, q.queryRelays(), nostr.Filter{IDs: []string{eventID}})
	if ev == nil {
		return nil, fmt.Errorf("subscription: event %s not found on configured relays", eventID)
	}
	return ev.Event, nil
}

// FetchLastReaction finds pubkey's most recent kind-7 reaction to
// targetEventID, used to resolve which proxied reaction an Undo(Like)
// activity refers to. proxyLabel is not used: the filter matches on author,
// kind 7 and the e tag only.
func (q *Querier) FetchLastReaction(ctx context.Context, pubkey, targetEventID, proxyLabel string, timeout time.Duration) (*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ev := q.getPool().QuerySingle(ctx, q.queryRelays(), nostr.Filter{
		Kinds:   []int{7},
		Authors: []string{pubkey},
		Tags:    nostr.TagMap{"e": []string{targetEventID}},
	})
	if ev == nil {
		return nil, nil
	}
	return ev.Event, nil
}

// FetchMetadata fetches pubkey's most recent kind-0 profile event, used to
// build a NET-A actor document for a pubkey not already cached.
func (q *Querier) FetchMetadata(ctx context.Context, pubkey string) (*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	ev := q.getPool().QuerySingle(ctx, q.queryRelays(), nostr.Filter{
		Kinds:   []int{0},
		Authors: []string{pubkey},
	})
	if ev == nil {
		return nil, fmt.Errorf("subscription: no metadata found for %s", pubkey)
	}
	return ev.Event, nil
}
