// Package followgraph implements component C4: the in-memory forward/reverse
// mapping of NET-N pubkey to the set of NET-A follower IDs, with a durable
// snapshot on disk (spec §4.4, §3 "Follow-graph").
package followgraph

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// ContactListCap is the contact-list length cap from spec §4.4/§5: above
// this many followers the regenerated contact list is emitted empty rather
// than unboundedly large.
const ContactListCap = 500

// Publisher republishes the contact-list event of a NET-A actor's proxy key,
// listing the NET-N pubkeys that actor follows, per spec §4.4's
// "regeneration of a contact-list event signed by the proxy key of the
// follower" contract. Implemented by internal/translate.
type Publisher interface {
	PublishContactList(netAID string, followingPubkeys []string) error
}

// Graph holds the forward (followers_of) and reverse (following_by) maps
// behind a single critical section, per spec §4.4's concurrency note.
type Graph struct {
	mu           sync.Mutex
	followersOf  map[string]map[string]struct{} // net-n pubkey -> set of net-a ids
	followingBy  map[string]map[string]struct{} // net-a id -> set of net-n pubkeys
	snapshotPath string
	pub          Publisher
}

// snapshotFile mirrors the original momostr's nostr_accounts.json shape:
// NET-N pubkey -> sorted list of NET-A actor IDs.
type snapshotFile map[string][]string

// New loads the forward map from snapshotPath (if present) and reconstructs
// the reverse map, per spec §4.4 ("the reverse map is reconstructed from
// it").
func New(snapshotPath string, pub Publisher) (*Graph, error) {
	g := &Graph{
		followersOf:  make(map[string]map[string]struct{}),
		followingBy:  make(map[string]map[string]struct{}),
		snapshotPath: snapshotPath,
		pub:          pub,
	}

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("read follow-graph snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse follow-graph snapshot: %w", err)
	}
	for pubkey, followers := range snap {
		set := make(map[string]struct{}, len(followers))
		for _, f := range followers {
			set[f] = struct{}{}
			if g.followingBy[f] == nil {
				g.followingBy[f] = make(map[string]struct{})
			}
			g.followingBy[f][pubkey] = struct{}{}
		}
		g.followersOf[pubkey] = set
	}
	slog.Info("follow-graph snapshot loaded", "accounts", len(g.followersOf))
	return g, nil
}

// Add records that netAID follows netNPubkey, regenerates and publishes the
// follower's contact list, and snapshots to disk — all per spec §4.4's
// mutation contract.
func (g *Graph) Add(netNPubkey, netAID string) error {
	following, changed := g.mutate(func() {
		if g.followersOf[netNPubkey] == nil {
			g.followersOf[netNPubkey] = make(map[string]struct{})
		}
		g.followersOf[netNPubkey][netAID] = struct{}{}
		if g.followingBy[netAID] == nil {
			g.followingBy[netAID] = make(map[string]struct{})
		}
		g.followingBy[netAID][netNPubkey] = struct{}{}
	}, netAID)
	if !changed {
		return nil
	}
	return g.republishAndSnapshot(netAID, following)
}

// Remove removes the follow relationship; if the followee's follower set
// becomes empty the map entry is deleted, per spec §4.5 Undo(Follow).
func (g *Graph) Remove(netNPubkey, netAID string) error {
	following, _ := g.mutate(func() {
		if set, ok := g.followersOf[netNPubkey]; ok {
			delete(set, netAID)
			if len(set) == 0 {
				delete(g.followersOf, netNPubkey)
			}
		}
		if set, ok := g.followingBy[netAID]; ok {
			delete(set, netNPubkey)
			if len(set) == 0 {
				delete(g.followingBy, netAID)
			}
		}
	}, netAID)
	return g.republishAndSnapshot(netAID, following)
}

// FollowingBy returns the sorted set of NET-N pubkeys that netAID follows.
func (g *Graph) FollowingBy(netAID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return setToSortedSlice(g.followingBy[netAID])
}

// FollowersOf returns the sorted set of NET-A ids following netNPubkey.
func (g *Graph) FollowersOf(netNPubkey string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return setToSortedSlice(g.followersOf[netNPubkey])
}

// mutate runs fn under the lock, then returns the post-mutation follow set
// for netAID (used to drive contact-list republish) and whether it changed.
func (g *Graph) mutate(fn func(), netAID string) (following []string, changed bool) {
	g.mu.Lock()
	before := len(g.followingBy[netAID])
	fn()
	after := len(g.followingBy[netAID])
	following = setToSortedSlice(g.followingBy[netAID])
	g.mu.Unlock()
	return following, before != after
}

// republishAndSnapshot regenerates netAID's proxied contact list (capped at
// ContactListCap, emitted empty above it per spec §4.4/§5) and writes the
// forward-map snapshot to disk after releasing the lock, per spec §9's
// "snapshot while holding the lock; write after releasing" design note.
func (g *Graph) republishAndSnapshot(netAID string, following []string) error {
	list := following
	if len(list) > ContactListCap {
		list = nil
	}
	if g.pub != nil {
		if err := g.pub.PublishContactList(netAID, list); err != nil {
			slog.Warn("follow-graph: contact-list republish failed", "actor", netAID, "error", err)
		}
	}
	return g.snapshot()
}

func (g *Graph) snapshot() error {
	g.mu.Lock()
	snap := make(snapshotFile, len(g.followersOf))
	for pubkey, set := range g.followersOf {
		snap[pubkey] = setToSortedSlice(set)
	}
	g.mu.Unlock()

	if g.snapshotPath == "" {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal follow-graph snapshot: %w", err)
	}
	tmp := g.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write follow-graph snapshot: %w", err)
	}
	return os.Rename(tmp, g.snapshotPath)
}

func setToSortedSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
