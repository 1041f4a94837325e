package followgraph

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

type fakePublisher struct {
	mu       sync.Mutex
	lastList []string
	calls    int
}

func (f *fakePublisher) PublishContactList(pubkey string, followingNetAIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastList = followingNetAIDs
	return nil
}

func newTestGraph(t *testing.T, pub Publisher) *Graph {
	t.Helper()
	path := filepath.Join(t.TempDir(), "follow-graph.json")
	g, err := New(path, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestAddIsMirroredInBothMaps(t *testing.T) {
	pub := &fakePublisher{}
	g := newTestGraph(t, pub)

	if err := g.Add("npub-alice", "https://fedi.example/users/bob"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	followers := g.FollowersOf("npub-alice")
	if len(followers) != 1 || followers[0] != "https://fedi.example/users/bob" {
		t.Fatalf("FollowersOf = %v, want [https://fedi.example/users/bob]", followers)
	}
	following := g.FollowingBy("https://fedi.example/users/bob")
	if len(following) != 1 || following[0] != "npub-alice" {
		t.Fatalf("FollowingBy = %v, want [npub-alice]", following)
	}
}

func TestRemoveIsMirroredInBothMaps(t *testing.T) {
	pub := &fakePublisher{}
	g := newTestGraph(t, pub)
	const actor = "https://fedi.example/users/bob"

	if err := g.Add("npub-alice", actor); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Remove("npub-alice", actor); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if followers := g.FollowersOf("npub-alice"); len(followers) != 0 {
		t.Fatalf("FollowersOf after Remove = %v, want empty", followers)
	}
	if following := g.FollowingBy(actor); len(following) != 0 {
		t.Fatalf("FollowingBy after Remove = %v, want empty", following)
	}
}

func TestContactListAtCapIsFull(t *testing.T) {
	pub := &fakePublisher{}
	g := newTestGraph(t, pub)
	const actor = "https://fedi.example/users/bob"

	for i := 0; i < ContactListCap; i++ {
		if err := g.Add(fmt.Sprintf("npub-%d", i), actor); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}

	pub.mu.Lock()
	got := len(pub.lastList)
	pub.mu.Unlock()
	if got != ContactListCap {
		t.Fatalf("contact list length at cap = %d, want %d", got, ContactListCap)
	}
}

func TestContactListOverCapIsEmpty(t *testing.T) {
	pub := &fakePublisher{}
	g := newTestGraph(t, pub)
	const actor = "https://fedi.example/users/bob"

	for i := 0; i < ContactListCap+1; i++ {
		if err := g.Add(fmt.Sprintf("npub-%d", i), actor); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}

	pub.mu.Lock()
	got := pub.lastList
	pub.mu.Unlock()
	if got != nil {
		t.Fatalf("contact list one over cap = %v, want nil/empty", got)
	}
}

func TestSnapshotReloadsForwardMap(t *testing.T) {
	pub := &fakePublisher{}
	path := filepath.Join(t.TempDir(), "follow-graph.json")

	g, err := New(path, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.Add("npub-alice", "https://fedi.example/users/bob"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reloaded, err := New(path, pub)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	followers := reloaded.FollowersOf("npub-alice")
	if len(followers) != 1 || followers[0] != "https://fedi.example/users/bob" {
		t.Fatalf("reloaded FollowersOf = %v, want [https://fedi.example/users/bob]", followers)
	}
	following := reloaded.FollowingBy("https://fedi.example/users/bob")
	if len(following) != 1 || following[0] != "npub-alice" {
		t.Fatalf("reloaded FollowingBy = %v, want [npub-alice]", following)
	}
}
