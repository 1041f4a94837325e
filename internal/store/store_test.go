package store

import "testing"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestBindingInsertAndLookupBothDirections(t *testing.T) {
	s := newTestStore(t)

	if err := s.Insert("ap-1", "event-1"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if got, ok := s.GetEventID("ap-1"); !ok || got != "event-1" {
		t.Fatalf("GetEventID(ap-1) = (%q, %v), want (event-1, true)", got, ok)
	}
	if got, ok := s.GetAPID("event-1"); !ok || got != "ap-1" {
		t.Fatalf("GetAPID(event-1) = (%q, %v), want (ap-1, true)", got, ok)
	}
	if _, ok := s.GetEventID("unknown"); ok {
		t.Fatal("expected GetEventID(unknown) to report not found")
	}
}

func TestBindingInsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Insert("ap-1", "event-1"); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	// A duplicate inbound activity id must not create a second binding nor
	// error, per spec §8's "no NET-N event is emitted twice" invariant.
	if err := s.Insert("ap-1", "event-1"); err != nil {
		t.Fatalf("second Insert: %v", err)
	}

	got, ok := s.GetEventID("ap-1")
	if !ok || got != "event-1" {
		t.Fatalf("GetEventID(ap-1) = (%q, %v), want (event-1, true)", got, ok)
	}
}

func TestDeleteBindingRemovesBothDirections(t *testing.T) {
	s := newTestStore(t)

	if err := s.Insert("ap-1", "event-1"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.DeleteBinding("ap-1", "event-1"); err != nil {
		t.Fatalf("DeleteBinding: %v", err)
	}

	if _, ok := s.GetEventID("ap-1"); ok {
		t.Fatal("expected binding to be gone after DeleteBinding")
	}
	if _, ok := s.GetAPID("event-1"); ok {
		t.Fatal("expected reverse binding to be gone after DeleteBinding")
	}
}

func TestOptOutSet(t *testing.T) {
	s := newTestStore(t)
	const actor = "https://fedi.example/users/alice"

	if s.IsStopped(actor) {
		t.Fatal("expected actor to not be stopped initially")
	}
	if err := s.MarkStopped(actor); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}
	if !s.IsStopped(actor) {
		t.Fatal("expected actor to be stopped after MarkStopped")
	}
	if err := s.Unstop(actor); err != nil {
		t.Fatalf("Unstop: %v", err)
	}
	if s.IsStopped(actor) {
		t.Fatal("expected actor to no longer be stopped after Unstop")
	}
}

func TestActorKeyMapping(t *testing.T) {
	s := newTestStore(t)
	const pubkey = "deadbeef"
	const actorURL = "https://fedi.example/users/alice"

	if _, ok := s.GetActorForKey(pubkey); ok {
		t.Fatal("expected no mapping before StoreActorKey")
	}
	if err := s.StoreActorKey(pubkey, actorURL); err != nil {
		t.Fatalf("StoreActorKey: %v", err)
	}
	got, ok := s.GetActorForKey(pubkey)
	if !ok || got != actorURL {
		t.Fatalf("GetActorForKey = (%q, %v), want (%q, true)", got, ok, actorURL)
	}

	urls, err := s.GetAllActorURLs()
	if err != nil {
		t.Fatalf("GetAllActorURLs: %v", err)
	}
	if len(urls) != 1 || urls[0] != actorURL {
		t.Fatalf("GetAllActorURLs = %v, want [%q]", urls, actorURL)
	}
}

func TestKVUpsert(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.GetKV("k"); ok {
		t.Fatal("expected no value before SetKV")
	}
	if err := s.SetKV("k", "v1"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if got, ok := s.GetKV("k"); !ok || got != "v1" {
		t.Fatalf("GetKV = (%q, %v), want (v1, true)", got, ok)
	}
	if err := s.SetKV("k", "v2"); err != nil {
		t.Fatalf("SetKV (update): %v", err)
	}
	if got, ok := s.GetKV("k"); !ok || got != "v2" {
		t.Fatalf("GetKV after update = (%q, %v), want (v2, true)", got, ok)
	}
}
