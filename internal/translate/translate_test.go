package translate

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/momobridge/bridge/internal/activitypub"
	"github.com/momobridge/bridge/internal/bridgeerr"
	"github.com/momobridge/bridge/internal/idhash"
	"github.com/momobridge/bridge/internal/keys"
)

// fakeStore is an in-memory IDStore for tests that don't need internal/store.
type fakeStore struct {
	byAP      map[string]string
	byEvent   map[string]string
	stopped   map[string]bool
	actorKeys map[string]string
	kv        map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byAP:      map[string]string{},
		byEvent:   map[string]string{},
		stopped:   map[string]bool{},
		actorKeys: map[string]string{},
		kv:        map[string]string{},
	}
}

func (s *fakeStore) GetEventID(apID string) (string, bool) { v, ok := s.byAP[apID]; return v, ok }
func (s *fakeStore) GetAPID(eventID string) (string, bool) { v, ok := s.byEvent[eventID]; return v, ok }
func (s *fakeStore) Insert(apID, eventID string) error {
	s.byAP[apID] = eventID
	s.byEvent[eventID] = apID
	return nil
}
func (s *fakeStore) DeleteBinding(apID, eventID string) error {
	delete(s.byAP, apID)
	delete(s.byEvent, eventID)
	return nil
}
func (s *fakeStore) IsStopped(actorID string) bool    { return s.stopped[actorID] }
func (s *fakeStore) MarkStopped(actorID string) error { s.stopped[actorID] = true; return nil }
func (s *fakeStore) Unstop(actorID string) error      { delete(s.stopped, actorID); return nil }
func (s *fakeStore) StoreActorKey(pubkey, actorURL string) error {
	s.actorKeys[pubkey] = actorURL
	return nil
}
func (s *fakeStore) GetActorForKey(pubkey string) (string, bool) {
	v, ok := s.actorKeys[pubkey]
	return v, ok
}
func (s *fakeStore) SetKV(key, value string) error { s.kv[key] = value; return nil }
func (s *fakeStore) GetKV(key string) (string, bool) {
	v, ok := s.kv[key]
	return v, ok
}

type fakeFollowGraph struct{}

func (fakeFollowGraph) Add(string, string) error    { return nil }
func (fakeFollowGraph) Remove(string, string) error { return nil }
func (fakeFollowGraph) FollowingBy(string) []string { return nil }
func (fakeFollowGraph) FollowersOf(string) []string { return nil }

type fakeRelayPublisher struct {
	published []*nostr.Event
}

func (p *fakeRelayPublisher) Publish(ctx context.Context, event *nostr.Event) error {
	p.published = append(p.published, event)
	return nil
}

type fakeApDeliverer struct{}

func (fakeApDeliverer) DeliverToInbox(context.Context, string, map[string]interface{}, string) error {
	return nil
}
func (fakeApDeliverer) DeliverToFollowers(context.Context, []string, map[string]interface{}, string) error {
	return nil
}
func (fakeApDeliverer) EnqueueDeletion(context.Context, []string, map[string]interface{}, string) {}

type fakeEventFetcher struct{}

func (fakeEventFetcher) FetchByID(context.Context, string) (*nostr.Event, error) { return nil, nil }
func (fakeEventFetcher) FetchLastReaction(context.Context, string, string, string, time.Duration) (*nostr.Event, error) {
	return nil, nil
}
func (fakeEventFetcher) FetchMetadata(context.Context, string) (*nostr.Event, error) { return nil, nil }

// newTestTranslator builds a Translator with fake collaborators wired to a
// real Deriver, enough to exercise translateNote's plain-note path with no
// network access.
func newTestTranslator(t *testing.T, store *fakeStore, relay *fakeRelayPublisher) *Translator {
	t.Helper()
	deriver, err := keys.New("a-sufficiently-long-process-secret")
	if err != nil {
		t.Fatalf("keys.New: %v", err)
	}
	return New(
		Config{
			LocalDomain:     "https://bridge.example",
			HTTPSDomain:     "bridge.example",
			UserIDPrefix:    "https://bridge.example/users/",
			NoteIDPrefix:    "https://bridge.example/notes/",
			ReverseDNSLabel: "example.bridge",
		},
		store,
		fakeFollowGraph{},
		deriver,
		relay,
		fakeApDeliverer{},
		fakeEventFetcher{},
		nil, // ActorResolver unused by the plain-note path exercised below
	)
}

func TestHostOf(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://fedi.example/users/alice", "fedi.example"},
		{"http://fedi.example:8080/users/alice", "fedi.example:8080"},
		{"not-a-url", ""},
	}
	for _, c := range cases {
		if got := hostOf(c.in); got != c.want {
			t.Errorf("hostOf(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBindingKeyForUsesOwnHost(t *testing.T) {
	got := bindingKeyFor("https://fedi.example/notes/1")
	want := bindingKey("https://fedi.example/notes/1", "fedi.example")
	if got != want {
		t.Errorf("bindingKeyFor = %q, want %q", got, want)
	}
}

// TestDeterministicEventID reproduces spec §8's worked example: the same
// content, timestamp and secret key must always sign to the same event id.
func TestDeterministicEventID(t *testing.T) {
	const nsec = "nsec1jqkh2ldzxh9xyltzlxxtp4zjz80l2mq95zs97u42ks6c9pxetfvq2g2w2x"
	prefix, data, err := nip19.Decode(nsec)
	if err != nil || prefix != "nsec" {
		t.Fatalf("nip19.Decode(%q) = (%v, %v, %v), want nsec", nsec, prefix, data, err)
	}
	privkey := data.(string)

	event := &nostr.Event{
		Kind:      1,
		Content:   "content",
		CreatedAt: nostr.Timestamp(1709381599),
	}
	if err := event.Sign(privkey); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := idhash.EncodeNote(event.ID)
	if err != nil {
		t.Fatalf("EncodeNote: %v", err)
	}
	const want = "note1hlwtagk67vs4tgvke2f3c0z2azp7q3667c3j550clfu9cg8md3qsvceynx"
	if got != want {
		t.Errorf("event id = %q, want %q", got, want)
	}
}

func TestHeadMentionRegexStripsLeadingPlainMentions(t *testing.T) {
	got := headMentionRe.ReplaceAllString("@alice @bob, @carol hello there", "")
	if got != "hello there" {
		t.Errorf("headMentionRe strip = %q, want %q", got, "hello there")
	}
}

func TestHeadMentionRegexLeavesInlineMentionsAlone(t *testing.T) {
	const in = "hello @alice, how are you"
	if got := headMentionRe.ReplaceAllString(in, ""); got != in {
		t.Errorf("headMentionRe on non-leading mention = %q, want unchanged %q", got, in)
	}
}

func TestHashtagAnchorRegexCollapsesTagLinks(t *testing.T) {
	in := "check out [#golang](https://fedi.example/tags/golang) today"
	got := hashtagAnchorRe.ReplaceAllString(in, "#$1")
	want := "check out #golang today"
	if got != want {
		t.Errorf("hashtagAnchorRe = %q, want %q", got, want)
	}
}

func TestHashtagAnchorRegexLeavesNoteLinksAlone(t *testing.T) {
	const in = "see [this post](https://fedi.example/notes/123) please"
	if got := hashtagAnchorRe.ReplaceAllString(in, "#$1"); got != in {
		t.Errorf("hashtagAnchorRe on note link = %q, want unchanged %q", got, in)
	}
}

func TestHandleCreateRejectsSpoofedNoteID(t *testing.T) {
	store := newFakeStore()
	relay := &fakeRelayPublisher{}
	tr := newTestTranslator(t, store, relay)

	activity := activitypub.IncomingActivity{
		ID:     "https://fedi.example/activities/1",
		Type:   "Create",
		Actor:  "https://fedi.example/users/alice",
		Object: []byte(`{"type":"Note","id":"https://other.example/notes/1","to":["https://www.w3.org/ns/activitystreams#Public"],"content":"hi"}`),
	}

	err := tr.handleCreate(context.Background(), activity)
	if err == nil {
		t.Fatal("expected error for spoofed note id, got nil")
	}
	var badReq *bridgeerr.BadRequest
	if !asBadRequest(err, &badReq) {
		t.Fatalf("handleCreate error = %v (%T), want *bridgeerr.BadRequest", err, err)
	}
	if len(store.byAP) != 0 {
		t.Fatalf("expected no binding stored for spoofed note, got %v", store.byAP)
	}
	if len(relay.published) != 0 {
		t.Fatalf("expected no event published for spoofed note, got %d", len(relay.published))
	}
}

func TestHandleCreateIsIdempotentOnDuplicate(t *testing.T) {
	store := newFakeStore()
	relay := &fakeRelayPublisher{}
	tr := newTestTranslator(t, store, relay)

	activity := activitypub.IncomingActivity{
		ID:     "https://fedi.example/activities/1",
		Type:   "Create",
		Actor:  "https://fedi.example/users/alice",
		Object: []byte(`{"type":"Note","id":"https://fedi.example/notes/1","attributedTo":"https://fedi.example/users/alice","to":["https://www.w3.org/ns/activitystreams#Public"],"content":"hello world","published":"2024-03-02T12:00:00Z"}`),
	}

	if err := tr.handleCreate(context.Background(), activity); err != nil {
		t.Fatalf("first handleCreate: %v", err)
	}
	if len(relay.published) != 1 {
		t.Fatalf("published count after first create = %d, want 1", len(relay.published))
	}

	if err := tr.handleCreate(context.Background(), activity); err != nil {
		t.Fatalf("second handleCreate: %v", err)
	}
	if len(relay.published) != 1 {
		t.Fatalf("published count after duplicate create = %d, want still 1", len(relay.published))
	}
}

func asBadRequest(err error, target **bridgeerr.BadRequest) bool {
	b, ok := err.(*bridgeerr.BadRequest)
	if ok {
		*target = b
	}
	return ok
}
