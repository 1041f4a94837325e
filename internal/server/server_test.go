package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/momobridge/bridge/internal/activitypub"
	"github.com/momobridge/bridge/internal/bridgeerr"
	"github.com/momobridge/bridge/internal/idhash"
)

type fakeTranslator struct {
	actor    *activitypub.Actor
	actorErr error
	note     *activitypub.Note
	noteErr  error
	inboxErr error
	lastRaw  json.RawMessage
}

func (f *fakeTranslator) HandleInbox(ctx context.Context, signingActorURL string, raw json.RawMessage) error {
	f.lastRaw = raw
	return f.inboxErr
}
func (f *fakeTranslator) ActorDocument(ctx context.Context, pubkey string) (*activitypub.Actor, error) {
	return f.actor, f.actorErr
}
func (f *fakeTranslator) NoteDocument(ctx context.Context, eventID string) (*activitypub.Note, error) {
	return f.note, f.noteErr
}

func newTestServer(tr *fakeTranslator) *Server {
	return New(Config{
		LocalDomain:  "https://bridge.example",
		HTTPSDomain:  "bridge.example",
		UserIDPrefix: "https://bridge.example/users/",
		NoteIDPrefix: "https://bridge.example/notes/",
		ServiceActor: "https://bridge.example/actor",
	}, tr)
}

func TestHandleActorReturnsActivityJSON(t *testing.T) {
	const pubkey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	npub, err := idhash.EncodeNpub(pubkey)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}
	tr := &fakeTranslator{actor: &activitypub.Actor{ID: "https://bridge.example/users/" + npub, Type: "Person"}}
	s := newTestServer(tr)

	req := httptest.NewRequest(http.MethodGet, "/users/"+npub, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != activityJSONType {
		t.Errorf("Content-Type = %q, want %q", ct, activityJSONType)
	}
}

func TestHandleActorRejectsMalformedNpub(t *testing.T) {
	tr := &fakeTranslator{}
	s := newTestServer(tr)

	req := httptest.NewRequest(http.MethodGet, "/users/not-an-npub", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleActorMapsNotFoundErr(t *testing.T) {
	const pubkey = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	npub, err := idhash.EncodeNpub(pubkey)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}
	tr := &fakeTranslator{actorErr: errors.New("no such actor")}
	s := newTestServer(tr)

	req := httptest.NewRequest(http.MethodGet, "/users/"+npub, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestWriteBridgeErrStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", &bridgeerr.BadRequest{Reason: "x"}, http.StatusBadRequest},
		{"auth failed", &bridgeerr.AuthFailed{Reason: "x"}, http.StatusUnauthorized},
		{"not found", &bridgeerr.NotFound{What: "x"}, http.StatusNotFound},
		{"unmapped", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeBridgeErr(rec, c.err)
			if rec.Code != c.want {
				t.Errorf("writeBridgeErr(%v) status = %d, want %d", c.err, rec.Code, c.want)
			}
		})
	}
}

func TestInboxLimiterPerOriginCap(t *testing.T) {
	l := newInboxLimiter()
	for i := 0; i < maxPerOriginConcurrency; i++ {
		if !l.acquire("fedi.example") {
			t.Fatalf("acquire #%d unexpectedly denied", i)
		}
	}
	if l.acquire("fedi.example") {
		t.Fatal("expected acquire to be denied once at the per-origin cap")
	}
	if !l.acquire("other.example") {
		t.Fatal("expected a different origin to be unaffected by the first origin's cap")
	}

	l.release("fedi.example")
	if !l.acquire("fedi.example") {
		t.Fatal("expected acquire to succeed again after a release")
	}
}

func TestInboxLimiterReleaseBelowZeroIsNoop(t *testing.T) {
	l := newInboxLimiter()
	l.release("fedi.example") // no prior acquire
	if !l.acquire("fedi.example") {
		t.Fatal("expected acquire to succeed after a spurious release")
	}
}

func TestHostOf(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://fedi.example/users/alice", "fedi.example"},
		{"https://fedi.example:8443/users/alice", "fedi.example:8443"},
	}
	for _, c := range cases {
		if got := hostOf(c.in); got != c.want {
			t.Errorf("hostOf(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestHandleServiceActorReturnsApplicationActor(t *testing.T) {
	s := newTestServer(&fakeTranslator{})

	req := httptest.NewRequest(http.MethodGet, "/actor", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["type"] != "Application" {
		t.Errorf("type = %v, want Application", body["type"])
	}
}
