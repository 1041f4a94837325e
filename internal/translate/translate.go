// Package translate implements components C5 (NET-A → NET-N) and C6
// (NET-N → NET-A), the bridge's two translation directions (spec §4.5, §4.6).
package translate

import (
	"context"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/momobridge/bridge/internal/resolver"
)

// IDStore is the subset of internal/store.Store the translators need.
type IDStore interface {
	GetEventID(apID string) (string, bool)
	GetAPID(eventID string) (string, bool)
	Insert(apID, eventID string) error
	DeleteBinding(apID, eventID string) error
	IsStopped(actorID string) bool
	MarkStopped(actorID string) error
	Unstop(actorID string) error
	StoreActorKey(pubkey, actorURL string) error
	GetActorForKey(pubkey string) (string, bool)
	SetKV(key, value string) error
	GetKV(key string) (string, bool)
}

// FollowGraph is the subset of internal/followgraph.Graph the translators need.
type FollowGraph interface {
	Add(netNPubkey, netAID string) error
	Remove(netNPubkey, netAID string) error
	FollowingBy(netAID string) []string
	FollowersOf(netNPubkey string) []string
}

// Deriver is the subset of internal/keys.Deriver the translators need.
type Deriver interface {
	Derive(actorURL string) string
	PublicKey(actorURL string) (string, error)
}

// RelayPublisher publishes a NET-N event to the configured write relays.
type RelayPublisher interface {
	Publish(ctx context.Context, event *nostr.Event) error
}

// ApDeliverer delivers a NET-A activity to one or more inboxes, component C8.
type ApDeliverer interface {
	DeliverToInbox(ctx context.Context, inbox string, activity map[string]interface{}, senderActorURL string) error
	DeliverToFollowers(ctx context.Context, followerInboxes []string, activity map[string]interface{}, senderActorURL string) error
	EnqueueDeletion(ctx context.Context, followerInboxes []string, activity map[string]interface{}, senderActorURL string)
}

// EventFetcher resolves a NET-N event id to its event, used by resolve_event
// and Undo(Like) (spec §4.5.2, §4.5 "Undo(Like)").
type EventFetcher interface {
	FetchByID(ctx context.Context, eventID string) (*nostr.Event, error)
	FetchLastReaction(ctx context.Context, pubkey, targetEventID, proxyLabel string, timeout time.Duration) (*nostr.Event, error)
	FetchMetadata(ctx context.Context, pubkey string) (*nostr.Event, error)
}

// ActorResolver is the subset of internal/resolver.Resolver needed here.
type ActorResolver interface {
	Resolve(ctx context.Context, rawURL string) (*resolver.Resolved, error)
	Invalidate(actorURL string)
}

// Config carries the deployment-level constants spec §6 names.
type Config struct {
	LocalDomain     string // e.g. "https://bridge.example"
	HTTPSDomain     string // bare host, e.g. "bridge.example"
	UserIDPrefix    string
	NoteIDPrefix    string
	ReverseDNSLabel string // e.g. "example.bridge" — dot-reversed DOMAIN
	BotPubkey       string
	ServiceActorURL string // the bridge's own NET-A service actor, LocalDomain + "/actor"
}

// Translator holds every collaborator both translation directions need.
type Translator struct {
	Cfg      Config
	Store    IDStore
	Follows  FollowGraph
	Deriver  Deriver
	Relay    RelayPublisher
	AP       ApDeliverer
	Events   EventFetcher
	Resolver ActorResolver
}

// New builds a Translator from its collaborators.
func New(cfg Config, store IDStore, follows FollowGraph, deriver Deriver, relay RelayPublisher, ap ApDeliverer, events EventFetcher, res ActorResolver) *Translator {
	return &Translator{Cfg: cfg, Store: store, Follows: follows, Deriver: deriver, Relay: relay, AP: ap, Events: events, Resolver: res}
}

// bindingKey builds the opaque (activity-id, authoring-host) binding key
// spec §3 defines for the ID Binding Store, after the anti-spoof host check
// has already been performed by the caller.
func bindingKey(activityID, authoringHost string) string {
	return authoringHost + "\x00" + activityID
}

// hostOf extracts the host component of an absolute URL.
func hostOf(rawURL string) string {
	rest, ok := strings.CutPrefix(rawURL, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(rawURL, "http://")
		if !ok {
			return ""
		}
	}
	host, _, _ := strings.Cut(rest, "/")
	return host
}
