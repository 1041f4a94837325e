package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/momobridge/bridge/internal/activitypub"
)

// HandleOutbound implements C6's entry point, dispatching a relay-delivered
// NET-N event to the appropriate NET-A activity builder (spec §4.6). It is
// the EventHandler passed to internal/subscription.Subscriber.
func (t *Translator) HandleOutbound(ctx context.Context, event *nostr.Event) {
	if ok, err := event.CheckSignature(); !ok || err != nil {
		slog.Debug("outbound: invalid event signature", "id", event.ID)
		return
	}
	if isProxyEvent(event) {
		return // loop prevention: this event was produced by C5 itself.
	}

	var err error
	switch event.Kind {
	case 0:
		err = t.handleMetadata(ctx, event)
	case 1:
		err = t.handleTextNote(ctx, event)
	case 3:
		err = t.handleContactList(ctx, event)
	case 5:
		err = t.handleDeletion(ctx, event)
	case 6:
		err = t.handleRepost(ctx, event)
	case 7:
		err = t.handleReaction(ctx, event)
	default:
		return
	}
	if err != nil {
		slog.Warn("outbound: translation failed", "kind", event.Kind, "id", event.ID, "error", err)
	}
}

// actorURLFor returns the NET-A actor URL a NET-N pubkey should be addressed
// as: its real AP actor if it was itself bridged in from NET-A, otherwise
// this bridge's own proxy facade under the configured user-ID prefix.
func (t *Translator) actorURLFor(pubkey string) string {
	if apURL, ok := t.Store.GetActorForKey(pubkey); ok {
		return apURL
	}
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		npub = pubkey
	}
	return t.Cfg.UserIDPrefix + npub
}

// objectURLFor returns the NET-A object URL a NET-N event id should be
// addressed as: its original ap_id if the event was itself bridged in from
// NET-A, otherwise this bridge's own proxy URL under the note-ID prefix.
func (t *Translator) objectURLFor(eventID string) string {
	if apID, ok := t.Store.GetAPID(eventID); ok {
		return apID
	}
	noteID, err := nip19.EncodeNote(eventID)
	if err != nil {
		noteID = eventID
	}
	return t.Cfg.NoteIDPrefix + noteID
}

// followerInboxes resolves a pubkey's NET-A follower set to delivery
// endpoints, preferring each actor's shared inbox, per spec §4.8.
func (t *Translator) followerInboxes(ctx context.Context, followerIDs []string) []string {
	seen := make(map[string]struct{}, len(followerIDs))
	var inboxes []string
	for _, netAID := range followerIDs {
		resolved, err := t.Resolver.Resolve(ctx, netAID)
		if err != nil || resolved.IsProxied || resolved.Actor == nil {
			continue
		}
		inbox := resolved.Actor.Inbox
		if resolved.Actor.Endpoints != nil && resolved.Actor.Endpoints.SharedInbox != "" {
			inbox = resolved.Actor.Endpoints.SharedInbox
		}
		if inbox == "" {
			continue
		}
		if _, dup := seen[inbox]; dup {
			continue
		}
		seen[inbox] = struct{}{}
		inboxes = append(inboxes, inbox)
	}
	return inboxes
}

// PublishContactList implements internal/followgraph.Publisher: it signs and
// publishes a kind-3 contact list, under netAID's own derived proxy key,
// listing the NET-N pubkeys netAID currently follows (spec §4.4's
// "regenerated contact list signed by the proxy key of the follower").
func (t *Translator) PublishContactList(netAID string, followingPubkeys []string) error {
	privkey := t.Deriver.Derive(netAID)
	tags := make(nostr.Tags, 0, len(followingPubkeys))
	for _, pk := range followingPubkeys {
		tags = append(tags, nostr.Tag{"p", pk})
	}
	event := &nostr.Event{Kind: 3, CreatedAt: nostr.Now(), Tags: tags, Content: "{}"}
	if err := event.Sign(privkey); err != nil {
		return fmt.Errorf("sign contact list for %s: %w", netAID, err)
	}
	return t.Relay.Publish(context.Background(), event)
}

// ─── kind 0: Metadata ───────────────────────────────────────────────────────

func (t *Translator) handleMetadata(ctx context.Context, event *nostr.Event) error {
	followers := t.Follows.FollowersOf(event.PubKey)
	if len(followers) == 0 {
		return nil
	}
	actor := t.buildActorDocument(event)
	update := map[string]interface{}{
		"@context":  activitypub.DefaultContext,
		"id":        fmt.Sprintf("%s#update-%d", actor.ID, event.CreatedAt),
		"type":      "Update",
		"actor":     actor.ID,
		"object":    actor,
		"to":        []string{activitypub.PublicURI},
		"cc":        []string{actor.Followers},
		"published": eventTimeRFC3339(event),
	}
	inboxes := t.followerInboxes(ctx, followers)
	if len(inboxes) == 0 {
		return nil
	}
	return t.AP.DeliverToFollowers(ctx, inboxes, update, actor.ID)
}

type nostrMetadata struct {
	Name    string     `json:"name"`
	About   string     `json:"about"`
	Picture string     `json:"picture"`
	Banner  string     `json:"banner"`
	NIP05   string     `json:"nip05"`
	Fields  [][]string `json:"fields"`
}

func (t *Translator) buildActorDocument(event *nostr.Event) *activitypub.Actor {
	var meta nostrMetadata
	_ = json.Unmarshal([]byte(event.Content), &meta)

	actorURL := t.actorURLFor(event.PubKey)
	actor := &activitypub.Actor{
		ID:                actorURL,
		Type:              "Person",
		PreferredUsername: displayHandle(event.PubKey),
		Name:              meta.Name,
		Summary:           linkify(meta.About),
		Inbox:             actorURL + "/inbox",
		Outbox:            actorURL + "/outbox",
		Followers:         actorURL + "/followers",
		Following:         actorURL + "/following",
		PublicKey: &activitypub.PublicKey{
			ID:    actorURL + "#main-key",
			Owner: actorURL,
		},
		Endpoints: &activitypub.Endpoints{SharedInbox: t.Cfg.LocalDomain + "/inbox"},
	}
	if meta.Picture != "" {
		actor.Icon = &activitypub.Image{Type: "Image", URL: meta.Picture}
	}
	if meta.Banner != "" {
		actor.Image = &activitypub.Image{Type: "Image", URL: meta.Banner}
	}
	for _, field := range meta.Fields {
		if len(field) >= 2 {
			actor.Attachment = append(actor.Attachment, activitypub.PropertyValue{
				Type: "PropertyValue", Name: field[0], Value: linkify(field[1]),
			})
		}
	}
	for _, tag := range event.Tags {
		if len(tag) >= 3 && tag[0] == "emoji" {
			actor.Tag = append(actor.Tag, activitypub.Emoji{
				Type: "Emoji", Name: ":" + tag[1] + ":",
				Icon: &activitypub.Image{Type: "Image", URL: tag[2]},
			})
		}
	}
	return actor
}

func displayHandle(pubkey string) string {
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return pubkey
	}
	return npub
}

// ─── kind 1: TextNote ───────────────────────────────────────────────────────

func (t *Translator) handleTextNote(ctx context.Context, event *nostr.Event) error {
	if isRepostShaped(event) {
		return t.handleRepost(ctx, event)
	}
	followers := t.Follows.FollowersOf(event.PubKey)
	if len(followers) == 0 {
		return nil
	}
	note := t.buildNote(ctx, event)
	create := map[string]interface{}{
		"@context":  activitypub.DefaultContext,
		"id":        note.ID + "/activity",
		"type":      "Create",
		"actor":     note.AttributedTo,
		"object":    note,
		"to":        note.To,
		"cc":        note.CC,
		"published": note.Published,
	}
	inboxes := t.followerInboxes(ctx, followers)
	if len(inboxes) == 0 {
		return nil
	}
	return t.AP.DeliverToFollowers(ctx, inboxes, create, note.AttributedTo)
}

var (
	outTagRefRe  = regexp.MustCompile(`\n{0,2}#\[\d+\]$`)
	outTrailRe   = regexp.MustCompile(`\s+$`)
	outURLRe     = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	outMentionRe = regexp.MustCompile(`nostr:(npub|nprofile)[a-z0-9]+`)
)

func (t *Translator) buildNote(ctx context.Context, event *nostr.Event) *activitypub.Note {
	actorURL := t.actorURLFor(event.PubKey)
	note := &activitypub.Note{
		ID:           t.objectURLFor(event.ID),
		Type:         "Note",
		AttributedTo: actorURL,
		Published:    eventTimeRFC3339(event),
		To:           []string{activitypub.PublicURI},
		CC:           []string{actorURL + "/followers"},
	}

	if replyID, ok := findMarkedTag(event, "reply"); ok {
		note.InReplyTo = t.objectURLFor(replyID)
	} else if rootID, ok := findMarkedTag(event, "root"); ok {
		note.InReplyTo = t.objectURLFor(rootID)
	}
	if quoteID := lastTag(event, "q"); quoteID != "" {
		note.QuoteURL = t.objectURLFor(quoteID)
	}

	for _, tag := range event.Tags {
		switch {
		case len(tag) >= 2 && tag[0] == "p":
			mentionURL := t.actorURLFor(tag[1])
			note.Tag = append(note.Tag, activitypub.Mention{
				Type: "Mention", Href: mentionURL, Name: "@" + shortPubkey(tag[1]),
			})
			note.To = append(note.To, mentionURL)
		case len(tag) >= 2 && tag[0] == "t":
			note.Tag = append(note.Tag, activitypub.Hashtag{
				Type: "Hashtag", Href: t.Cfg.LocalDomain + "/tags/" + tag[1], Name: "#" + tag[1],
			})
		case len(tag) >= 3 && tag[0] == "emoji":
			note.Tag = append(note.Tag, activitypub.Emoji{
				Type: "Emoji", Name: ":" + tag[1] + ":",
				Icon: &activitypub.Image{Type: "Image", URL: tag[2]},
			})
		case len(tag) >= 1 && tag[0] == "content-warning":
			note.Sensitive = true
			if len(tag) >= 2 {
				note.Summary = tag[1]
			}
		case tag[0] == "imeta":
			if att := parseImetaTag(tag[1:]); att != nil {
				note.Attachment = append(note.Attachment, *att)
			}
		}
	}

	note.Content = t.renderOutboundContent(ctx, event.Content)
	return note
}

func (t *Translator) renderOutboundContent(ctx context.Context, content string) string {
	if content == "" {
		return ""
	}
	content = outTagRefRe.ReplaceAllString(content, "")
	content = outTrailRe.ReplaceAllString(content, "")

	content = outMentionRe.ReplaceAllStringFunc(content, func(s string) string {
		bech32 := strings.TrimPrefix(s, "nostr:")
		pubkey, err := idhashDecodeMention(bech32)
		if err != nil {
			return s
		}
		actorURL := t.actorURLFor(pubkey)
		return fmt.Sprintf(`<a href="%s">@%s</a>`, actorURL, shortPubkey(pubkey))
	})

	escaped := html.EscapeString(content)
	escaped = strings.ReplaceAll(escaped, "\n", "<br/>")
	escaped = outURLRe.ReplaceAllStringFunc(escaped, func(u string) string {
		return fmt.Sprintf(`<a href="%s" rel="nofollow noopener noreferrer" target="_blank">%s</a>`, u, u)
	})
	return escaped
}

func idhashDecodeMention(bech32 string) (string, error) {
	prefix, data, err := nip19.Decode(bech32)
	if err != nil {
		return "", err
	}
	switch prefix {
	case "npub":
		return data.(string), nil
	case "nprofile":
		return data.(nostr.ProfilePointer).PublicKey, nil
	default:
		return "", fmt.Errorf("unexpected mention prefix %q", prefix)
	}
}

func shortPubkey(pubkey string) string {
	if len(pubkey) > 8 {
		return pubkey[:8]
	}
	return pubkey
}

func parseImetaTag(entries []string) *activitypub.Attachment {
	att := &activitypub.Attachment{Type: "Document"}
	for _, entry := range entries {
		parts := strings.SplitN(entry, " ", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "url":
			att.URL = parts[1]
		case "m":
			att.MediaType = parts[1]
		}
	}
	if att.URL == "" {
		return nil
	}
	return att
}

func linkify(text string) string {
	if text == "" {
		return ""
	}
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\n", "<br/>")
	return outURLRe.ReplaceAllStringFunc(escaped, func(u string) string {
		return fmt.Sprintf(`<a href="%s" rel="nofollow noopener noreferrer" target="_blank">%s</a>`, u, u)
	})
}

// ─── kind 6 + repost-shaped kind 1: Announce ────────────────────────────────

var repostPlaceholderRe = regexp.MustCompile(`^#\[\d+\]$`)

func isRepostShaped(event *nostr.Event) bool {
	content := strings.TrimSpace(event.Content)
	if content != "" && !repostPlaceholderRe.MatchString(content) {
		return false
	}
	return lastTag(event, "q") != ""
}

func (t *Translator) handleRepost(ctx context.Context, event *nostr.Event) error {
	quoteID := lastTag(event, "q")
	if quoteID == "" {
		quoteID = lastTag(event, "e")
	}
	if quoteID == "" {
		return nil
	}
	followers := t.Follows.FollowersOf(event.PubKey)
	if len(followers) == 0 {
		return nil
	}
	actorURL := t.actorURLFor(event.PubKey)
	announce := map[string]interface{}{
		"@context":  activitypub.DefaultContext,
		"id":        t.objectURLFor(event.ID),
		"type":      "Announce",
		"actor":     actorURL,
		"object":    t.objectURLFor(quoteID),
		"published": eventTimeRFC3339(event),
		"to":        []string{activitypub.PublicURI},
		"cc":        []string{actorURL + "/followers"},
	}
	inboxes := t.followerInboxes(ctx, followers)
	if len(inboxes) == 0 {
		return nil
	}
	return t.AP.DeliverToFollowers(ctx, inboxes, announce, actorURL)
}

// ─── kind 7: Reaction ───────────────────────────────────────────────────────

func (t *Translator) handleReaction(ctx context.Context, event *nostr.Event) error {
	targetID := lastTag(event, "e")
	if targetID == "" {
		return nil
	}
	followers := t.Follows.FollowersOf(event.PubKey)
	if len(followers) == 0 {
		return nil
	}
	actorURL := t.actorURLFor(event.PubKey)

	activityType := "Like"
	content := event.Content
	obj := map[string]interface{}{
		"@context": activitypub.DefaultContext,
		"id":       t.objectURLFor(event.ID),
		"actor":    actorURL,
		"object":   t.objectURLFor(targetID),
		"to":       []string{activitypub.PublicURI},
		"cc":       []string{actorURL + "/followers"},
	}
	if content != "" && content != "+" && isEmojiContent(content) {
		obj["type"] = "EmojiReact"
		obj["content"] = content
	} else {
		obj["type"] = activityType
	}

	inboxes := t.followerInboxes(ctx, followers)
	if len(inboxes) == 0 {
		return nil
	}
	return t.AP.DeliverToFollowers(ctx, inboxes, obj, actorURL)
}

func isEmojiContent(s string) bool {
	if s == "" || s == "+" || s == "-" {
		return false
	}
	for _, r := range s {
		if (r >= 0x1F000 && r <= 0x1FAFF) ||
			(r >= 0x2600 && r <= 0x27BF) ||
			(r >= 0x2300 && r <= 0x23FF) ||
			(r >= 0x2B00 && r <= 0x2BFF) {
			return true
		}
	}
	return false
}

// ─── kind 5: EventDeletion ──────────────────────────────────────────────────

func (t *Translator) handleDeletion(ctx context.Context, event *nostr.Event) error {
	followers := t.Follows.FollowersOf(event.PubKey)
	if len(followers) == 0 {
		return nil
	}
	actorURL := t.actorURLFor(event.PubKey)
	inboxes := t.followerInboxes(ctx, followers)
	if len(inboxes) == 0 {
		return nil
	}
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		del := map[string]interface{}{
			"@context": activitypub.DefaultContext,
			"id":       t.objectURLFor(event.ID),
			"type":     "Delete",
			"actor":    actorURL,
			"object":   t.objectURLFor(tag[1]),
			"to":       []string{activitypub.PublicURI},
			"cc":       []string{actorURL + "/followers"},
		}
		t.AP.EnqueueDeletion(ctx, inboxes, del, actorURL)
	}
	return nil
}

// ─── kind 3: ContactList ────────────────────────────────────────────────────

func (t *Translator) handleContactList(ctx context.Context, event *nostr.Event) error {
	facadeURL := t.actorURLFor(event.PubKey)

	desired := make(map[string]struct{})
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		if apURL, ok := t.Store.GetActorForKey(tag[1]); ok {
			desired[apURL] = struct{}{}
		}
	}

	current := t.getFollowingAP(facadeURL)
	currentSet := make(map[string]struct{}, len(current))
	for _, u := range current {
		currentSet[u] = struct{}{}
	}

	for apURL := range desired {
		if _, already := currentSet[apURL]; already {
			continue
		}
		t.sendFollowChange(ctx, facadeURL, apURL, "Follow")
	}
	for apURL := range currentSet {
		if _, still := desired[apURL]; still {
			continue
		}
		t.sendFollowChange(ctx, facadeURL, apURL, "Undo")
	}

	newList := make([]string, 0, len(desired))
	for u := range desired {
		newList = append(newList, u)
	}
	sort.Strings(newList)
	t.setFollowingAP(facadeURL, newList)
	return nil
}

func (t *Translator) sendFollowChange(ctx context.Context, facadeURL, targetActorURL, kind string) {
	resolved, err := t.Resolver.Resolve(ctx, targetActorURL)
	if err != nil || resolved.Actor == nil {
		slog.Debug("contact-list: could not resolve target actor", "actor", targetActorURL, "error", err)
		return
	}

	follow := map[string]interface{}{
		"@context": activitypub.DefaultContext,
		"id":       fmt.Sprintf("%s#follow-%d", facadeURL, nostr.Now()),
		"type":     "Follow",
		"actor":    facadeURL,
		"object":   targetActorURL,
		"to":       []string{targetActorURL},
	}

	var activity map[string]interface{}
	if kind == "Follow" {
		activity = follow
	} else {
		activity = map[string]interface{}{
			"@context": activitypub.DefaultContext,
			"id":       fmt.Sprintf("%s#unfollow-%d", facadeURL, nostr.Now()),
			"type":     "Undo",
			"actor":    facadeURL,
			"object":   follow,
			"to":       []string{targetActorURL},
		}
	}

	if err := t.AP.DeliverToInbox(ctx, resolved.Actor.Inbox, activity, facadeURL); err != nil {
		slog.Warn("contact-list: follow-change delivery failed", "actor", targetActorURL, "kind", kind, "error", err)
	}
}

func (t *Translator) getFollowingAP(facadeURL string) []string {
	raw, ok := t.Store.GetKV("following-ap:" + facadeURL)
	if !ok {
		return nil
	}
	var list []string
	_ = json.Unmarshal([]byte(raw), &list)
	return list
}

func (t *Translator) setFollowingAP(facadeURL string, list []string) {
	data, _ := json.Marshal(list)
	_ = t.Store.SetKV("following-ap:"+facadeURL, string(data))
}

// ─── shared helpers ─────────────────────────────────────────────────────────

func isProxyEvent(event *nostr.Event) bool {
	for _, tag := range event.Tags {
		if len(tag) >= 1 && tag[0] == "proxy" {
			return true
		}
	}
	return false
}

func lastTag(event *nostr.Event, name string) string {
	for i := len(event.Tags) - 1; i >= 0; i-- {
		tag := event.Tags[i]
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func eventTimeRFC3339(event *nostr.Event) string {
	return time.Unix(int64(event.CreatedAt), 0).UTC().Format(time.RFC3339)
}

// ActorDocument builds the NET-A actor document for a bridged NET-N pubkey,
// fetching its latest kind-0 metadata event on demand. Used by the HTTP
// server's GET /users/{npub} route (spec §6).
func (t *Translator) ActorDocument(ctx context.Context, pubkey string) (*activitypub.Actor, error) {
	event, err := t.Events.FetchMetadata(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	return t.buildActorDocument(event), nil
}

// NoteDocument builds the NET-A note document for a bridged NET-N event id,
// fetching the event on demand. Used by the HTTP server's GET /notes/{id}
// route (spec §6).
func (t *Translator) NoteDocument(ctx context.Context, eventID string) (*activitypub.Note, error) {
	event, err := t.Events.FetchByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return t.buildNote(ctx, event), nil
}
