package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"golang.org/x/net/html"

	"github.com/momobridge/bridge/internal/activitypub"
	"github.com/momobridge/bridge/internal/bridgeerr"
	"github.com/momobridge/bridge/internal/idhash"
	"github.com/momobridge/bridge/internal/resolver"
)

// MaxThreadDepth bounds resolve_event's recursive walk (spec §4.5.2).
const MaxThreadDepth = 100

// UndoLikeTimeout bounds the NET-N query Undo(Like) performs (spec §4.5).
const UndoLikeTimeout = 10 * time.Second

// bindingKeyFor derives an id-binding key from an AP object/activity id whose
// authoring host is the id's own host — the common case once the anti-spoof
// host check has already passed for its activity.
func bindingKeyFor(apID string) string {
	return bindingKey(apID, hostOf(apID))
}

// HandleInbox implements C5's entry point. signingActorURL is the keyId
// whose HTTP signature the caller (internal/server) has already verified;
// HandleInbox only requires its host to match the activity's declared actor.
func (t *Translator) HandleInbox(ctx context.Context, signingActorURL string, raw json.RawMessage) error {
	var activity activitypub.IncomingActivity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return &bridgeerr.BadRequest{Reason: "malformed activity: " + err.Error()}
	}

	if activity.Type == "Delete" {
		var objID string
		if json.Unmarshal(activity.Object, &objID) == nil && objID == activity.Actor {
			return nil // Delete(User): ignored silently, spec §4.5 step 1.
		}
	}

	if !activitypub.SameHost(activity.Actor, signingActorURL) {
		return &bridgeerr.AuthFailed{Reason: "activity actor does not match signing actor"}
	}

	resolved, err := t.Resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		return &bridgeerr.Upstream{Op: "resolve inbox actor", Err: err}
	}
	if resolved.IsProxied {
		return &bridgeerr.BadRequest{Reason: "actor is a proxied NET-N identity, cannot originate NET-A activities"}
	}

	if t.Store.IsStopped(activity.Actor) {
		slog.Debug("inbox: actor is opted out, dropping activity", "actor", activity.Actor, "type", activity.Type)
		return nil
	}

	switch activity.Type {
	case "Follow":
		return t.handleFollow(ctx, resolved, activity)
	case "Undo":
		return t.handleUndo(ctx, activity)
	case "Create":
		return t.handleCreate(ctx, activity)
	case "Like":
		return t.handleLike(ctx, activity)
	case "Announce":
		return t.handleAnnounce(ctx, activity)
	case "Delete":
		return t.handleDelete(ctx, activity)
	case "Update":
		return t.handleUpdateActor(ctx, activity)
	default:
		slog.Debug("inbox: unhandled activity type", "type", activity.Type)
		return nil
	}
}

func (t *Translator) handleFollow(ctx context.Context, actor *resolver.Resolved, activity activitypub.IncomingActivity) error {
	var followedURL string
	if err := json.Unmarshal(activity.Object, &followedURL); err != nil {
		return &bridgeerr.BadRequest{Reason: "follow object must be a URL"}
	}
	pubkey, ok, err := idhash.PubkeyFromUserURL(followedURL, t.Cfg.UserIDPrefix)
	if err != nil || !ok {
		return &bridgeerr.BadRequest{Reason: "follow object is not a proxied NET-N identity"}
	}

	if err := t.Follows.Add(pubkey, activity.Actor); err != nil {
		return &bridgeerr.Internal{Err: fmt.Errorf("record follow: %w", err)}
	}

	accept := map[string]interface{}{
		"@context": activitypub.DefaultContext,
		"id":       followedURL + "#accept-" + activity.ID,
		"type":     "Accept",
		"actor":    followedURL,
		"object": map[string]interface{}{
			"id":     activity.ID,
			"type":   "Follow",
			"actor":  activity.Actor,
			"object": followedURL,
		},
		"to": []string{activity.Actor},
	}
	return t.AP.DeliverToInbox(ctx, actor.Actor.Inbox, accept, followedURL)
}

func (t *Translator) handleUndo(ctx context.Context, activity activitypub.IncomingActivity) error {
	var inner activitypub.IncomingActivity
	if err := json.Unmarshal(activity.Object, &inner); err != nil {
		return nil
	}

	switch inner.Type {
	case "Follow":
		var followedURL string
		if json.Unmarshal(inner.Object, &followedURL) != nil {
			return nil
		}
		pubkey, ok, _ := idhash.PubkeyFromUserURL(followedURL, t.Cfg.UserIDPrefix)
		if !ok {
			return nil
		}
		return t.Follows.Remove(pubkey, activity.Actor)

	case "Like":
		return t.handleUndoLike(ctx, activity.Actor, inner)

	default:
		// Unknown Undo object types are accepted and dropped rather than
		// rejected, matching the leniency spec §9 grants forward-compatible
		// activity variants.
		slog.Debug("undo: unhandled inner type", "type", inner.Type)
		return nil
	}
}

func (t *Translator) handleUndoLike(ctx context.Context, actorURL string, like activitypub.IncomingActivity) error {
	var objectURL string
	if json.Unmarshal(like.Object, &objectURL) != nil {
		return nil
	}
	targetEventID, ok, err := idhash.EventIDFromNoteURL(objectURL, t.Cfg.NoteIDPrefix)
	if err != nil || !ok {
		return nil
	}

	proxyPrivkey := t.Deriver.Derive(actorURL)
	pub, err := nostr.GetPublicKey(proxyPrivkey)
	if err != nil {
		return &bridgeerr.Internal{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, UndoLikeTimeout)
	defer cancel()
	reaction, err := t.Events.FetchLastReaction(ctx, pub, targetEventID, like.ID, UndoLikeTimeout)
	if err != nil || reaction == nil {
		slog.Debug("undo(like): no matching reaction found", "actor", actorURL, "target", targetEventID)
		return nil
	}

	del := &nostr.Event{
		Kind:      5,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"e", reaction.ID}},
	}
	if err := del.Sign(proxyPrivkey); err != nil {
		return &bridgeerr.Internal{Err: err}
	}
	return t.Relay.Publish(ctx, del)
}

func (t *Translator) handleCreate(ctx context.Context, activity activitypub.IncomingActivity) error {
	var objMap map[string]interface{}
	if err := json.Unmarshal(activity.Object, &objMap); err != nil {
		return &bridgeerr.BadRequest{Reason: "create object must be an object"}
	}
	objType, _ := objMap["type"].(string)
	if objType != "Note" && objType != "Article" && objType != "Page" {
		return nil
	}
	note := objectMapToNote(objMap)
	if note == nil || note.ID == "" {
		return &bridgeerr.BadRequest{Reason: "create object has no id"}
	}
	if !activitypub.SameHost(note.ID, activity.Actor) {
		return &bridgeerr.BadRequest{Reason: "note id host does not match authoring actor"}
	}

	key := bindingKeyFor(note.ID)
	if _, bound := t.Store.GetEventID(key); bound {
		return nil // dedup: already translated, spec §4.1's contract.
	}

	event, err := t.translateNote(ctx, note, activity.Actor, map[string]struct{}{})
	if err != nil {
		var conv *bridgeerr.NostrConversion
		if isConversionDrop(err, &conv) {
			slog.Debug("create: note dropped", "reason", conv.Reason, "detail", conv.Detail)
			return nil
		}
		return err
	}
	if event == nil {
		return nil
	}

	if err := t.Relay.Publish(ctx, event); err != nil {
		return &bridgeerr.Upstream{Op: "publish note", Err: err}
	}
	return t.Store.Insert(key, event.ID)
}

func (t *Translator) handleLike(ctx context.Context, activity activitypub.IncomingActivity) error {
	if !isPublic(activity) {
		return nil
	}
	key := bindingKeyFor(activity.ID)
	if _, bound := t.Store.GetEventID(key); bound {
		return nil
	}

	var objectURL string
	if json.Unmarshal(activity.Object, &objectURL) != nil {
		return &bridgeerr.BadRequest{Reason: "like object must be a URL"}
	}
	targetEventID, ok, err := idhash.EventIDFromNoteURL(objectURL, t.Cfg.NoteIDPrefix)
	if err != nil || !ok {
		slog.Debug("like: target is not a bridged NET-N event", "object", objectURL)
		return nil
	}

	content := "+"
	if activity.Content != "" {
		content = activity.Content
	}

	privkey := t.Deriver.Derive(activity.Actor)
	event := &nostr.Event{Kind: 7, Content: content, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"e", targetEventID}}}
	if err := event.Sign(privkey); err != nil {
		return &bridgeerr.Internal{Err: err}
	}
	if err := t.Relay.Publish(ctx, event); err != nil {
		return &bridgeerr.Upstream{Op: "publish reaction", Err: err}
	}
	return t.Store.Insert(key, event.ID)
}

func (t *Translator) handleAnnounce(ctx context.Context, activity activitypub.IncomingActivity) error {
	if !isPublic(activity) {
		return nil
	}
	key := bindingKeyFor(activity.ID)
	if _, bound := t.Store.GetEventID(key); bound {
		return nil
	}

	var objectURL string
	if json.Unmarshal(activity.Object, &objectURL) != nil {
		var objMap map[string]interface{}
		if json.Unmarshal(activity.Object, &objMap) != nil {
			return &bridgeerr.BadRequest{Reason: "announce object unparsable"}
		}
		objectURL, _ = objMap["id"].(string)
	}

	eventID, err := t.resolveEvent(ctx, objectURL, map[string]struct{}{})
	if err != nil {
		var conv *bridgeerr.NostrConversion
		if isConversionDrop(err, &conv) {
			slog.Debug("announce: could not resolve target", "reason", conv.Reason)
			return nil
		}
		return err
	}

	privkey := t.Deriver.Derive(activity.Actor)
	event := &nostr.Event{
		Kind:      6,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"e", eventID}},
	}
	if err := event.Sign(privkey); err != nil {
		return &bridgeerr.Internal{Err: err}
	}
	if err := t.Relay.Publish(ctx, event); err != nil {
		return &bridgeerr.Upstream{Op: "publish repost", Err: err}
	}
	return t.Store.Insert(key, event.ID)
}

func (t *Translator) handleDelete(ctx context.Context, activity activitypub.IncomingActivity) error {
	var objectID string
	if json.Unmarshal(activity.Object, &objectID) != nil {
		var tomb map[string]interface{}
		if json.Unmarshal(activity.Object, &tomb) != nil {
			return &bridgeerr.BadRequest{Reason: "delete object unparsable"}
		}
		objectID, _ = tomb["id"].(string)
	}
	if objectID == "" {
		return &bridgeerr.BadRequest{Reason: "delete object has no id"}
	}
	if !activitypub.SameHost(objectID, activity.Actor) {
		return &bridgeerr.BadRequest{Reason: "deleted object host does not match authoring actor"}
	}

	key := bindingKeyFor(objectID)
	eventID, ok := t.Store.GetEventID(key)
	if !ok {
		return nil
	}
	if err := t.Store.DeleteBinding(key, eventID); err != nil {
		slog.Warn("delete: failed to remove binding", "object", objectID, "error", err)
	}

	privkey := t.Deriver.Derive(activity.Actor)
	event := &nostr.Event{Kind: 5, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"e", eventID}}}
	if err := event.Sign(privkey); err != nil {
		return &bridgeerr.Internal{Err: err}
	}
	return t.Relay.Publish(ctx, event)
}

func (t *Translator) handleUpdateActor(ctx context.Context, activity activitypub.IncomingActivity) error {
	var objMap map[string]interface{}
	if json.Unmarshal(activity.Object, &objMap) != nil {
		return &bridgeerr.BadRequest{Reason: "update object unparsable"}
	}
	if !activitypub.IsActor(objMap) {
		return nil
	}

	before, err := t.Resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		return &bridgeerr.Upstream{Op: "resolve actor before update", Err: err}
	}
	beforeFingerprint := before.Actor.Summary + before.Actor.Name + actorIconURL(before.Actor)

	t.Resolver.Invalidate(activity.Actor)
	after, err := t.Resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		return &bridgeerr.Upstream{Op: "refresh updated actor", Err: err}
	}
	afterFingerprint := after.Actor.Summary + after.Actor.Name + actorIconURL(after.Actor)
	if beforeFingerprint == afterFingerprint {
		return nil
	}

	privkey := t.Deriver.Derive(activity.Actor)
	event := &nostr.Event{
		Kind:      0,
		Content:   buildMetadataContent(after),
		CreatedAt: nostr.Now(),
	}
	if err := event.Sign(privkey); err != nil {
		return &bridgeerr.Internal{Err: err}
	}
	return t.Relay.Publish(ctx, event)
}

// ─── §4.5.2 event-by-URL resolution ─────────────────────────────────────────

func (t *Translator) resolveEvent(ctx context.Context, url string, visited map[string]struct{}) (string, error) {
	if eventID, ok, err := idhash.EventIDFromNoteURL(url, t.Cfg.NoteIDPrefix); ok {
		if err != nil {
			return "", &bridgeerr.NostrConversion{Reason: bridgeerr.InvalidID, Detail: url}
		}
		return eventID, nil
	}

	if _, seen := visited[url]; seen {
		return "", &bridgeerr.NostrConversion{Reason: bridgeerr.CyclicReference, Detail: url}
	}
	if len(visited) > MaxThreadDepth {
		return "", &bridgeerr.NostrConversion{Reason: bridgeerr.ThreadTooDeep, Detail: url}
	}

	key := bindingKeyFor(url)
	if eventID, ok := t.Store.GetEventID(key); ok {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := t.Events.FetchByID(fetchCtx, eventID); err == nil {
			return eventID, nil
		}
	}

	obj, err := activitypub.FetchObject(ctx, url)
	if err != nil {
		return "", &bridgeerr.NostrConversion{Reason: bridgeerr.CouldNotFetch, Detail: url}
	}
	note := objectMapToNote(obj)
	if note == nil {
		return "", &bridgeerr.NostrConversion{Reason: bridgeerr.CouldNotFetch, Detail: url}
	}

	urlField := activitypub.ParseURLField(note.URL)
	if urlField.ProxiedFrom != "" {
		if eventID, ok, _ := idhash.EventIDFromNoteURL(urlField.ProxiedFrom, t.Cfg.NoteIDPrefix); ok {
			return eventID, nil
		}
	}

	if t.Store.IsStopped(note.AttributedTo) {
		return "", &bridgeerr.NostrConversion{Reason: bridgeerr.OptOut, Detail: note.AttributedTo}
	}
	if _, err := t.Resolver.Resolve(ctx, note.AttributedTo); err != nil {
		return "", &bridgeerr.NostrConversion{Reason: bridgeerr.CouldNotFetch, Detail: note.AttributedTo}
	}

	nextVisited := make(map[string]struct{}, len(visited)+1)
	for k := range visited {
		nextVisited[k] = struct{}{}
	}
	nextVisited[url] = struct{}{}

	event, err := t.translateNote(ctx, note, note.AttributedTo, nextVisited)
	if err != nil {
		return "", err
	}
	if event == nil {
		return "", &bridgeerr.NostrConversion{Reason: bridgeerr.IsPrivate, Detail: url}
	}
	if err := t.Relay.Publish(ctx, event); err != nil {
		return "", &bridgeerr.Upstream{Op: "publish resolved note", Err: err}
	}
	_ = t.Store.Insert(key, event.ID)
	return event.ID, nil
}

// ─── §4.5.1 Note translation ─────────────────────────────────────────────────

var (
	headMentionRe   = regexp.MustCompile(`^(@[\w.+-]+(@[\w.-]+)?[\s,]*)+`)
	hashtagAnchorRe = regexp.MustCompile(`\[#(\w+)\]\([^)]*\)`)
	anchorHrefRe    = regexp.MustCompile(`(?i)<a\s[^>]*\bhref\s*=\s*["'](https?://[^"']+)["'][^>]*>([^<]*)</a>`)
)

func (t *Translator) translateNote(ctx context.Context, note *activitypub.Note, authorURL string, visited map[string]struct{}) (*nostr.Event, error) {
	// Step 1: privacy check.
	if !noteIsPublic(note) {
		return nil, &bridgeerr.NostrConversion{Reason: bridgeerr.IsPrivate, Detail: note.ID}
	}

	// A note whose url.proxiedFrom already names a NET-N origin must not be
	// re-bridged (spec §4.5 "Create(Note)").
	urlField := activitypub.ParseURLField(note.URL)
	if urlField.ProxiedFrom != "" {
		if _, ok, _ := idhash.EventIDFromNoteURL(urlField.ProxiedFrom, t.Cfg.NoteIDPrefix); ok {
			return nil, &bridgeerr.NostrConversion{Reason: bridgeerr.CyclicReference, Detail: note.ID}
		}
	}

	if t.Store.IsStopped(authorURL) {
		return nil, &bridgeerr.NostrConversion{Reason: bridgeerr.OptOut, Detail: authorURL}
	}

	tags := nostr.Tags{}

	// Step 2: content warning.
	if note.Summary != "" {
		tags = append(tags, nostr.Tag{"content-warning", note.Summary})
	} else if note.Sensitive {
		tags = append(tags, nostr.Tag{"content-warning"})
	}

	// Step 3: reply chain, explicit NIP-10 root/reply markers.
	isReply := false
	if note.InReplyTo != "" {
		isReply = true
		parentEventID, err := t.resolveEvent(ctx, note.InReplyTo, visited)
		if err != nil {
			return nil, err
		}

		rootID := ""
		if parentEvent, err := t.Events.FetchByID(ctx, parentEventID); err == nil && parentEvent != nil {
			if r, ok := findMarkedTag(parentEvent, "root"); ok {
				rootID = r
			}
			for _, pTag := range parentEvent.Tags {
				if len(pTag) >= 2 && pTag[0] == "p" {
					tags = append(tags, pTag)
				}
			}
		}
		if rootID == "" {
			rootID = parentEventID
		}
		if parentObj, err := activitypub.FetchObject(ctx, note.InReplyTo); err == nil {
			if parentNote := objectMapToNote(parentObj); parentNote != nil && parentNote.AttributedTo != "" {
				tags = append(tags, nostr.Tag{"p", t.Deriver.Derive(parentNote.AttributedTo)})
			}
		}

		tags = append(tags, nostr.Tag{"e", rootID, "", "root"})
		tags = append(tags, nostr.Tag{"e", parentEventID, "", "reply"})
	}

	// Step 4: mentions, emoji, hashtags.
	for _, rawTag := range note.Tag {
		m, ok := rawTag.(map[string]interface{})
		if !ok {
			continue
		}
		switch fmt.Sprint(m["type"]) {
		case "Mention":
			href, _ := m["href"].(string)
			if href == "" {
				continue
			}
			if pubkey, ok, _ := idhash.PubkeyFromUserURL(href, t.Cfg.UserIDPrefix); ok {
				tags = append(tags, nostr.Tag{"p", pubkey})
			} else if resolved, err := t.Resolver.Resolve(ctx, href); err == nil && !resolved.IsProxied {
				tags = append(tags, nostr.Tag{"p", resolved.DerivedPubkey})
			}
		case "Emoji":
			name, _ := m["name"].(string)
			icon, _ := m["icon"].(map[string]interface{})
			iconURL, _ := icon["url"].(string)
			tags = append(tags, nostr.Tag{"emoji", strings.Trim(name, ":"), iconURL})
		case "Hashtag":
			name, _ := m["name"].(string)
			tags = append(tags, nostr.Tag{"t", strings.TrimPrefix(name, "#")})
		}
	}

	// Step 5/6/7: body.
	var content string
	if note.Source != nil && note.Source.MediaType == "text/x.misskeymarkdown" {
		content = note.Source.Content
	} else {
		content = htmlToText(note.Content)
	}
	content = hashtagAnchorRe.ReplaceAllString(content, "#$1")
	if isReply {
		content = headMentionRe.ReplaceAllString(content, "")
	}
	content = t.rewriteInlineMentions(ctx, content, note.Content)

	// Step 8: attachments.
	for _, att := range note.Attachment {
		if att.URL == "" {
			continue
		}
		content += "\n" + att.URL
		imeta := nostr.Tag{"imeta", "url " + att.URL}
		if att.MediaType != "" {
			imeta = append(imeta, "m "+att.MediaType)
		}
		tags = append(tags, imeta)
	}

	// Step 9: quote.
	if note.QuoteURL != "" {
		quoteEventID, err := t.resolveEvent(ctx, note.QuoteURL, visited)
		if err == nil {
			tags = append(tags, nostr.Tag{"q", quoteEventID})
			if quoteObj, err := activitypub.FetchObject(ctx, note.QuoteURL); err == nil {
				if quoteNote := objectMapToNote(quoteObj); quoteNote != nil && quoteNote.AttributedTo != "" {
					tags = append(tags, nostr.Tag{"p", t.Deriver.Derive(quoteNote.AttributedTo)})
				}
			}
			if noteID, err := nip19.EncodeNote(quoteEventID); err == nil {
				content += "\n\nnostr:" + noteID
			}
		}
	}

	// Step 10: proxy + label tags, scoped to the bridge's reverse-DNS domain.
	tags = append(tags, nostr.Tag{"proxy", note.ID, "ActivityPub"})
	tags = append(tags, nostr.Tag{"L", t.Cfg.ReverseDNSLabel})
	tags = append(tags, nostr.Tag{"l", note.ID, t.Cfg.ReverseDNSLabel})

	// Step 12: build and sign.
	event := &nostr.Event{
		Kind:      1,
		Content:   content,
		CreatedAt: parseAPTimestamp(note.Published),
		Tags:      tags,
	}
	privkey := t.Deriver.Derive(authorURL)
	if err := event.Sign(privkey); err != nil {
		return nil, &bridgeerr.Internal{Err: err}
	}
	return event, nil
}

// rewriteInlineMentions replaces each "@user" mention anchor's display text
// with a nostr:<npub> reference, per spec §4.5.1 step 7.
func (t *Translator) rewriteInlineMentions(ctx context.Context, plainContent, htmlContent string) string {
	matches := anchorHrefRe.FindAllStringSubmatch(htmlContent, -1)
	for _, m := range matches {
		href, text := m[1], m[2]
		if !strings.HasPrefix(text, "@") {
			continue
		}
		var bech32 string
		if pubkey, ok, _ := idhash.PubkeyFromUserURL(href, t.Cfg.UserIDPrefix); ok {
			bech32, _ = nip19.EncodePublicKey(pubkey)
		} else if resolved, err := t.Resolver.Resolve(ctx, href); err == nil && !resolved.IsProxied {
			bech32, _ = nip19.EncodePublicKey(resolved.DerivedPubkey)
		}
		if bech32 == "" {
			continue
		}
		replacement := "nostr:" + bech32
		idx := strings.Index(plainContent, text)
		if idx < 0 {
			continue
		}
		plainContent = plainContent[:idx] + replacement + plainContent[idx+len(text):]
	}
	return plainContent
}

func findMarkedTag(event *nostr.Event, marker string) (id string, ok bool) {
	for _, tag := range event.Tags {
		if len(tag) >= 4 && tag[0] == "e" && tag[3] == marker {
			return tag[1], true
		}
	}
	return "", false
}

func htmlToText(h string) string {
	z := html.NewTokenizer(strings.NewReader(h))
	var sb strings.Builder
	skip := false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if !skip {
				sb.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip = true
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			case "br":
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip = false
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			}
		}
	}
	text := sb.String()
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

func noteIsPublic(note *activitypub.Note) bool {
	for _, r := range note.To {
		if r == activitypub.PublicURI {
			return true
		}
	}
	for _, r := range note.CC {
		if r == activitypub.PublicURI {
			return true
		}
	}
	return false
}

func isPublic(activity activitypub.IncomingActivity) bool {
	for _, r := range activity.To {
		if r == activitypub.PublicURI {
			return true
		}
	}
	for _, r := range activity.CC {
		if r == activitypub.PublicURI {
			return true
		}
	}
	return false
}

func parseAPTimestamp(s string) nostr.Timestamp {
	if s == "" {
		return nostr.Now()
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nostr.Now()
	}
	return nostr.Timestamp(ts.Unix())
}

func actorIconURL(a *activitypub.Actor) string {
	if a == nil || a.Icon == nil {
		return ""
	}
	return a.Icon.URL
}

// buildMetadataContent renders a resolved NET-A actor into a NET-N kind-0
// metadata document, used by Update(Actor) here.
func buildMetadataContent(resolved *resolver.Resolved) string {
	actor := resolved.Actor
	meta := map[string]interface{}{
		"name":  actor.PreferredUsername,
		"about": htmlToText(actor.Summary),
	}
	if actor.Name != "" {
		meta["display_name"] = actor.Name
	}
	if url := actorIconURL(actor); url != "" {
		meta["picture"] = url
	}
	if actor.Image != nil && actor.Image.URL != "" {
		meta["banner"] = actor.Image.URL
	}
	if resolved.Handle != "" {
		meta["nip05"] = resolved.Handle
	}
	data, _ := json.Marshal(meta)
	return string(data)
}

// objectMapToNote converts a raw decoded AP object into a Note, reusing the
// same json tags activitypub.Note declares for its own wire parsing.
func objectMapToNote(obj map[string]interface{}) *activitypub.Note {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	var note activitypub.Note
	if err := json.Unmarshal(data, &note); err != nil {
		return nil
	}
	return &note
}

func isConversionDrop(err error, target **bridgeerr.NostrConversion) bool {
	if c, ok := err.(*bridgeerr.NostrConversion); ok {
		*target = c
		return true
	}
	return false
}
