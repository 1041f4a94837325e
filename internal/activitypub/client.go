package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
)

// ErrGone is returned when a remote resource responds with HTTP 410 Gone.
var ErrGone = errors.New("resource gone (410)")

// ErrActorGone is returned by VerifySignature when the signing actor's key
// URL responds with 410. internal/server treats it like any other
// verification failure and rejects the request with 401.
var ErrActorGone = errors.New("signing actor is gone (410)")

var httpClient = &http.Client{Timeout: 10 * time.Second}

var (
	objectCacheTTL           = time.Hour
	objectCacheSweepInterval = 10 * time.Minute
)

// UserAgent is set once at startup from config (the "Bridge/{version}
// ({HTTPS_DOMAIN})" form spec §6 requires).
var UserAgent = "bridge/1.0"

// SetObjectCacheTTL overrides the actor/object + webfinger cache TTL.
func SetObjectCacheTTL(d time.Duration) {
	if d > 0 {
		objectCacheTTL = d
	}
}

type cacheEntry struct {
	obj     map[string]interface{}
	expires time.Time
}

var objectCache sync.Map // url -> cacheEntry

type wfCacheEntry struct {
	actorURL string
	expires  time.Time
}

var wfCache sync.Map // lowercased handle -> wfCacheEntry

func init() {
	go func() {
		ticker := time.NewTicker(objectCacheSweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now()
			objectCache.Range(func(k, v any) bool {
				if now.After(v.(cacheEntry).expires) {
					objectCache.Delete(k)
				}
				return true
			})
			wfCache.Range(func(k, v any) bool {
				if now.After(v.(wfCacheEntry).expires) {
					wfCache.Delete(k)
				}
				return true
			})
		}
	}()
}

// FetchObject fetches a NET-A object, caching the result for objectCacheTTL.
func FetchObject(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	if cached, ok := objectCache.Load(rawURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.obj, nil
		}
		objectCache.Delete(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", rawURL, err)
	}

	objectCache.Store(rawURL, cacheEntry{obj: obj, expires: time.Now().Add(objectCacheTTL)})
	return obj, nil
}

// FetchActor fetches and parses a NET-A Actor document.
func FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	obj, err := FetchObject(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	return mapToActor(obj), nil
}

// FetchNote fetches and parses a NET-A Note (or Article/Question) document.
func FetchNote(ctx context.Context, noteURL string) (*Note, map[string]interface{}, error) {
	obj, err := FetchObject(ctx, noteURL)
	if err != nil {
		return nil, nil, err
	}
	return mapToNote(obj), obj, nil
}

// InvalidateCache removes a URL from the object cache.
func InvalidateCache(rawURL string) { objectCache.Delete(rawURL) }

// WebFingerResolve resolves a handle like "alice@example.com" to a NET-A
// actor URL, per spec §4.2 step 4.
func WebFingerResolve(ctx context.Context, handle string) (string, error) {
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid handle %q: expected user@domain", handle)
	}
	domain := parts[1]

	cacheKey := strings.ToLower(handle)
	if cached, ok := wfCache.Load(cacheKey); ok {
		entry := cached.(wfCacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.actorURL, nil
		}
		wfCache.Delete(cacheKey)
	}

	wfURL := "https://" + domain + "/.well-known/webfinger?resource=acct:" + handle

	req, err := http.NewRequestWithContext(ctx, "GET", wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned HTTP %d for %s", resp.StatusCode, handle)
	}

	var wf struct {
		Links []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return "", fmt.Errorf("webfinger decode: %w", err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && isAPMediaType(link.Type) {
			wfCache.Store(cacheKey, wfCacheEntry{actorURL: link.Href, expires: time.Now().Add(objectCacheTTL)})
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no NET-A actor link found for %s", handle)
}

// DeliverActivity signs activity with the sender's RSA key and POSTs it to
// inbox, per spec §4.8 / §6's HTTP-signature transport.
func DeliverActivity(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) (status int, err error) {
	body, err := json.Marshal(activity)
	if err != nil {
		return 0, fmt.Errorf("marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", inbox, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return 0, fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return 0, fmt.Errorf("sign request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("deliver to %s: HTTP %d", inbox, resp.StatusCode)
	}

	slog.Debug("delivered activity", "inbox", inbox, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

// maxDateSkew bounds the Date header against replay, matching the window
// large fediverse servers enforce.
const maxDateSkew = 30 * time.Second

// VerifyDigest checks the Digest header (if present) against body's SHA-256.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	want := digestHeader[len(prefix):]
	if got != want {
		return fmt.Errorf("digest mismatch: body SHA-256=%s, header claims SHA-256=%s", got, want)
	}
	return nil
}

// VerifySignature verifies an inbound HTTP signature and returns the keyID.
func VerifySignature(req *http.Request) (string, error) {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return "", fmt.Errorf("missing Date header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return "", fmt.Errorf("invalid Date header %q: %w", dateStr, err)
	}
	if skew := time.Since(reqTime); skew > maxDateSkew || skew < -maxDateSkew {
		return "", fmt.Errorf("Date header too skewed (%v, allowed ±%v)", skew.Round(time.Second), maxDateSkew)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}

	keyID := verifier.KeyId()
	actorURL := strings.Split(keyID, "#")[0]
	actor, err := FetchActor(req.Context(), actorURL)
	if err != nil {
		if errors.Is(err, ErrGone) {
			slog.Debug("actor gone, deferring accept decision to caller", "keyId", keyID)
			return keyID, ErrActorGone
		}
		return "", fmt.Errorf("fetch actor for key %s: %w", keyID, err)
	}

	if actor.PublicKey == nil {
		return "", fmt.Errorf("actor %s has no public key", actorURL)
	}

	pubKey, err := ParsePublicKeyPEM(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", actorURL, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	return keyID, nil
}

func mapToActor(m map[string]interface{}) *Actor {
	if m == nil {
		return nil
	}
	actor := &Actor{
		ID:                getString(m, "id"),
		Type:              getString(m, "type"),
		Name:              getString(m, "name"),
		PreferredUsername: getString(m, "preferredUsername"),
		Summary:           getString(m, "summary"),
		Inbox:             getString(m, "inbox"),
		Outbox:            getString(m, "outbox"),
		Followers:         getString(m, "followers"),
		Following:         getString(m, "following"),
		URL:               getString(m, "url"),
	}
	if pk, ok := m["publicKey"].(map[string]interface{}); ok {
		actor.PublicKey = &PublicKey{
			ID:           getString(pk, "id"),
			Owner:        getString(pk, "owner"),
			PublicKeyPem: getString(pk, "publicKeyPem"),
		}
	}
	if ep, ok := m["endpoints"].(map[string]interface{}); ok {
		actor.Endpoints = &Endpoints{SharedInbox: getString(ep, "sharedInbox")}
	}
	if icon, ok := m["icon"].(map[string]interface{}); ok {
		actor.Icon = &Image{Type: getString(icon, "type"), URL: getString(icon, "url")}
	}
	return actor
}

func mapToNote(m map[string]interface{}) *Note {
	if m == nil {
		return nil
	}
	note := &Note{
		ID:           getString(m, "id"),
		Type:         getString(m, "type"),
		Name:         getString(m, "name"),
		AttributedTo: getString(m, "attributedTo"),
		Content:      getString(m, "content"),
		Published:    getString(m, "published"),
		InReplyTo:    getString(m, "inReplyTo"),
		QuoteURL:     getString(m, "quoteUrl"),
		Summary:      getString(m, "summary"),
	}
	if u, ok := m["url"]; ok {
		note.URL = u
	}
	if src, ok := m["source"].(map[string]interface{}); ok {
		note.Source = &Source{Content: getString(src, "content"), MediaType: getString(src, "mediaType")}
	}
	if sens, ok := m["sensitive"].(bool); ok {
		note.Sensitive = sens
	}
	note.To = stringOrArrayFrom(m["to"])
	note.CC = stringOrArrayFrom(m["cc"])
	if tags, ok := m["tag"].([]interface{}); ok {
		note.Tag = tags
	}
	if atts, ok := m["attachment"].([]interface{}); ok {
		for _, att := range atts {
			a, ok := att.(map[string]interface{})
			if !ok {
				continue
			}
			note.Attachment = append(note.Attachment, Attachment{
				Type:      getString(a, "type"),
				URL:       getString(a, "url"),
				MediaType: getString(a, "mediaType"),
				Name:      getString(a, "name"),
			})
		}
	}
	return note
}

func stringOrArrayFrom(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// IsActor reports whether the object type is an actor type.
func IsActor(obj map[string]interface{}) bool {
	switch getString(obj, "type") {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// IsLocalID reports whether apID belongs to our own domain.
func IsLocalID(apID, localDomain string) bool {
	base := strings.TrimRight(localDomain, "/")
	return apID == base || strings.HasPrefix(apID, base+"/")
}

// SameHost reports whether two URLs share a host — the anti-spoof check
// spec §3 requires before constructing an InternalApId.
func SameHost(a, b string) bool {
	return hostOf(a) != "" && hostOf(a) == hostOf(b)
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexAny(rest, "/?#"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func isAPMediaType(ct string) bool {
	lower := strings.ToLower(ct)
	if lower == "application/activity+json" {
		return true
	}
	return strings.HasPrefix(lower, "application/ld+json") &&
		strings.Contains(lower, "https://www.w3.org/ns/activitystreams")
}
