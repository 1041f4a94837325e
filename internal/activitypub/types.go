// Package activitypub implements the NET-A wire format (actors, notes,
// activities, webfinger, nodeinfo) and the HTTP-signature transport used to
// fetch and deliver them — spec §3's "NET-A Activity" data model and the
// out-of-scope-but-interfaced HTTP-signature verification/signing collaborator.
package activitypub

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserializes an AP field that may be either a JSON string or
// a JSON array of strings.
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
	NostrProtocolURI  = "https://github.com/nostr-protocol/nostr"
)

// DefaultContext is the JSON-LD @context this bridge emits, extended with
// the proxy/label vocabulary its Proxy field needs.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"Hashtag":       "as:Hashtag",
		"sensitive":     "as:sensitive",
		"schema":        "http://schema.org#",
		"PropertyValue": "schema:PropertyValue",
		"value":         "schema:value",
		"EmojiReact":    "http://joinmastodon.org/ns#EmojiReact",
		"Emoji":         "http://joinmastodon.org/ns#Emoji",
		"proxyOf":       "https://bridge.example/ns#proxyOf",
		"proxied":       "https://bridge.example/ns#proxied",
		"protocol":      "https://bridge.example/ns#protocol",
		"authoritative": "https://bridge.example/ns#authoritative",
		"quoteUrl":      "as:quoteUrl",
	},
}

// Actor represents a NET-A actor (Person, Service, Application).
type Actor struct {
	Context           interface{}     `json:"@context,omitempty"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Name              string          `json:"name,omitempty"`
	PreferredUsername string          `json:"preferredUsername"`
	Summary           string          `json:"summary,omitempty"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox,omitempty"`
	Followers         string          `json:"followers,omitempty"`
	Following         string          `json:"following,omitempty"`
	PublicKey         *PublicKey      `json:"publicKey,omitempty"`
	Icon              *Image          `json:"icon,omitempty"`
	Image             *Image          `json:"image,omitempty"`
	Attachment        []PropertyValue `json:"attachment,omitempty"`
	Tag               []interface{}   `json:"tag,omitempty"`
	URL               string          `json:"url,omitempty"`
	Endpoints         *Endpoints      `json:"endpoints,omitempty"`
	ProxyOf           []Proxy         `json:"proxyOf,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PropertyValue struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Note represents a NET-A Note (and, loosely, Article/Question).
type Note struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Name         string        `json:"name,omitempty"`
	Content      string        `json:"content"`
	Source       *Source       `json:"source,omitempty"`
	Published    string        `json:"published,omitempty"`
	To           []string      `json:"to,omitempty"`
	CC           []string      `json:"cc,omitempty"`
	Tag          []interface{} `json:"tag,omitempty"`
	Attachment   []Attachment  `json:"attachment,omitempty"`
	URL          interface{}   `json:"url,omitempty"` // string, or {href, proxiedFrom}
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	QuoteURL     string        `json:"quoteUrl,omitempty"`
	QuoteURI     string        `json:"_misskey_quote,omitempty"`
	Sensitive    bool          `json:"sensitive,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Generator    *Generator    `json:"generator,omitempty"`
	ProxyOf      []Proxy       `json:"proxyOf,omitempty"`
}

// Source carries the optional Markdown (or other) source variant of a
// Note's content, spec §4.5.1 step 5's "source of MIME
// text/x.misskeymarkdown".
type Source struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType"`
}

// URLField models the two shapes a Note's "url" can take: a bare string, or
// an object declaring proxiedFrom (spec §3).
type URLField struct {
	Href        string
	ProxiedFrom string
}

func ParseURLField(raw interface{}) URLField {
	switch v := raw.(type) {
	case string:
		return URLField{Href: v}
	case map[string]interface{}:
		out := URLField{}
		if h, ok := v["href"].(string); ok {
			out.Href = h
		}
		if p, ok := v["proxiedFrom"].(string); ok {
			out.ProxiedFrom = p
		}
		return out
	default:
		return URLField{}
	}
}

type Attachment struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
}

type Mention struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name,omitempty"`
}

type Hashtag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

type Emoji struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Icon *Image `json:"icon,omitempty"`
}

type Generator struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Proxy links a NET-A object back to its NET-N origin, or vice versa.
type Proxy struct {
	Protocol      string `json:"protocol"`
	Proxied       string `json:"proxied"`
	Authoritative bool   `json:"authoritative,omitempty"`
}

// Activity is a generic outbound NET-A activity.
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// IncomingActivity is used to parse an inbound activity whose object may be
// a string reference or an embedded object (spec §4.5).
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type OrderedCollection struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	TotalItems   int         `json:"totalItems"`
	OrderedItems interface{} `json:"orderedItems"`
}

type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoUsage struct {
	Users NodeInfoUsers `json:"users"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfYear int `json:"activeHalfYear"`
}

// WithContext wraps v with the default NET-A @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
