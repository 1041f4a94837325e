// Package idhash centralizes the bech32 encode/decode conventions shared by
// every component that turns a NET-N pubkey or event id into a NET-A URL
// (and back): the user-ID-prefix and note-ID-prefix schemes from spec §4.2
// and §4.5.2.
package idhash

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// EncodeNpub returns the bech32 npub form of a hex pubkey.
func EncodeNpub(pubkeyHex string) (string, error) {
	return nip19.EncodePublicKey(pubkeyHex)
}

// EncodeNote returns the bech32 note form of a hex event id.
func EncodeNote(eventIDHex string) (string, error) {
	return nip19.EncodeNote(eventIDHex)
}

// DecodeNpub accepts npub1... or nprofile1... (optionally prefixed by
// "nostr:") and returns the hex pubkey.
func DecodeNpub(s string) (string, error) {
	s = strings.TrimPrefix(s, "nostr:")
	prefix, data, err := nip19.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode bech32: %w", err)
	}
	switch prefix {
	case "npub":
		return data.(string), nil
	case "nprofile":
		pp := data.(nip19.ProfilePointer)
		return pp.PublicKey, nil
	default:
		return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
	}
}

// DecodeNote accepts note1... or nevent1... and returns the hex event id.
func DecodeNote(s string) (string, error) {
	s = strings.TrimPrefix(s, "nostr:")
	prefix, data, err := nip19.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode bech32: %w", err)
	}
	switch prefix {
	case "note":
		return data.(string), nil
	case "nevent":
		ep := data.(nip19.EventPointer)
		return ep.ID, nil
	default:
		return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
	}
}

// StripUserPrefix reports whether url begins with prefix (the configured
// USER_ID_PREFIX) and, if so, returns the bech32 remainder.
func StripUserPrefix(url, prefix string) (rest string, ok bool) {
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}

// StripNotePrefix reports whether url begins with prefix (the configured
// NOTE_ID_PREFIX) and, if so, returns the bech32 remainder.
func StripNotePrefix(url, prefix string) (rest string, ok bool) {
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}

// PubkeyFromUserURL resolves a NET-A "proxied" user URL (one carrying the
// user-ID prefix) straight to a hex pubkey, per spec §4.2 step 1.
func PubkeyFromUserURL(url, userIDPrefix string) (pubkeyHex string, ok bool, err error) {
	rest, matched := StripUserPrefix(url, userIDPrefix)
	if !matched {
		return "", false, nil
	}
	hex, err := DecodeNpub(rest)
	if err != nil {
		return "", true, err
	}
	return hex, true, nil
}

// EventIDFromNoteURL resolves a NET-A "proxied" note URL to a hex event id,
// per spec §4.5.2.
func EventIDFromNoteURL(url, noteIDPrefix string) (eventIDHex string, ok bool, err error) {
	rest, matched := StripNotePrefix(url, noteIDPrefix)
	if !matched {
		return "", false, nil
	}
	hex, err := DecodeNote(rest)
	if err != nil {
		return "", true, err
	}
	return hex, true, nil
}
