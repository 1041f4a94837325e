package idhash

import "testing"

// samplePubkeyHex is an arbitrary valid 32-byte hex string, not tied to any
// real key.
const samplePubkeyHex = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

const sampleEventIDHex = "3a6b8c9f0000000000000000000000000000000000000000000000000000009a"

func TestNpubRoundTrip(t *testing.T) {
	npub, err := EncodeNpub(samplePubkeyHex)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}
	got, err := DecodeNpub(npub)
	if err != nil {
		t.Fatalf("DecodeNpub(%q): %v", npub, err)
	}
	if got != samplePubkeyHex {
		t.Fatalf("round trip mismatch: got %q, want %q", got, samplePubkeyHex)
	}
}

func TestDecodeNpubAcceptsNostrPrefix(t *testing.T) {
	npub, err := EncodeNpub(samplePubkeyHex)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}
	got, err := DecodeNpub("nostr:" + npub)
	if err != nil {
		t.Fatalf("DecodeNpub with nostr: prefix: %v", err)
	}
	if got != samplePubkeyHex {
		t.Fatalf("got %q, want %q", got, samplePubkeyHex)
	}
}

func TestDecodeNpubRejectsNoteForm(t *testing.T) {
	note, err := EncodeNote(sampleEventIDHex)
	if err != nil {
		t.Fatalf("EncodeNote: %v", err)
	}
	if _, err := DecodeNpub(note); err == nil {
		t.Fatal("expected DecodeNpub to reject a note1... string")
	}
}

func TestNoteRoundTrip(t *testing.T) {
	note, err := EncodeNote(sampleEventIDHex)
	if err != nil {
		t.Fatalf("EncodeNote: %v", err)
	}
	got, err := DecodeNote(note)
	if err != nil {
		t.Fatalf("DecodeNote(%q): %v", note, err)
	}
	if got != sampleEventIDHex {
		t.Fatalf("round trip mismatch: got %q, want %q", got, sampleEventIDHex)
	}
}

func TestPubkeyFromUserURL(t *testing.T) {
	const prefix = "https://bridge.example/users/"
	npub, err := EncodeNpub(samplePubkeyHex)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}

	tests := []struct {
		name      string
		url       string
		wantOK    bool
		wantErr   bool
		wantPkHex string
	}{
		{"matching prefix", prefix + npub, true, false, samplePubkeyHex},
		{"no prefix match", "https://other.example/users/" + npub, false, false, ""},
		{"matching prefix, garbage suffix", prefix + "not-a-bech32-string", true, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := PubkeyFromUserURL(tt.url, prefix)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.wantPkHex {
				t.Fatalf("got %q, want %q", got, tt.wantPkHex)
			}
		})
	}
}

func TestEventIDFromNoteURL(t *testing.T) {
	const prefix = "https://bridge.example/notes/"
	note, err := EncodeNote(sampleEventIDHex)
	if err != nil {
		t.Fatalf("EncodeNote: %v", err)
	}

	got, ok, err := EventIDFromNoteURL(prefix+note, prefix)
	if err != nil {
		t.Fatalf("EventIDFromNoteURL: %v", err)
	}
	if !ok {
		t.Fatal("expected prefix match")
	}
	if got != sampleEventIDHex {
		t.Fatalf("got %q, want %q", got, sampleEventIDHex)
	}

	if _, ok, _ := EventIDFromNoteURL("https://bridge.example/users/"+note, prefix); ok {
		t.Fatal("expected no prefix match for a /users/ URL against NOTE_ID_PREFIX")
	}
}
