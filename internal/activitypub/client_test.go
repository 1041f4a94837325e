package activitypub

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
)

func TestSameHost(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"https://fedi.example/notes/1", "https://fedi.example/users/alice", true},
		{"https://fedi.example/notes/1", "https://other.example/users/alice", false},
		{"not-a-url", "https://fedi.example/users/alice", false},
	}
	for _, c := range cases {
		if got := SameHost(c.a, c.b); got != c.want {
			t.Errorf("SameHost(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestIsLocalID(t *testing.T) {
	const domain = "https://bridge.example"
	if !IsLocalID("https://bridge.example/users/alice", domain) {
		t.Error("expected https://bridge.example/users/alice to be local")
	}
	if !IsLocalID("https://bridge.example", domain) {
		t.Error("expected exact domain match to be local")
	}
	if IsLocalID("https://other.example/users/alice", domain) {
		t.Error("expected https://other.example/users/alice to not be local")
	}
}

func TestStringOrArrayFrom(t *testing.T) {
	if got := stringOrArrayFrom("https://x/Public"); len(got) != 1 || got[0] != "https://x/Public" {
		t.Errorf("stringOrArrayFrom(string) = %v", got)
	}
	arr := []interface{}{"a", "b", 3}
	got := stringOrArrayFrom(arr)
	want := []string{"a", "b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("stringOrArrayFrom(array) = %v, want %v", got, want)
	}
	if got := stringOrArrayFrom(42); got != nil {
		t.Errorf("stringOrArrayFrom(int) = %v, want nil", got)
	}
}

func TestIsActor(t *testing.T) {
	if !IsActor(map[string]interface{}{"type": "Person"}) {
		t.Error("expected Person to be an actor type")
	}
	if IsActor(map[string]interface{}{"type": "Note"}) {
		t.Error("expected Note to not be an actor type")
	}
}

func TestIsAPMediaType(t *testing.T) {
	cases := []struct {
		ct   string
		want bool
	}{
		{"application/activity+json", true},
		{"Application/Activity+JSON", true},
		{`application/ld+json; profile="https://www.w3.org/ns/activitystreams"`, true},
		{"application/json", false},
		{"text/html", false},
	}
	for _, c := range cases {
		if got := isAPMediaType(c.ct); got != c.want {
			t.Errorf("isAPMediaType(%q) = %v, want %v", c.ct, got, c.want)
		}
	}
}

func TestVerifyDigestMatches(t *testing.T) {
	body := []byte(`{"type":"Note"}`)
	sum := sha256.Sum256(body)
	header := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	if err := VerifyDigest(body, header); err != nil {
		t.Fatalf("VerifyDigest with matching digest: %v", err)
	}
}

func TestVerifyDigestMismatch(t *testing.T) {
	body := []byte(`{"type":"Note"}`)
	if err := VerifyDigest(body, "SHA-256=not-the-real-digest"); err == nil {
		t.Fatal("expected VerifyDigest to fail on a mismatched digest")
	}
}

func TestVerifyDigestEmptyHeaderPasses(t *testing.T) {
	if err := VerifyDigest([]byte("anything"), ""); err != nil {
		t.Errorf("VerifyDigest with no Digest header should pass, got %v", err)
	}
}

func TestParsePublicKeyPEMRoundTrip(t *testing.T) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	derBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: derBytes}))

	got, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	if got.N.Cmp(privKey.PublicKey.N) != 0 || got.E != privKey.PublicKey.E {
		t.Error("parsed public key does not match the original")
	}
}

func TestParsePublicKeyPEMRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKeyPEM("not a pem block"); err == nil {
		t.Fatal("expected an error for a non-PEM string")
	}
}
