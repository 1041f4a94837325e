// Package keys implements component C3 (Keypair Derivation): a
// deterministic NET-N secret key for any NET-A actor URL, derived from the
// bridge's process secret, plus RSA keypair generation for the bridge's own
// NET-A-facing actors.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLen is the minimum process-secret length spec §4.3 requires; a
// shorter secret means the process refuses to start.
const MinSecretLen = 10

// derivationLabel domain-separates this bridge's HKDF info parameter from
// any other derivation that might share the same process secret.
const derivationLabel = "bridge-ap-actor:"

// Deriver produces proxy keys for NET-A actor URLs. It is safe for
// concurrent use; derived keys are cached since derive(url) must be stable
// for the lifetime of the process (spec §3 invariant).
type Deriver struct {
	secret []byte
	mu     sync.RWMutex
	cache  map[string]string // actor URL → derived hex secret key
}

// New validates the process secret and returns a Deriver. actorURL here
// means any NET-A actor URL; for NET-N-originated proxying of AP actors the
// "URL" argument to Derive is always the actor's canonical id string.
func New(secret string) (*Deriver, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("process secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	return &Deriver{secret: []byte(secret), cache: make(map[string]string)}, nil
}

// Derive returns the deterministic hex-encoded NET-N secret key for a NET-A
// actor URL: HKDF-SHA256(ikm=process_secret, salt=nil, info=label+actorURL).
func (d *Deriver) Derive(actorURL string) string {
	d.mu.RLock()
	if key, ok := d.cache[actorURL]; ok {
		d.mu.RUnlock()
		return key
	}
	d.mu.RUnlock()

	r := hkdf.New(sha256.New, d.secret, nil, []byte(derivationLabel+actorURL))
	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf.Reader over SHA-256 with a 32-byte output never runs out of
		// key material; a failure here means the stdlib contract broke.
		panic("keys: hkdf read failed: " + err.Error())
	}
	key := hex.EncodeToString(out[:])

	d.mu.Lock()
	d.cache[actorURL] = key
	d.mu.Unlock()
	return key
}

// PublicKey returns the derived secp256k1 public key for a NET-A actor URL.
func (d *Deriver) PublicKey(actorURL string) (string, error) {
	return nostr.GetPublicKey(d.Derive(actorURL))
}
