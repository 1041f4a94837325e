package keys

import (
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateRSAKeyPairGeneratesOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	pair, err := LoadOrGenerateRSAKeyPair(privPath, pubPath)
	if err != nil {
		t.Fatalf("LoadOrGenerateRSAKeyPair: %v", err)
	}
	if pair.Private == nil || pair.Public == nil {
		t.Fatal("expected non-nil key pair")
	}
	if pair.PublicPEM == "" {
		t.Fatal("expected non-empty PublicPEM")
	}
}

func TestLoadOrGenerateRSAKeyPairReloadsSameKey(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	first, err := LoadOrGenerateRSAKeyPair(privPath, pubPath)
	if err != nil {
		t.Fatalf("LoadOrGenerateRSAKeyPair (first run): %v", err)
	}
	second, err := LoadOrGenerateRSAKeyPair(privPath, pubPath)
	if err != nil {
		t.Fatalf("LoadOrGenerateRSAKeyPair (second run): %v", err)
	}

	if first.Private.N.Cmp(second.Private.N) != 0 {
		t.Fatal("expected the same key pair to be reloaded from disk, got a different modulus")
	}
	if first.PublicPEM != second.PublicPEM {
		t.Fatal("expected PublicPEM to be stable across reloads")
	}
}
