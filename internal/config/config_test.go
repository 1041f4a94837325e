package config

import "testing"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DOMAIN", "bridge.example")
	t.Setenv("HTTPS_DOMAIN", "bridge.example")
	t.Setenv("NOTE_ID_PREFIX", "https://bridge.example/notes/")
	t.Setenv("USER_ID_PREFIX", "https://bridge.example/users/")
	t.Setenv("BIND_ADDRESS", ":8080")
	t.Setenv("SECRET_KEY", "a-sufficiently-long-secret-key")
	t.Setenv("MAIN_RELAYS", "wss://relay.one,wss://relay.two")
	t.Setenv("INBOX_RELAYS", "")
	t.Setenv("OUTBOX_RELAYS", "")
	t.Setenv("METADATA_RELAYS", "wss://purplepag.es")
	t.Setenv("AP_RELAYS", "")
	t.Setenv("BOT_NSEC", "nsec1jqkh2ldzxh9xyltzlxxtp4zjz80l2mq95zs97u42ks6c9pxetfvq2g2w2x")
}

func TestLoadSucceedsWithAllRequiredVars(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain != "bridge.example" {
		t.Errorf("Domain = %q, want bridge.example", cfg.Domain)
	}
	if len(cfg.MainRelays) != 2 {
		t.Errorf("MainRelays = %v, want 2 entries", cfg.MainRelays)
	}
	if cfg.BotPubKey == "" {
		t.Error("expected BotPubKey to be derived from BOT_NSEC")
	}
	if cfg.FollowGraphSnapshotPath == "" {
		t.Error("expected a default FollowGraphSnapshotPath")
	}
}

func TestLoadFailsOnMissingRequiredVar(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DOMAIN", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when DOMAIN is unset")
	}
}

func TestLoadFailsOnShortSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SECRET_KEY", "short")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for SECRET_KEY shorter than MinSecretLen")
	}
}

func TestLoadFailsOnInvalidBotNsec(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BOT_NSEC", "not-a-bech32-nsec")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for malformed BOT_NSEC")
	}
}

func TestParseRelaysTrimsAndDropsEmpty(t *testing.T) {
	got := parseRelays(" wss://a , wss://b ,, wss://c")
	want := []string{"wss://a", "wss://b", "wss://c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestUserAgentFormat(t *testing.T) {
	cfg := &Config{HTTPSDomain: "bridge.example"}
	got := cfg.UserAgent("1.0.0")
	want := "Bridge/1.0.0 (bridge.example)"
	if got != want {
		t.Errorf("UserAgent = %q, want %q", got, want)
	}
}
