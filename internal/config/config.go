// Package config loads the bridge's process configuration from the
// environment, per spec §6's exact variable names, with an optional
// bridge.yaml overlay for the teacher's tunable performance constants.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"
)

// MinSecretLen mirrors internal/keys.MinSecretLen; duplicated here so Load
// can refuse to start before internal/keys.New is even called.
const MinSecretLen = 10

// Config holds all runtime configuration spec §6 requires plus the
// teacher's tunable performance constants.
type Config struct {
	Domain       string // DOMAIN — host[:port], used to build http(s) URLs
	HTTPSDomain  string // HTTPS_DOMAIN — bare host for User-Agent and nodeinfo
	NoteIDPrefix string // NOTE_ID_PREFIX — e.g. "https://bridge.example/notes/"
	UserIDPrefix string // USER_ID_PREFIX — e.g. "https://bridge.example/users/"
	BindAddress  string // BIND_ADDRESS — host:port the HTTP server listens on
	SecretKey    string // SECRET_KEY — process secret for C3 key derivation, >= 10 bytes

	MainRelays     []string // MAIN_RELAYS
	InboxRelays    []string // INBOX_RELAYS
	OutboxRelays   []string // OUTBOX_RELAYS
	MetadataRelays []string // METADATA_RELAYS
	APRelays       []string // AP_RELAYS

	BotNsec    string // BOT_NSEC — bech32 bot secret
	BotPrivKey string // derived hex form of BotNsec
	BotPubKey  string // derived hex public key
	BotNpub    string

	RSAPrivateKeyPath       string
	RSAPublicKeyPath        string
	DatabaseURL             string
	FollowGraphSnapshotPath string

	// Tunable performance constants, overridable via bridge.yaml; all have
	// the teacher's defaults.
	ResyncInterval         time.Duration
	ActorCacheTTL          time.Duration
	FederationConcurrency  int
	RelayCircuitThreshold  int
	DeadlockWatchdogPeriod time.Duration
}

// yamlOverlay is the subset of Config an optional bridge.yaml may override;
// only the tunables, never identity/secret material.
type yamlOverlay struct {
	ResyncInterval         string `yaml:"resync_interval"`
	ActorCacheTTL          string `yaml:"actor_cache_ttl"`
	FederationConcurrency  int    `yaml:"federation_concurrency"`
	RelayCircuitThreshold  int    `yaml:"relay_circuit_threshold"`
	DeadlockWatchdogPeriod string `yaml:"deadlock_watchdog_period"`
}

// Load reads configuration from the environment and, if present, a
// bridge.yaml overlay. Every variable spec §6 lists is required; a missing
// or malformed one is fatal at startup, matching spec §6's "refuse to
// start" contract.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		ResyncInterval:         24 * time.Hour,
		ActorCacheTTL:          time.Hour,
		FederationConcurrency:  10,
		RelayCircuitThreshold:  3,
		DeadlockWatchdogPeriod: 2 * time.Minute,
	}

	required := map[string]*string{
		"DOMAIN":         &cfg.Domain,
		"HTTPS_DOMAIN":   &cfg.HTTPSDomain,
		"NOTE_ID_PREFIX": &cfg.NoteIDPrefix,
		"USER_ID_PREFIX": &cfg.UserIDPrefix,
		"BIND_ADDRESS":   &cfg.BindAddress,
		"SECRET_KEY":     &cfg.SecretKey,
		"BOT_NSEC":       &cfg.BotNsec,
	}
	for name, dst := range required {
		v := os.Getenv(name)
		if v == "" {
			return nil, fmt.Errorf("config: required environment variable %s is not set", name)
		}
		*dst = v
	}

	if len(cfg.SecretKey) < MinSecretLen {
		return nil, fmt.Errorf("config: SECRET_KEY must be at least %d bytes, got %d", MinSecretLen, len(cfg.SecretKey))
	}

	var err error
	if cfg.MainRelays, err = requireRelays("MAIN_RELAYS"); err != nil {
		return nil, err
	}
	if cfg.InboxRelays, err = requireRelays("INBOX_RELAYS"); err != nil {
		return nil, err
	}
	if cfg.OutboxRelays, err = requireRelays("OUTBOX_RELAYS"); err != nil {
		return nil, err
	}
	if cfg.MetadataRelays, err = requireRelays("METADATA_RELAYS"); err != nil {
		return nil, err
	}
	if cfg.APRelays, err = requireRelays("AP_RELAYS"); err != nil {
		return nil, err
	}

	prefix, data, err := nip19.Decode(cfg.BotNsec)
	if err != nil || prefix != "nsec" {
		return nil, fmt.Errorf("config: BOT_NSEC is not a valid bech32 nsec: %v", err)
	}
	cfg.BotPrivKey = data.(string)
	cfg.BotPubKey, err = nostr.GetPublicKey(cfg.BotPrivKey)
	if err != nil {
		return nil, fmt.Errorf("config: derive bot public key: %w", err)
	}
	cfg.BotNpub, err = nip19.EncodePublicKey(cfg.BotPubKey)
	if err != nil {
		return nil, fmt.Errorf("config: encode bot npub: %w", err)
	}

	cfg.RSAPrivateKeyPath = getEnv("RSA_PRIVATE_KEY_PATH", "bridge-private.pem")
	cfg.RSAPublicKeyPath = getEnv("RSA_PUBLIC_KEY_PATH", "bridge-public.pem")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "bridge.db")
	cfg.FollowGraphSnapshotPath = getEnv("FOLLOW_GRAPH_SNAPSHOT_PATH", "follow-graph.json")

	if yamlPath != "" {
		if err := applyYAMLOverlay(cfg, yamlPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if overlay.ResyncInterval != "" {
		d, err := time.ParseDuration(overlay.ResyncInterval)
		if err != nil {
			return fmt.Errorf("config: %s: invalid resync_interval: %w", path, err)
		}
		cfg.ResyncInterval = d
	}
	if overlay.ActorCacheTTL != "" {
		d, err := time.ParseDuration(overlay.ActorCacheTTL)
		if err != nil {
			return fmt.Errorf("config: %s: invalid actor_cache_ttl: %w", path, err)
		}
		cfg.ActorCacheTTL = d
	}
	if overlay.DeadlockWatchdogPeriod != "" {
		d, err := time.ParseDuration(overlay.DeadlockWatchdogPeriod)
		if err != nil {
			return fmt.Errorf("config: %s: invalid deadlock_watchdog_period: %w", path, err)
		}
		cfg.DeadlockWatchdogPeriod = d
	}
	if overlay.FederationConcurrency > 0 {
		cfg.FederationConcurrency = overlay.FederationConcurrency
	}
	if overlay.RelayCircuitThreshold > 0 {
		cfg.RelayCircuitThreshold = overlay.RelayCircuitThreshold
	}
	return nil
}

// UserAgent builds the "Bridge/{version} ({HTTPS_DOMAIN})" form spec §6
// requires.
func (c *Config) UserAgent(version string) string {
	return fmt.Sprintf("Bridge/%s (%s)", version, c.HTTPSDomain)
}

func requireRelays(name string) ([]string, error) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("config: required environment variable %s is not set", name)
	}
	return parseRelays(raw), nil
}

func parseRelays(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
